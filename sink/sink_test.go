package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/types"
)

func testResults() []types.Result {
	return []types.Result{
		{ResolverID: 2, URL: "http://a/1.mp3", Track: "Roads", Artist: "Portishead"},
		{ResolverID: 2, URL: "http://a/2.mp3", Track: "Roads (live)", Artist: "Portishead"},
	}
}

// blockingPublisher blocks every Publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	got     []*Batch
	closed  int
	fail    bool
}

func (p *blockingPublisher) Publish(ctx context.Context, b *Batch) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, b)
	if p.fail {
		return errors.New("downstream unavailable")
	}
	return nil
}

func (p *blockingPublisher) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func TestNewBatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	results := testResults()
	b := NewBatch("q1", results, now)

	if b.EventType != EventType || b.ContractVersion != types.ProtocolVersion {
		t.Errorf("envelope = %q/%q", b.EventType, b.ContractVersion)
	}
	if b.ResultCount != 2 || b.ResolverID != 2 {
		t.Errorf("ResultCount=%d ResolverID=%d", b.ResultCount, b.ResolverID)
	}
	if b.ReportedAt.Location() != time.UTC {
		t.Error("ReportedAt should be UTC")
	}

	// The batch owns its results.
	results[0].URL = "mutated"
	if b.Results[0].URL != "http://a/1.mp3" {
		t.Error("batch results alias the caller's slice")
	}
}

func TestNewBatch_Empty(t *testing.T) {
	b := NewBatch("q1", nil, time.Now())
	if b.ResultCount != 0 || len(b.Results) != 0 || b.ResolverID != 0 {
		t.Errorf("empty batch = %+v", b)
	}
	// No resolver attribution is published for an empty batch.
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "resolver_id") {
		t.Errorf("empty batch JSON carries resolver_id: %s", data)
	}
}

func TestPipeline_PublishesToEveryPublisher(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	c := metrics.NewCollector()
	p := NewPipeline(PipelineConfig{Collector: c}, a, b)

	p.ReportResults("q1", testResults())
	p.ReportResults("q2", nil)

	if err := p.Close(t.Context()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for name, m := range map[string]*Memory{"a": a, "b": b} {
		all := m.All()
		if len(all) != 2 {
			t.Fatalf("%s: got %d batches, want 2", name, len(all))
		}
		if all[0].QueryID != "q1" || all[1].QueryID != "q2" {
			t.Errorf("%s: order = %s, %s", name, all[0].QueryID, all[1].QueryID)
		}
	}
	if got := c.Snapshot().BatchesPublished; got != 4 {
		t.Errorf("BatchesPublished = %d, want 4", got)
	}
}

func TestPipeline_FullQueueDrops(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	c := metrics.NewCollector()
	p := NewPipeline(PipelineConfig{QueueSize: 1, Collector: c}, pub)

	// The worker takes the first batch and blocks; the second fills the
	// queue; the rest are dropped.
	p.ReportResults("q1", nil)
	deadline := time.Now().Add(5 * time.Second)
	for len(p.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up first batch")
		}
		time.Sleep(time.Millisecond)
	}
	p.ReportResults("q2", nil)
	p.ReportResults("q3", nil)
	p.ReportResults("q4", nil)

	if got := c.Snapshot().BatchesDropped; got != 2 {
		t.Errorf("BatchesDropped = %d, want 2", got)
	}

	close(pub.release)
	if err := p.Close(t.Context()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(pub.got) != 2 {
		t.Errorf("published %d batches, want 2", len(pub.got))
	}
}

func TestPipeline_PublishFailureCounted(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{}), fail: true}
	close(pub.release)
	c := metrics.NewCollector()
	p := NewPipeline(PipelineConfig{Collector: c}, pub)

	p.ReportResults("q1", testResults())
	if err := p.Close(t.Context()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s := c.Snapshot()
	if s.PublishFailures != 1 || s.BatchesPublished != 0 {
		t.Errorf("PublishFailures=%d BatchesPublished=%d, want 1/0", s.PublishFailures, s.BatchesPublished)
	}
}

func TestPipeline_PublishTimeout(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	c := metrics.NewCollector()
	p := NewPipeline(PipelineConfig{PublishTimeout: 20 * time.Millisecond, Collector: c}, pub)

	p.ReportResults("q1", nil)
	if err := p.Close(t.Context()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := c.Snapshot().PublishFailures; got != 1 {
		t.Errorf("PublishFailures = %d, want 1", got)
	}
}

func TestPipeline_CloseIdempotent(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	close(pub.release)
	c := metrics.NewCollector()
	p := NewPipeline(PipelineConfig{Collector: c}, pub)

	if err := p.Close(t.Context()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(t.Context()); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if pub.closed != 1 {
		t.Errorf("publisher closed %d times, want 1", pub.closed)
	}

	// Reports after close are dropped, not panics.
	p.ReportResults("late", nil)
	if got := c.Snapshot().BatchesDropped; got != 1 {
		t.Errorf("BatchesDropped = %d, want 1", got)
	}
}

func TestPipeline_CloseContextExpires(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	p := NewPipeline(PipelineConfig{}, pub)
	p.ReportResults("q1", nil)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close error = %v, want deadline exceeded", err)
	}
	close(pub.release)
}

func TestMemory_Wait(t *testing.T) {
	m := NewMemory()

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.ReportResults("other", nil)
		m.ReportResults("q1", testResults())
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	got, err := m.Wait(ctx, "q1", 1)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(got) != 1 || got[0].ResultCount != 2 {
		t.Errorf("got %+v", got)
	}
	if len(m.Batches("other")) != 1 {
		t.Error("expected one batch for other")
	}
}

func TestMemory_WaitTimeout(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Wait(ctx, "q1", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want deadline exceeded", err)
	}
}

func TestTee(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	Tee(a, b).ReportResults("q1", testResults())

	if len(a.Batches("q1")) != 1 || len(b.Batches("q1")) != 1 {
		t.Error("Tee should report to every sink")
	}
}
