package sink

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/resolvd/types"
)

// Memory records batches in memory. It is both a Sink and a Publisher.
type Memory struct {
	mu      sync.Mutex
	batches []*Batch
	changed chan struct{}
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{changed: make(chan struct{})}
}

// ReportResults records a batch.
func (m *Memory) ReportResults(queryID string, results []types.Result) {
	m.record(NewBatch(queryID, results, time.Now()))
}

// Publish records batch.
func (m *Memory) Publish(_ context.Context, batch *Batch) error {
	m.record(batch)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) record(b *Batch) {
	m.mu.Lock()
	m.batches = append(m.batches, b)
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// All returns every recorded batch in arrival order.
func (m *Memory) All() []*Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Batch(nil), m.batches...)
}

// Batches returns the batches recorded for queryID.
func (m *Memory) Batches(queryID string) []*Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(queryID)
}

func (m *Memory) filter(queryID string) []*Batch {
	var out []*Batch
	for _, b := range m.batches {
		if b.QueryID == queryID {
			out = append(out, b)
		}
	}
	return out
}

// Wait blocks until at least n batches for queryID were recorded or ctx
// ends.
func (m *Memory) Wait(ctx context.Context, queryID string, n int) ([]*Batch, error) {
	for {
		m.mu.Lock()
		got := m.filter(queryID)
		changed := m.changed
		m.mu.Unlock()

		if len(got) >= n {
			return got, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return got, ctx.Err()
		}
	}
}

var (
	_ Sink      = (*Memory)(nil)
	_ Publisher = (*Memory)(nil)
)
