package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/types"
)

// Pipeline defaults.
const (
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 10 * time.Second
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// QueueSize bounds the number of pending batches (default 256).
	QueueSize int
	// PublishTimeout bounds each Publish call (default 10s).
	PublishTimeout time.Duration
	Logger         *log.Logger
	Collector      *metrics.Collector
	// Now overrides the batch timestamp clock. Tests only.
	Now func() time.Time
}

// Pipeline is a Sink that publishes batches to every Publisher from a
// single worker goroutine. ReportResults never blocks: when the queue is
// full the batch is dropped and counted.
type Pipeline struct {
	cfg        PipelineConfig
	publishers []Publisher

	mu     sync.RWMutex
	closed bool
	queue  chan *Batch
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewPipeline creates a pipeline and starts its worker.
func NewPipeline(cfg PipelineConfig, publishers ...Publisher) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pipeline{
		cfg:        cfg,
		publishers: publishers,
		queue:      make(chan *Batch, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

// ReportResults enqueues a batch for publishing.
func (p *Pipeline) ReportResults(queryID string, results []types.Result) {
	batch := NewBatch(queryID, results, p.cfg.Now())

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.cfg.Logger.Warn("batch reported after pipeline close", map[string]any{"qid": queryID})
		p.cfg.Collector.IncBatchDropped()
		return
	}

	select {
	case p.queue <- batch:
	default:
		p.cfg.Logger.Warn("pipeline queue full, batch dropped", map[string]any{
			"qid":     queryID,
			"results": len(results),
		})
		p.cfg.Collector.IncBatchDropped()
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for batch := range p.queue {
		for _, pub := range p.publishers {
			p.publish(pub, batch)
		}
	}
}

func (p *Pipeline) publish(pub Publisher, batch *Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	if err := pub.Publish(ctx, batch); err != nil {
		p.cfg.Logger.Error("publish failed", map[string]any{
			"qid":   batch.QueryID,
			"error": err.Error(),
		})
		p.cfg.Collector.IncPublishFailure()
		return
	}
	p.cfg.Collector.IncBatchPublished()
}

// Close stops accepting batches, drains the queue and closes every
// publisher. If ctx ends before the queue drains, Close returns ctx.Err()
// and leaves the publishers open for the worker to finish.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.closeOnce.Do(func() {
		var errs []error
		for _, pub := range p.publishers {
			if err := pub.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

var _ Sink = (*Pipeline)(nil)
