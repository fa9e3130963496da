// Package sink defines where resolved results go.
//
// A resolver hands each completed batch to a Sink and never waits on it.
// The Pipeline sink forwards batches to downstream Publishers (Redis
// pub/sub, webhooks, the result archive) from its own goroutine.
package sink

import (
	"context"
	"time"

	"github.com/pithecene-io/resolvd/types"
)

// EventType is the event_type of every published batch.
const EventType = "results_reported"

// Sink receives the results of a completed resolve.
// Implementations must not block the caller and must be safe for
// concurrent use.
type Sink interface {
	ReportResults(queryID string, results []types.Result)
}

// Batch is the payload published downstream for one completed resolve.
//
// ResolverID is taken from the results, since Sink.ReportResults carries
// no resolver id. It is zero (and omitted) for an empty batch, so
// consumers must not rely on it to attribute "no results" reports.
type Batch struct {
	ContractVersion string           `json:"contract_version"`
	EventType       string           `json:"event_type"`
	QueryID         string           `json:"qid"`
	ResolverID      types.ResolverID `json:"resolver_id,omitempty"`
	ResultCount     int              `json:"result_count"`
	Results         []types.Result   `json:"results"`
	ReportedAt      time.Time        `json:"reported_at"`
}

// NewBatch builds a batch from results. The results slice is copied and
// ResolverID comes from the first result.
func NewBatch(queryID string, results []types.Result, now time.Time) *Batch {
	b := &Batch{
		ContractVersion: types.ProtocolVersion,
		EventType:       EventType,
		QueryID:         queryID,
		ResultCount:     len(results),
		Results:         append([]types.Result(nil), results...),
		ReportedAt:      now.UTC(),
	}
	if len(results) > 0 {
		b.ResolverID = results[0].ResolverID
	}
	return b
}

// Publisher delivers batches to a downstream system.
type Publisher interface {
	// Publish sends a batch. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, batch *Batch) error

	// Close releases publisher resources.
	Close() error
}

// Func adapts a function to the Sink interface.
type Func func(queryID string, results []types.Result)

// ReportResults calls f.
func (f Func) ReportResults(queryID string, results []types.Result) {
	f(queryID, results)
}

// Tee reports every batch to each sink in order.
func Tee(sinks ...Sink) Sink {
	return Func(func(queryID string, results []types.Result) {
		for _, s := range sinks {
			s.ReportResults(queryID, results)
		}
	})
}
