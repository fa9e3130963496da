// Package metrics provides process-wide resolver metrics.
//
// The Collector accumulates counters across every resolver in the process.
// It is a leaf package with no internal dependencies; resolvers are keyed by
// name so the package stays free of the types package.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Script lifecycle
	ScriptsLoaded int64
	LoadFailures  int64
	Reloads       int64

	// Bridge
	CallOuts            int64
	CallbacksDispatched int64
	CallbacksUnexpected int64
	CallbacksMalformed  int64

	// Resolves
	ResolvesStarted   int64
	ResolvesCompleted int64
	ResolvesRejected  int64
	ResultsReported   int64
	RecordsSkipped    int64
	ResultsByResolver map[string]int64

	// Sink pipeline
	BatchesPublished int64
	BatchesDropped   int64
	PublishFailures  int64

	// Remote links
	FrameDecodeErrors int64
}

// Collector accumulates metrics.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	scriptsLoaded int64
	loadFailures  int64
	reloads       int64

	callOuts            int64
	callbacksDispatched int64
	callbacksUnexpected int64
	callbacksMalformed  int64

	resolvesStarted   int64
	resolvesCompleted int64
	resolvesRejected  int64
	resultsReported   int64
	recordsSkipped    int64
	resultsByResolver map[string]int64

	batchesPublished int64
	batchesDropped   int64
	publishFailures  int64

	frameDecodeErrors int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		resultsByResolver: make(map[string]int64),
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Script lifecycle ---

// IncScriptLoaded records a script that finished its init sequence.
func (c *Collector) IncScriptLoaded() {
	if c == nil {
		return
	}
	c.add(&c.scriptsLoaded, 1)
}

// IncLoadFailure records a script document or sandbox load failure.
func (c *Collector) IncLoadFailure() {
	if c == nil {
		return
	}
	c.add(&c.loadFailures, 1)
}

// IncReload records a resolver reload.
func (c *Collector) IncReload() {
	if c == nil {
		return
	}
	c.add(&c.reloads, 1)
}

// --- Bridge ---

// IncCallOut records a statement evaluated in a sandbox.
func (c *Collector) IncCallOut() {
	if c == nil {
		return
	}
	c.add(&c.callOuts, 1)
}

// IncCallbackDispatched records a callback delivered to its handler.
func (c *Collector) IncCallbackDispatched() {
	if c == nil {
		return
	}
	c.add(&c.callbacksDispatched, 1)
}

// IncCallbackUnexpected records a callback for a kind that was not awaited.
func (c *Collector) IncCallbackUnexpected() {
	if c == nil {
		return
	}
	c.add(&c.callbacksUnexpected, 1)
}

// IncCallbackMalformed records a callback whose payload was not valid JSON.
func (c *Collector) IncCallbackMalformed() {
	if c == nil {
		return
	}
	c.add(&c.callbacksMalformed, 1)
}

// --- Resolves ---

// IncResolveStarted records a query dispatched to a resolver.
func (c *Collector) IncResolveStarted() {
	if c == nil {
		return
	}
	c.add(&c.resolvesStarted, 1)
}

// IncResolveRejected records a query refused because the resolver was not
// ready or already resolving.
func (c *Collector) IncResolveRejected() {
	if c == nil {
		return
	}
	c.add(&c.resolvesRejected, 1)
}

// ObserveResolveCompleted records a completed resolve and the number of
// results handed to the sink.
func (c *Collector) ObserveResolveCompleted(resolver string, results int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.resolvesCompleted++
	c.resultsReported += int64(results)
	if c.resultsByResolver == nil {
		c.resultsByResolver = make(map[string]int64)
	}
	c.resultsByResolver[resolver] += int64(results)
	c.mu.Unlock()
}

// AddRecordsSkipped records result elements dropped during parsing.
func (c *Collector) AddRecordsSkipped(n int) {
	if c == nil || n == 0 {
		return
	}
	c.add(&c.recordsSkipped, int64(n))
}

// --- Sink pipeline ---
// Pipeline counters are per batch and per publisher call.

// IncBatchPublished records a batch accepted by a publisher.
func (c *Collector) IncBatchPublished() {
	if c == nil {
		return
	}
	c.add(&c.batchesPublished, 1)
}

// IncBatchDropped records a batch dropped because the queue was full.
func (c *Collector) IncBatchDropped() {
	if c == nil {
		return
	}
	c.add(&c.batchesDropped, 1)
}

// IncPublishFailure records a publisher call that returned an error.
func (c *Collector) IncPublishFailure() {
	if c == nil {
		return
	}
	c.add(&c.publishFailures, 1)
}

// --- Remote links ---

// IncFrameDecodeError records a malformed or undecodable frame.
func (c *Collector) IncFrameDecodeError() {
	if c == nil {
		return
	}
	c.add(&c.frameDecodeErrors, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byResolver := make(map[string]int64, len(c.resultsByResolver))
	for k, v := range c.resultsByResolver {
		byResolver[k] = v
	}

	return Snapshot{
		ScriptsLoaded: c.scriptsLoaded,
		LoadFailures:  c.loadFailures,
		Reloads:       c.reloads,

		CallOuts:            c.callOuts,
		CallbacksDispatched: c.callbacksDispatched,
		CallbacksUnexpected: c.callbacksUnexpected,
		CallbacksMalformed:  c.callbacksMalformed,

		ResolvesStarted:   c.resolvesStarted,
		ResolvesCompleted: c.resolvesCompleted,
		ResolvesRejected:  c.resolvesRejected,
		ResultsReported:   c.resultsReported,
		RecordsSkipped:    c.recordsSkipped,
		ResultsByResolver: byResolver,

		BatchesPublished: c.batchesPublished,
		BatchesDropped:   c.batchesDropped,
		PublishFailures:  c.publishFailures,

		FrameDecodeErrors: c.frameDecodeErrors,
	}
}
