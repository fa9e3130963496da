// Package callback correlates inbound sandbox callbacks with outstanding
// call-outs.
//
// A Router tracks, per operation kind, whether a call of that kind is
// outstanding. At most one call per kind may be in flight. A callback for a
// kind that is not outstanding is an UnexpectedCallback: it is logged and
// dropped without invoking the handler.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/types"
)

var (
	// ErrInFlight is returned by Register when a call of the same kind is
	// already outstanding.
	ErrInFlight = errors.New("callback: operation already in flight")
	// ErrUnknownOperation is returned for kinds outside the closed enumeration.
	ErrUnknownOperation = errors.New("callback: unknown operation kind")
)

// Token identifies one registration. It is diagnostic only; correlation is
// by kind.
type Token uint64

// Handler processes the payload of a callback. A nil payload means the
// script produced no value.
type Handler func(payload json.RawMessage) error

// Router is owned by exactly one resolver instance.
type Router struct {
	mu          sync.Mutex
	handlers    map[types.OperationKind]Handler
	outstanding map[types.OperationKind]Token
	next        Token

	logger    *log.Logger
	collector *metrics.Collector
}

// NewRouter creates a router. logger and collector may be nil.
func NewRouter(logger *log.Logger, collector *metrics.Collector) *Router {
	return &Router{
		handlers:    make(map[types.OperationKind]Handler),
		outstanding: make(map[types.OperationKind]Token),
		logger:      logger,
		collector:   collector,
	}
}

// Handle binds the handler for kind, replacing any previous one.
func (r *Router) Handle(kind types.OperationKind, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Register marks kind outstanding.
func (r *Router) Register(kind types.OperationKind) (Token, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownOperation, int(kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tok, ok := r.outstanding[kind]; ok {
		return 0, fmt.Errorf("%w: %s (token %d)", ErrInFlight, kind, tok)
	}
	r.next++
	r.outstanding[kind] = r.next
	return r.next, nil
}

// Dispatch delivers a callback. It returns true if a handler was invoked.
//
// The outstanding mark is cleared before the handler runs, and the handler
// runs outside the router lock so it may register the next call.
func (r *Router) Dispatch(kind types.OperationKind, payload json.RawMessage) bool {
	if !kind.Valid() {
		r.logger.Warn("callback for unknown operation dropped", map[string]any{
			"kind": int(kind),
		})
		r.collector.IncCallbackUnexpected()
		return false
	}

	r.mu.Lock()
	tok, ok := r.outstanding[kind]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("unexpected callback dropped", map[string]any{
			"kind": kind.String(),
		})
		r.collector.IncCallbackUnexpected()
		return false
	}
	delete(r.outstanding, kind)
	h := r.handlers[kind]
	r.mu.Unlock()

	r.collector.IncCallbackDispatched()
	if h == nil {
		r.logger.Debug("callback has no handler", map[string]any{
			"kind":  kind.String(),
			"token": uint64(tok),
		})
		return false
	}

	if err := h(payload); err != nil {
		r.logger.Warn("callback rejected", map[string]any{
			"kind":  kind.String(),
			"token": uint64(tok),
			"error": err.Error(),
		})
	}
	return true
}

// Cancel clears the outstanding mark for kind, if any.
func (r *Router) Cancel(kind types.OperationKind) {
	r.mu.Lock()
	delete(r.outstanding, kind)
	r.mu.Unlock()
}

// Reset drops every outstanding mark. Handlers stay bound.
func (r *Router) Reset() {
	r.mu.Lock()
	clear(r.outstanding)
	r.mu.Unlock()
}

// Awaiting returns true if kind is outstanding.
func (r *Router) Awaiting(kind types.OperationKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.outstanding[kind]
	return ok
}

// Outstanding returns the outstanding kinds in ascending order.
func (r *Router) Outstanding() []types.OperationKind {
	r.mu.Lock()
	kinds := make([]types.OperationKind, 0, len(r.outstanding))
	for k := range r.outstanding {
		kinds = append(kinds, k)
	}
	r.mu.Unlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
