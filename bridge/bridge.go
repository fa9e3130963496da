// Package bridge connects a resolver to its script sandbox.
//
// Calls into the sandbox are one-way: a call-out wraps an expression in a
// statement that, when evaluated, hands the JSON-serialized value back through
// the single inbound entry point (Host.CallIn) tagged with its operation kind.
// Nothing blocks waiting for the reply; the callback router correlates it.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/resolvd/callback"
	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/types"
)

// ErrNoSandbox is returned by CallOut before a sandbox is attached.
var ErrNoSandbox = errors.New("bridge: no sandbox attached")

// Document is a script document handed to a sandbox.
type Document struct {
	// Name is the script file name.
	Name string
	// Path is the script path on disk.
	Path string
	// BaseURL is the base against which the script resolves relative
	// resources (its containing directory).
	BaseURL string
	// Source is the script text.
	Source []byte
}

// Host is what a sandbox calls back into.
type Host interface {
	// CallIn is the single inbound entry point. jsonText is the
	// JSON-serialized value of the call-out expression; hadResult reports
	// whether the call-out asked for a value.
	CallIn(kind int, jsonText string, hadResult bool)
	// ConsoleMessage receives console output and uncaught errors.
	ConsoleMessage(message string, line int, source string)
}

// Sandbox is an isolated script environment. Load and Evaluate return
// immediately; Load reports completion through done.
type Sandbox interface {
	Load(doc Document, done func(error))
	Evaluate(statement string)
	Close() error
}

// SandboxFactory creates a sandbox that calls back into host.
type SandboxFactory func(host Host) (Sandbox, error)

// Bridge issues call-outs to a sandbox and routes its callbacks.
// Safe for concurrent use.
type Bridge struct {
	router    *callback.Router
	logger    *log.Logger
	collector *metrics.Collector

	mu      sync.RWMutex
	sandbox Sandbox
	epoch   uint64
}

// New creates a bridge over router. logger and collector may be nil.
func New(router *callback.Router, logger *log.Logger, collector *metrics.Collector) *Bridge {
	return &Bridge{router: router, logger: logger, collector: collector}
}

// Attach creates a sandbox with factory and makes it current. Callbacks
// from previously attached sandboxes are dropped from then on.
func (b *Bridge) Attach(factory SandboxFactory) (Sandbox, error) {
	b.mu.Lock()
	b.epoch++
	h := &epochHost{bridge: b, epoch: b.epoch}
	b.sandbox = nil
	b.mu.Unlock()

	sb, err := factory(h)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != h.epoch {
		// Attached again while the factory ran.
		_ = sb.Close()
		return nil, errors.New("bridge: attach superseded")
	}
	b.sandbox = sb
	return sb, nil
}

// Detach forgets the current sandbox without closing it and drops its
// future callbacks. It returns the sandbox that was attached, if any.
func (b *Bridge) Detach() Sandbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sandbox
	b.sandbox = nil
	b.epoch++
	return sb
}

// CallOut registers kind with the router and evaluates expr so that its
// value comes back through CallIn. It never blocks on the sandbox.
func (b *Bridge) CallOut(kind types.OperationKind, expr string, expectsResult bool) (callback.Token, error) {
	return b.CallOutIn("", kind, expr, expectsResult)
}

// CallOutIn is CallOut with scope evaluated first in the same statement,
// typically a var declaration the expression refers to.
func (b *Bridge) CallOutIn(scope string, kind types.OperationKind, expr string, expectsResult bool) (callback.Token, error) {
	b.mu.RLock()
	sb := b.sandbox
	b.mu.RUnlock()
	if sb == nil {
		return 0, ErrNoSandbox
	}

	tok, err := b.router.Register(kind)
	if err != nil {
		return 0, err
	}

	b.collector.IncCallOut()
	b.logger.Debug("call-out", map[string]any{
		"kind":  kind.String(),
		"token": uint64(tok),
	})
	sb.Evaluate(scope + Statement(kind, expr, expectsResult))
	return tok, nil
}

// Evaluate runs a statement without registering a callback.
func (b *Bridge) Evaluate(statement string) error {
	b.mu.RLock()
	sb := b.sandbox
	b.mu.RUnlock()
	if sb == nil {
		return ErrNoSandbox
	}
	sb.Evaluate(statement)
	return nil
}

// CallIn decodes a callback payload and dispatches it.
//
// A missing value (hadResult false, empty text, undefined, null) is
// delivered as a nil payload. Text that is not valid JSON is logged and
// delivered as a nil payload. Neither is fatal.
func (b *Bridge) CallIn(kind int, jsonText string, hadResult bool) {
	b.router.Dispatch(types.OperationKind(kind), b.payload(kind, jsonText, hadResult))
}

func (b *Bridge) payload(kind int, jsonText string, hadResult bool) json.RawMessage {
	if !hadResult {
		return nil
	}
	switch jsonText {
	case "", "undefined", "null":
		return nil
	}
	if !json.Valid([]byte(jsonText)) {
		b.collector.IncCallbackMalformed()
		b.logger.Warn("callback payload parse error", map[string]any{
			"kind": types.OperationKind(kind).String(),
			"raw":  truncate(jsonText, 512),
		})
		return nil
	}
	return json.RawMessage(jsonText)
}

// ConsoleMessage forwards sandbox console output to the log.
func (b *Bridge) ConsoleMessage(message string, line int, source string) {
	b.logger.Debug("script console", map[string]any{
		"message": message,
		"line":    line,
		"source":  source,
	})
}

// Statement builds the statement evaluated for a call-out.
func Statement(kind types.OperationKind, expr string, expectsResult bool) string {
	return fmt.Sprintf("Tomahawk.callbackToJava(%d,JSON.stringify(%s),%t);", int(kind), expr, expectsResult)
}

// Quote returns s as a script string literal. Every value interpolated
// into a statement goes through Quote.
func Quote(s string) string {
	out, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail.
		return `""`
	}
	return string(out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// epochHost scopes callbacks to one attached sandbox.
type epochHost struct {
	bridge *Bridge
	epoch  uint64
}

func (h *epochHost) current() bool {
	h.bridge.mu.RLock()
	defer h.bridge.mu.RUnlock()
	return h.bridge.epoch == h.epoch
}

func (h *epochHost) CallIn(kind int, jsonText string, hadResult bool) {
	if !h.current() {
		h.bridge.logger.Debug("stale callback dropped", map[string]any{
			"kind": types.OperationKind(kind).String(),
		})
		return
	}
	h.bridge.CallIn(kind, jsonText, hadResult)
}

func (h *epochHost) ConsoleMessage(message string, line int, source string) {
	h.bridge.ConsoleMessage(message, line, source)
}
