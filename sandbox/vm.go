// Package sandbox runs resolver scripts in an in-process JavaScript VM.
//
// Each VM owns one goroutine and an unbounded job queue: Load, Evaluate,
// timer callbacks and HTTP completions are all executed on that goroutine,
// so the script sees a single-threaded event loop and callers never block.
package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/pithecene-io/resolvd/bridge"
)

//go:embed prelude.js
var prelude string

// ErrClosed is reported to Load callbacks after Close.
var ErrClosed = errors.New("sandbox: closed")

// Options configures a VM.
type Options struct {
	// EvalTimeout interrupts a single load or evaluation that runs longer.
	// Zero disables the limit.
	EvalTimeout time.Duration
	// HTTPClient serves Tomahawk.asyncRequest. Nil uses a client with a
	// 30 second timeout.
	HTTPClient *http.Client
}

// VM is a goja-backed bridge.Sandbox.
type VM struct {
	host   bridge.Host
	opts   Options
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []func()
	closed  bool
	current *goja.Runtime

	// Owned by the loop goroutine.
	rt  *goja.Runtime
	doc bridge.Document

	done chan struct{}
}

var _ bridge.Sandbox = (*VM)(nil)

// New creates a VM and starts its loop.
func New(host bridge.Host, opts Options) *VM {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &VM{
		host:   host,
		opts:   opts,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	v.cond = sync.NewCond(&v.mu)
	go v.loop()
	return v
}

// Factory returns a bridge.SandboxFactory producing VMs.
func Factory(opts Options) bridge.SandboxFactory {
	return func(host bridge.Host) (bridge.Sandbox, error) {
		return New(host, opts), nil
	}
}

// Load replaces the runtime with a fresh one, installs the Tomahawk
// environment and runs the document. done is called on the VM goroutine.
func (v *VM) Load(doc bridge.Document, done func(error)) {
	if !v.enqueue(func() { done(v.load(doc)) }) {
		go done(ErrClosed)
	}
}

// Evaluate runs a statement in the current runtime. Uncaught errors are
// reported to the host as console messages.
func (v *VM) Evaluate(statement string) {
	v.enqueue(func() {
		if v.rt == nil {
			v.host.ConsoleMessage("evaluate before load", 0, "resolvd")
			return
		}
		if _, err := v.run(v.rt, "evaluate", statement); err != nil {
			v.host.ConsoleMessage("Uncaught "+err.Error(), 0, v.doc.Path)
		}
	})
}

// Close stops the loop and abandons queued jobs. It does not wait for a
// running job to return.
func (v *VM) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.jobs = nil
	rt := v.current
	v.cond.Broadcast()
	v.mu.Unlock()

	v.cancel()
	if rt != nil {
		rt.Interrupt(ErrClosed)
	}
	return nil
}

// Done is closed when the loop goroutine exits.
func (v *VM) Done() <-chan struct{} {
	return v.done
}

func (v *VM) enqueue(job func()) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.jobs = append(v.jobs, job)
	v.cond.Signal()
	return true
}

func (v *VM) loop() {
	defer close(v.done)
	for {
		v.mu.Lock()
		for len(v.jobs) == 0 && !v.closed {
			v.cond.Wait()
		}
		if v.closed {
			v.mu.Unlock()
			return
		}
		job := v.jobs[0]
		v.jobs[0] = nil
		v.jobs = v.jobs[1:]
		v.mu.Unlock()

		job()
	}
}

// enqueueFor schedules job only if rt is still the current runtime when it
// runs. Timers and HTTP completions from a replaced runtime are dropped.
func (v *VM) enqueueFor(rt *goja.Runtime, job func()) {
	v.enqueue(func() {
		if v.rt != rt {
			return
		}
		job()
	})
}

func (v *VM) load(doc bridge.Document) error {
	rt := goja.New()
	v.rt = rt
	v.doc = doc
	v.mu.Lock()
	v.current = rt
	v.mu.Unlock()

	if err := v.install(rt, doc); err != nil {
		return fmt.Errorf("install environment: %w", err)
	}
	if _, err := v.run(rt, "prelude.js", prelude); err != nil {
		return fmt.Errorf("run prelude: %w", err)
	}
	if _, err := v.run(rt, doc.Path, string(doc.Source)); err != nil {
		return fmt.Errorf("run %s: %w", doc.Name, err)
	}
	return nil
}

func (v *VM) run(rt *goja.Runtime, name, src string) (goja.Value, error) {
	if v.opts.EvalTimeout > 0 {
		timer := time.AfterFunc(v.opts.EvalTimeout, func() {
			rt.Interrupt(fmt.Sprintf("execution exceeded %s", v.opts.EvalTimeout))
		})
		defer func() {
			timer.Stop()
			rt.ClearInterrupt()
		}()
	}
	return rt.RunScript(name, src)
}

// install sets the native members of the Tomahawk global and setTimeout.
func (v *VM) install(rt *goja.Runtime, doc bridge.Document) error {
	tomahawk := rt.NewObject()

	natives := map[string]any{
		"scriptPath": doc.Path,
		"baseUrl":    doc.BaseURL,
		"callbackToJava": func(call goja.FunctionCall) goja.Value {
			kind := int(call.Argument(0).ToInteger())
			text := ""
			if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
				text = arg.String()
			}
			v.host.CallIn(kind, text, call.Argument(2).ToBoolean())
			return goja.Undefined()
		},
		"log": func(call goja.FunctionCall) goja.Value {
			v.host.ConsoleMessage(call.Argument(0).String(), 0, doc.Path)
			return goja.Undefined()
		},
		"nativeConsole": func(call goja.FunctionCall) goja.Value {
			level := call.Argument(0).String()
			msg := call.Argument(1).String()
			if level != "log" {
				msg = level + ": " + msg
			}
			v.host.ConsoleMessage(msg, 0, doc.Path)
			return goja.Undefined()
		},
		"nativeRequest": func(call goja.FunctionCall) goja.Value {
			cb, ok := goja.AssertFunction(call.Argument(4))
			if !ok {
				panic(rt.NewTypeError("nativeRequest: callback is not a function"))
			}
			req := httpRequest{
				Method:  call.Argument(0).String(),
				URL:     call.Argument(1).String(),
				Headers: exportHeaders(call.Argument(2)),
				Body:    call.Argument(3).String(),
			}
			v.startRequest(rt, req, cb)
			return goja.Undefined()
		},
	}
	for name, fn := range natives {
		if err := tomahawk.Set(name, fn); err != nil {
			return err
		}
	}
	if err := rt.Set("Tomahawk", tomahawk); err != nil {
		return err
	}

	return rt.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(rt.NewTypeError("setTimeout: callback is not a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		time.AfterFunc(delay, func() {
			v.enqueueFor(rt, func() {
				if _, err := fn(goja.Undefined()); err != nil {
					v.host.ConsoleMessage("Uncaught "+err.Error(), 0, doc.Path)
				}
			})
		})
		return goja.Undefined()
	})
}

func exportHeaders(val goja.Value) map[string]string {
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	raw, ok := val.Export().(map[string]any)
	if !ok {
		return nil
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		headers[k] = fmt.Sprint(v)
	}
	return headers
}
