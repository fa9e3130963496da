// Package resolver drives script-backed resolvers.
//
// A ScriptResolver loads one script document into a sandbox, runs the init
// sequence (init, settings, user config) as a chain of one-way call-outs,
// and then accepts one resolve at a time. Results come back through the
// AddTrackResults callback and are handed to a sink.
//
//	Loading --init/settings/userconfig--> Ready
//	Ready|Idle --Resolve--> Resolving --AddTrackResults(qid)--> Idle
//	any --Reload/Close--> Loading
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pithecene-io/resolvd/bridge"
	"github.com/pithecene-io/resolvd/callback"
	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/types"
)

var (
	// ErrNotReady is returned by Resolve before the init sequence completes.
	ErrNotReady = errors.New("resolver: not ready")
	// ErrResolving is returned by Resolve while a resolve is in flight.
	ErrResolving = errors.New("resolver: resolve in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("resolver: closed")
)

// Statement scopes. Scripts either register an instance on
// Tomahawk.resolver or define the legacy globals.
const (
	legacyScope       = "var resolver = Tomahawk.resolver.instance ? Tomahawk.resolver.instance : TomahawkResolver;"
	legacyWindowScope = "var resolver = Tomahawk.resolver.instance ? Tomahawk.resolver.instance : window;"

	initExpr       = "resolver.init()"
	settingsExpr   = "resolver.settings ? resolver.settings : getSettings()"
	userConfigExpr = "resolver.getUserConfig()"
)

// Config configures a ScriptResolver.
type Config struct {
	// ID is allocated by the registry.
	ID types.ResolverID
	// Path is the script document path.
	Path string
	// Loader reads the document (default FileLoader).
	Loader DocumentLoader
	// Sandbox creates the sandbox the script runs in (required).
	Sandbox bridge.SandboxFactory
	// Sink receives completed result batches. Nil discards them.
	Sink      sink.Sink
	Logger    *log.Logger
	Collector *metrics.Collector

	changed *signal
}

// ScriptResolver is a resolver backed by a script running in a sandbox.
// Safe for concurrent use.
type ScriptResolver struct {
	id        types.ResolverID
	path      string
	dir       string
	loader    DocumentLoader
	factory   bridge.SandboxFactory
	sink      sink.Sink
	logger    *log.Logger
	collector *metrics.Collector
	router    *callback.Router
	bridge    *bridge.Bridge
	changed   *signal

	mu         sync.Mutex
	gen        uint64
	state      types.ResolverState
	settings   types.Settings
	userConfig json.RawMessage
	query      *types.Query
	loadErr    error
	closed     bool
}

// New creates a resolver in the Loading state. Call Load to start it.
func New(cfg Config) (*ScriptResolver, error) {
	if cfg.Path == "" {
		return nil, errors.New("resolver: script path is required")
	}
	if cfg.Sandbox == nil {
		return nil, errors.New("resolver: sandbox factory is required")
	}
	if cfg.Loader == nil {
		cfg.Loader = FileLoader{}
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Func(func(string, []types.Result) {})
	}
	if cfg.changed == nil {
		cfg.changed = newSignal()
	}

	dir := filepath.Dir(cfg.Path)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	logger := cfg.Logger.With(map[string]any{
		"resolver_id": int(cfg.ID),
		"script":      filepath.Base(cfg.Path),
	})

	router := callback.NewRouter(logger, cfg.Collector)
	r := &ScriptResolver{
		id:        cfg.ID,
		path:      cfg.Path,
		dir:       dir,
		loader:    cfg.Loader,
		factory:   cfg.Sandbox,
		sink:      cfg.Sink,
		logger:    logger,
		collector: cfg.Collector,
		router:    router,
		bridge:    bridge.New(router, logger, cfg.Collector),
		changed:   cfg.changed,
		state:     types.StateLoading,
		settings:  types.Settings{Name: filepath.Base(cfg.Path)},
	}

	router.Handle(types.OpInit, r.handleInit)
	router.Handle(types.OpFetchSettings, r.handleSettings)
	router.Handle(types.OpFetchUserConfig, r.handleUserConfig)
	router.Handle(types.OpResolve, r.handleResolveAck)
	router.Handle(types.OpAddTrackResults, r.handleResults)
	return r, nil
}

// Load (re)loads the script document into a fresh sandbox and starts the
// init sequence. Any previous sandbox is closed and outstanding calls are
// abandoned. A returned error is also recorded as LoadError.
func (r *ScriptResolver) Load() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.gen++
	gen := r.gen
	r.state = types.StateLoading
	r.query = nil
	r.loadErr = nil
	r.mu.Unlock()

	r.teardown()
	r.changed.broadcast()

	doc, err := r.loader.LoadDocument(r.path)
	if err != nil {
		r.fail(gen, err)
		return err
	}
	sb, err := r.bridge.Attach(r.factory)
	if err != nil {
		err = fmt.Errorf("create sandbox: %w", err)
		r.fail(gen, err)
		return err
	}

	r.logger.Info("loading script", map[string]any{"path": doc.Path})
	sb.Load(doc, func(err error) { r.onLoaded(gen, err) })
	return nil
}

// Reload is Load from any state.
func (r *ScriptResolver) Reload() error {
	r.collector.IncReload()
	return r.Load()
}

// Close tears down the sandbox. The resolver stays in Loading and can no
// longer be loaded.
func (r *ScriptResolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	r.state = types.StateLoading
	r.query = nil
	r.mu.Unlock()

	err := r.teardown()
	r.changed.broadcast()
	return err
}

func (r *ScriptResolver) teardown() error {
	sb := r.bridge.Detach()
	r.router.Reset()
	if sb == nil {
		return nil
	}
	return sb.Close()
}

// current returns true if gen is the live load generation.
// Callers hold r.mu.
func (r *ScriptResolver) current(gen uint64) bool {
	return gen == r.gen && !r.closed
}

func (r *ScriptResolver) fail(gen uint64, err error) {
	r.mu.Lock()
	if !r.current(gen) {
		r.mu.Unlock()
		return
	}
	r.loadErr = err
	r.mu.Unlock()

	r.collector.IncLoadFailure()
	r.logger.Error("script load failed", map[string]any{"error": err.Error()})
	r.changed.broadcast()
}

func (r *ScriptResolver) onLoaded(gen uint64, err error) {
	if err != nil {
		r.fail(gen, err)
		return
	}
	r.mu.Lock()
	ok := r.current(gen)
	r.mu.Unlock()
	if !ok {
		return
	}
	if _, err := r.bridge.CallOutIn(legacyScope, types.OpInit, initExpr, false); err != nil {
		r.fail(gen, fmt.Errorf("init: %w", err))
	}
}

// loadingGen returns the current generation if the resolver is in the
// init sequence.
func (r *ScriptResolver) loadingGen() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.state != types.StateLoading {
		return 0, false
	}
	return r.gen, true
}

func (r *ScriptResolver) handleInit(json.RawMessage) error {
	gen, ok := r.loadingGen()
	if !ok {
		return errors.New("init callback outside loading")
	}
	if _, err := r.bridge.CallOutIn(legacyScope, types.OpFetchSettings, settingsExpr, true); err != nil {
		r.fail(gen, fmt.Errorf("fetch settings: %w", err))
	}
	return nil
}

func (r *ScriptResolver) handleSettings(payload json.RawMessage) error {
	r.mu.Lock()
	if r.closed || r.state != types.StateLoading {
		r.mu.Unlock()
		return errors.New("settings callback outside loading")
	}
	gen := r.gen
	settings, problems := parseSettings(payload, r.settings, r.dir)
	r.settings = settings
	r.mu.Unlock()

	if len(problems) > 0 {
		r.logger.Warn("ignored invalid settings fields", map[string]any{"fields": problems})
	}
	if _, err := r.bridge.CallOutIn(legacyScope, types.OpFetchUserConfig, userConfigExpr, true); err != nil {
		r.fail(gen, fmt.Errorf("fetch user config: %w", err))
	}
	return nil
}

func (r *ScriptResolver) handleUserConfig(payload json.RawMessage) error {
	r.mu.Lock()
	if r.closed || r.state != types.StateLoading {
		r.mu.Unlock()
		return errors.New("user config callback outside loading")
	}
	r.userConfig = append(json.RawMessage(nil), payload...)
	r.state = types.StateReady
	settings := r.settings
	r.mu.Unlock()

	r.collector.IncScriptLoaded()
	r.logger.Info("resolver ready", map[string]any{
		"name":       settings.Name,
		"weight":     settings.Weight,
		"timeout_ms": settings.Timeout.Milliseconds(),
	})
	r.changed.broadcast()
	return nil
}

func (r *ScriptResolver) handleResolveAck(json.RawMessage) error {
	r.logger.Debug("resolve acknowledged", nil)
	return nil
}

func (r *ScriptResolver) handleResults(payload json.RawMessage) error {
	batch, parseErr := parseResults(payload, r.id)

	r.mu.Lock()
	if r.closed || r.state != types.StateResolving || r.query == nil {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("results callback while %s", state)
	}
	if parseErr != nil {
		r.rearm()
		r.mu.Unlock()
		return parseErr
	}
	if batch.QueryID != r.query.ID {
		want := r.query.ID
		r.rearm()
		r.mu.Unlock()
		return fmt.Errorf("results for qid %q while resolving %q", batch.QueryID, want)
	}
	gen := r.gen
	name := r.settings.Name
	r.query = nil
	r.mu.Unlock()

	if len(batch.Problems) > 0 {
		r.logger.Warn("skipped invalid result data", map[string]any{
			"qid":      batch.QueryID,
			"skipped":  batch.Skipped,
			"problems": batch.Problems,
		})
	}
	r.collector.AddRecordsSkipped(batch.Skipped)
	r.sink.ReportResults(batch.QueryID, batch.Results)
	r.collector.ObserveResolveCompleted(name, len(batch.Results))
	r.logger.Debug("results reported", map[string]any{
		"qid":     batch.QueryID,
		"results": len(batch.Results),
	})

	r.mu.Lock()
	if r.current(gen) && r.state == types.StateResolving {
		r.state = types.StateIdle
	}
	r.mu.Unlock()
	r.changed.broadcast()
	return nil
}

// rearm keeps waiting for results after a rejected callback.
// Callers hold r.mu.
func (r *ScriptResolver) rearm() {
	if _, err := r.router.Register(types.OpAddTrackResults); err != nil && !errors.Is(err, callback.ErrInFlight) {
		r.logger.Error("failed to re-arm results callback", map[string]any{"error": err.Error()})
	}
}

// Resolve issues q to the script. It returns immediately; results arrive
// at the sink. Resolve fails without side effects unless the resolver is
// Ready or Idle.
func (r *ScriptResolver) Resolve(q types.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.state.AcceptsResolve() {
		err := ErrNotReady
		if r.state == types.StateResolving {
			err = ErrResolving
		}
		r.mu.Unlock()
		r.collector.IncResolveRejected()
		return err
	}

	// A late acknowledgement of the previous resolve may still be
	// outstanding; it is superseded.
	r.router.Cancel(types.OpResolve)
	r.router.Cancel(types.OpAddTrackResults)
	if _, err := r.router.Register(types.OpAddTrackResults); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("resolve: %w", err)
	}
	prev := r.state
	gen := r.gen
	r.state = types.StateResolving
	r.query = &q
	r.mu.Unlock()

	scope, expr := resolveStatement(q)
	if _, err := r.bridge.CallOutIn(scope, types.OpResolve, expr, false); err != nil {
		r.mu.Lock()
		if r.current(gen) && r.query != nil && r.query.ID == q.ID {
			r.state = prev
			r.query = nil
			r.router.Cancel(types.OpAddTrackResults)
		}
		r.mu.Unlock()
		return fmt.Errorf("resolve: %w", err)
	}

	r.collector.IncResolveStarted()
	r.logger.Debug("resolve issued", map[string]any{"qid": q.ID, "fulltext": q.IsFullText()})
	r.changed.broadcast()
	return nil
}

// resolveStatement returns the scope and expression for q. Every query
// value is quoted.
func resolveStatement(q types.Query) (scope, expr string) {
	qid := bridge.Quote(q.ID)
	if !q.IsFullText() {
		return legacyWindowScope, fmt.Sprintf("resolver.resolve(%s,%s,%s,%s)",
			qid, bridge.Quote(q.Artist), bridge.Quote(q.Album), bridge.Quote(q.Track))
	}
	text := bridge.Quote(q.FullText)
	return legacyScope, fmt.Sprintf(
		"(Tomahawk.resolver.instance !== undefined) ? resolver.search(%s,%s) : resolve(%s,'','',%s)",
		qid, text, qid, text)
}

// ID returns the resolver id.
func (r *ScriptResolver) ID() types.ResolverID { return r.id }

// Path returns the script path.
func (r *ScriptResolver) Path() string { return r.path }

// Name returns the display name reported by the script, or the script
// file name.
func (r *ScriptResolver) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.Name
}

// Settings returns the current settings.
func (r *ScriptResolver) Settings() types.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UserConfig returns the raw user config reported by the script, or nil.
func (r *ScriptResolver) UserConfig() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userConfig == nil {
		return nil
	}
	return append(json.RawMessage(nil), r.userConfig...)
}

// State returns the lifecycle state.
func (r *ScriptResolver) State() types.ResolverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsResolving returns true while a resolve awaits its results.
func (r *ScriptResolver) IsResolving() bool {
	return r.State() == types.StateResolving
}

// Available returns true once the init sequence has completed.
func (r *ScriptResolver) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.state.Initialized()
}

// LoadError returns the last load failure, if any.
func (r *ScriptResolver) LoadError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

// InFlight returns the id of the query being resolved, if any.
func (r *ScriptResolver) InFlight() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.query == nil {
		return "", false
	}
	return r.query.ID, true
}
