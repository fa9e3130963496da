package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/pithecene-io/resolvd/bridge"
	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/types"
)

// ErrUnknownResolver is returned for ids the registry does not hold.
var ErrUnknownResolver = errors.New("resolver: unknown resolver")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Sandbox is the default sandbox factory (required unless every
	// ScriptSpec carries its own).
	Sandbox bridge.SandboxFactory
	// Loader reads script documents (default FileLoader).
	Loader    DocumentLoader
	Sink      sink.Sink
	Logger    *log.Logger
	Collector *metrics.Collector
}

// ScriptSpec describes one script to register.
type ScriptSpec struct {
	Path string
	// Sandbox overrides the registry default.
	Sandbox bridge.SandboxFactory
}

// Status is a point-in-time view of one resolver.
type Status struct {
	ID        types.ResolverID `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Path      string           `json:"path" yaml:"path"`
	State     string           `json:"state" yaml:"state"`
	Available bool             `json:"available" yaml:"available"`
	LoadError string           `json:"load_error,omitempty" yaml:"load_error,omitempty"`
	Weight    int              `json:"weight" yaml:"weight"`
	Timeout   time.Duration    `json:"timeout" yaml:"timeout"`
	// InFlight is the id of the query being resolved.
	InFlight string `json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
}

// Registry owns a set of script resolvers. Ids are allocated from 1 and
// never reused.
type Registry struct {
	cfg     RegistryConfig
	changed *signal

	mu        sync.RWMutex
	next      types.ResolverID
	resolvers map[types.ResolverID]*ScriptResolver
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:       cfg,
		changed:   newSignal(),
		resolvers: make(map[types.ResolverID]*ScriptResolver),
	}
}

// Add allocates an id for spec and starts loading it. A load failure does
// not fail Add; it is reported by the resolver's LoadError.
func (g *Registry) Add(spec ScriptSpec) (*ScriptResolver, error) {
	factory := spec.Sandbox
	if factory == nil {
		factory = g.cfg.Sandbox
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	g.next++
	r, err := New(Config{
		ID:        g.next,
		Path:      spec.Path,
		Loader:    g.cfg.Loader,
		Sandbox:   factory,
		Sink:      g.cfg.Sink,
		Logger:    g.cfg.Logger,
		Collector: g.cfg.Collector,
		changed:   g.changed,
	})
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.resolvers[r.ID()] = r
	g.mu.Unlock()

	_ = r.Load()
	return r, nil
}

// Get returns the resolver with id.
func (g *Registry) Get(id types.ResolverID) (*ScriptResolver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.resolvers[id]
	return r, ok
}

// Lookup returns the resolver whose script is path.
func (g *Registry) Lookup(path string) (*ScriptResolver, bool) {
	want := cleanPath(path)
	for _, r := range g.List() {
		if cleanPath(r.Path()) == want {
			return r, true
		}
	}
	return nil, false
}

// List returns every resolver sorted by id.
func (g *Registry) List() []*ScriptResolver {
	g.mu.RLock()
	out := make([]*ScriptResolver, 0, len(g.resolvers))
	for _, r := range g.resolvers {
		out = append(out, r)
	}
	g.mu.RUnlock()

	slices.SortFunc(out, func(a, b *ScriptResolver) int { return int(a.ID() - b.ID()) })
	return out
}

// Status returns the status of every resolver sorted by id.
func (g *Registry) Status() []Status {
	list := g.List()
	out := make([]Status, 0, len(list))
	for _, r := range list {
		out = append(out, statusOf(r))
	}
	return out
}

func statusOf(r *ScriptResolver) Status {
	s := r.Settings()
	st := Status{
		ID:        r.ID(),
		Name:      s.Name,
		Path:      r.Path(),
		State:     r.State().String(),
		Available: r.Available(),
		Weight:    s.Weight,
		Timeout:   s.Timeout,
	}
	if err := r.LoadError(); err != nil {
		st.LoadError = err.Error()
	}
	st.InFlight, _ = r.InFlight()
	return st
}

// Reload reloads the resolver with id.
func (g *Registry) Reload(id types.ResolverID) error {
	r, ok := g.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResolver, id)
	}
	return r.Reload()
}

// Remove closes and forgets the resolver with id.
func (g *Registry) Remove(id types.ResolverID) error {
	g.mu.Lock()
	r, ok := g.resolvers[id]
	delete(g.resolvers, id)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResolver, id)
	}
	return r.Close()
}

// Resolve issues q to every resolver that accepts a resolve and returns the
// ids it was dispatched to, in id order. Busy or loading resolvers are
// skipped.
func (g *Registry) Resolve(q types.Query) ([]types.ResolverID, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var (
		ids  []types.ResolverID
		errs []error
	)
	for _, r := range g.List() {
		if !r.State().AcceptsResolve() {
			continue
		}
		err := r.Resolve(q)
		switch {
		case err == nil:
			ids = append(ids, r.ID())
		case errors.Is(err, ErrNotReady), errors.Is(err, ErrResolving), errors.Is(err, ErrClosed):
		default:
			errs = append(errs, fmt.Errorf("resolver %d: %w", r.ID(), err))
		}
	}
	return ids, errors.Join(errs...)
}

// Changed returns a channel closed at the next state change of any
// resolver. Take the channel before reading Status so no change is missed.
func (g *Registry) Changed() <-chan struct{} {
	return g.changed.wait()
}

// WaitReady blocks until every resolver has finished its init sequence or
// failed to load.
func (g *Registry) WaitReady(ctx context.Context) error {
	return g.waitFor(ctx, func(r *ScriptResolver) bool {
		return r.Available() || r.LoadError() != nil
	})
}

// WaitIdle blocks until no resolver is resolving.
func (g *Registry) WaitIdle(ctx context.Context) error {
	return g.waitFor(ctx, func(r *ScriptResolver) bool {
		return !r.IsResolving()
	})
}

func (g *Registry) waitFor(ctx context.Context, done func(*ScriptResolver) bool) error {
	for {
		ch := g.changed.wait()
		all := true
		for _, r := range g.List() {
			if !done(r) {
				all = false
				break
			}
		}
		if all {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes every resolver. The registry accepts no further scripts.
func (g *Registry) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	list := make([]*ScriptResolver, 0, len(g.resolvers))
	for _, r := range g.resolvers {
		list = append(list, r)
	}
	clear(g.resolvers)
	g.mu.Unlock()

	var errs []error
	for _, r := range list {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
