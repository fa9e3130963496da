package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/sandbox"
	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/types"
)

const instanceScript = `
var FixtureResolver = Tomahawk.extend(TomahawkResolver, {
	settings: { name: "Fixture", weight: 80, timeout: 3 },
	getUserConfig: function () { return { user: "alice" }; },
	resolve: function (qid, artist, album, title) {
		Tomahawk.addTrackResults({ qid: qid, results: [
			{ url: "http://fixture/" + encodeURIComponent(title) + ".mp3", artist: artist, track: title, albumpos: "2", duration: 241.5 }
		] });
	},
	search: function (qid, searchString) {
		setTimeout(function () {
			Tomahawk.addTrackResults({ qid: qid, results: [{ url: "http://fixture/search", track: searchString }] });
		}, 5);
	}
});
Tomahawk.resolver.instance = FixtureResolver;
`

const legacyScript = `
TomahawkResolver.settings = { name: "Legacy", weight: 50, timeout: 2 };
function resolve(qid, artist, album, title) {
	Tomahawk.addTrackResults({ qid: qid, results: [{ url: "http://legacy/" + title, score: "0.5" }] });
}
`

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newGojaRegistry(t *testing.T, mem *sink.Memory) (*Registry, *metrics.Collector) {
	t.Helper()
	c := metrics.NewCollector()
	g := NewRegistry(RegistryConfig{
		Sandbox:   sandbox.Factory(sandbox.Options{EvalTimeout: 5 * time.Second}),
		Sink:      mem,
		Collector: c,
	})
	t.Cleanup(func() { _ = g.Close() })
	return g, c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegistry_GojaEndToEnd(t *testing.T) {
	dir := t.TempDir()
	mem := sink.NewMemory()
	g, c := newGojaRegistry(t, mem)

	for _, s := range []struct{ name, src string }{
		{"fixture.js", instanceScript},
		{"legacy.js", legacyScript},
	} {
		if _, err := g.Add(ScriptSpec{Path: writeScript(t, dir, s.name, s.src)}); err != nil {
			t.Fatalf("Add %s: %v", s.name, err)
		}
	}

	ctx := waitCtx(t)
	if err := g.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	status := g.Status()
	if len(status) != 2 {
		t.Fatalf("got %d statuses", len(status))
	}
	if status[0].ID != 1 || status[0].Name != "Fixture" || status[0].Weight != 80 || status[0].Timeout != 3*time.Second {
		t.Errorf("status[0] = %+v", status[0])
	}
	if status[1].ID != 2 || status[1].Name != "Legacy" || !status[1].Available || status[1].State != "ready" {
		t.Errorf("status[1] = %+v", status[1])
	}
	fixture, _ := g.Get(1)
	if got := string(fixture.UserConfig()); got != `{"user":"alice"}` {
		t.Errorf("UserConfig = %s", got)
	}

	ids, err := g.Resolve(types.Query{ID: "q1", Artist: "Portishead", Track: "Sour Times"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("dispatched to %v, want both", ids)
	}
	batches, err := mem.Wait(ctx, "q1", 2)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if err := g.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	byResolver := make(map[types.ResolverID]types.Result)
	for _, b := range batches {
		if len(b.Results) != 1 {
			t.Fatalf("batch %+v, want one result", b)
		}
		byResolver[b.ResolverID] = b.Results[0]
	}
	if r := byResolver[1]; r.URL != "http://fixture/Sour%20Times.mp3" || *r.TrackNumber != 2 || *r.Duration != 241500*time.Millisecond {
		t.Errorf("fixture result = %+v", r)
	}
	if r := byResolver[2]; r.URL != "http://legacy/Sour Times" || *r.Score != 0.5 {
		t.Errorf("legacy result = %+v", r)
	}

	// Full text goes through search on the instance and the global resolve
	// on the legacy script.
	if _, err := g.Resolve(types.Query{ID: "q2", FullText: "glory box"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	batches, err = mem.Wait(ctx, "q2", 2)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	for _, b := range batches {
		if b.ResolverID == 1 && b.Results[0].Track != "glory box" {
			t.Errorf("search result = %+v", b.Results[0])
		}
		if b.ResolverID == 2 && b.Results[0].URL != "http://legacy/glory box" {
			t.Errorf("legacy full-text result = %+v", b.Results[0])
		}
	}
	if err := g.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	s := c.Snapshot()
	if s.ScriptsLoaded != 2 || s.ResolvesCompleted != 4 || s.CallbacksUnexpected != 0 {
		t.Errorf("loaded=%d completed=%d unexpected=%d", s.ScriptsLoaded, s.ResolvesCompleted, s.CallbacksUnexpected)
	}
}

func TestRegistry_GojaLoadError(t *testing.T) {
	dir := t.TempDir()
	g, _ := newGojaRegistry(t, sink.NewMemory())

	broken, err := g.Add(ScriptSpec{Path: writeScript(t, dir, "broken.js", "var x = ;")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	missing, err := g.Add(ScriptSpec{Path: filepath.Join(dir, "missing.js")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := g.WaitReady(waitCtx(t)); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	for _, r := range []*ScriptResolver{broken, missing} {
		if r.Available() || r.LoadError() == nil {
			t.Errorf("%s: available=%v err=%v", r.Path(), r.Available(), r.LoadError())
		}
	}
	for _, st := range g.Status() {
		if st.LoadError == "" || st.State != "loading" {
			t.Errorf("status = %+v", st)
		}
	}

	ids, err := g.Resolve(types.Query{ID: "q1", Track: "Roads"})
	if err != nil || len(ids) != 0 {
		t.Errorf("Resolve = %v, %v; want nothing dispatched", ids, err)
	}
}

func TestRegistry_IDsAndLookup(t *testing.T) {
	ff := &fakeFactory{}
	g := NewRegistry(RegistryConfig{Sandbox: ff.New, Loader: stubLoader})
	t.Cleanup(func() { _ = g.Close() })

	a, _ := g.Add(ScriptSpec{Path: "/scripts/a.js"})
	b, _ := g.Add(ScriptSpec{Path: "/scripts/b.js"})
	if a.ID() != 1 || b.ID() != 2 {
		t.Fatalf("ids = %d, %d", a.ID(), b.ID())
	}

	if err := g.Remove(a.ID()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	c, _ := g.Add(ScriptSpec{Path: "/scripts/c.js"})
	if c.ID() != 3 {
		t.Errorf("id after remove = %d, want 3", c.ID())
	}

	list := g.List()
	if len(list) != 2 || list[0].ID() != 2 || list[1].ID() != 3 {
		t.Errorf("List = %v", list)
	}
	if r, ok := g.Lookup("/scripts/../scripts/c.js"); !ok || r != c {
		t.Error("Lookup by uncleaned path failed")
	}
	if _, ok := g.Lookup("/scripts/a.js"); ok {
		t.Error("removed resolver still found")
	}
	if err := g.Remove(a.ID()); !errors.Is(err, ErrUnknownResolver) {
		t.Errorf("Remove err = %v, want ErrUnknownResolver", err)
	}
	if err := g.Reload(99); !errors.Is(err, ErrUnknownResolver) {
		t.Errorf("Reload err = %v, want ErrUnknownResolver", err)
	}
}

func TestRegistry_SandboxOverride(t *testing.T) {
	def, override := &fakeFactory{}, &fakeFactory{}
	g := NewRegistry(RegistryConfig{Sandbox: def.New, Loader: stubLoader})
	t.Cleanup(func() { _ = g.Close() })

	_, _ = g.Add(ScriptSpec{Path: "/scripts/a.js"})
	_, _ = g.Add(ScriptSpec{Path: "/scripts/b.js", Sandbox: override.New})
	if def.count() != 1 || override.count() != 1 {
		t.Errorf("default=%d override=%d, want 1/1", def.count(), override.count())
	}
}

func TestRegistry_ResolveSkipsBusy(t *testing.T) {
	ff := &fakeFactory{}
	mem := sink.NewMemory()
	g := NewRegistry(RegistryConfig{Sandbox: ff.New, Loader: stubLoader, Sink: mem})
	t.Cleanup(func() { _ = g.Close() })

	ready, _ := g.Add(ScriptSpec{Path: "/scripts/ready.js"})
	sb := ff.latest(t)
	sb.host.CallIn(int(types.OpInit), "", false)
	sb.host.CallIn(int(types.OpFetchSettings), "{}", true)
	sb.host.CallIn(int(types.OpFetchUserConfig), "{}", true)
	_, _ = g.Add(ScriptSpec{Path: "/scripts/loading.js"})

	ids, err := g.Resolve(types.Query{ID: "q1", Track: "Roads"})
	if err != nil || len(ids) != 1 || ids[0] != ready.ID() {
		t.Fatalf("Resolve = %v, %v", ids, err)
	}
	ids, err = g.Resolve(types.Query{ID: "q2", Track: "Roads"})
	if err != nil || len(ids) != 0 {
		t.Fatalf("second Resolve = %v, %v; want busy resolver skipped", ids, err)
	}
	if _, err := g.Resolve(types.Query{}); err == nil {
		t.Error("expected validation error")
	}

	// WaitIdle blocks until the in-flight resolve completes.
	ctx := waitCtx(t)
	done := make(chan error, 1)
	go func() { done <- g.WaitIdle(ctx) }()
	select {
	case err := <-done:
		t.Fatalf("WaitIdle returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	sb.host.CallIn(int(types.OpAddTrackResults), `{"qid":"q1","results":[]}`, true)
	if err := <-done; err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
}

func TestRegistry_StatusInFlightAndChanged(t *testing.T) {
	ff := &fakeFactory{}
	g := NewRegistry(RegistryConfig{Sandbox: ff.New, Loader: stubLoader, Sink: sink.NewMemory()})
	t.Cleanup(func() { _ = g.Close() })

	_, _ = g.Add(ScriptSpec{Path: "/scripts/ready.js"})
	sb := ff.latest(t)
	sb.host.CallIn(int(types.OpInit), "", false)
	sb.host.CallIn(int(types.OpFetchSettings), "{}", true)
	sb.host.CallIn(int(types.OpFetchUserConfig), "{}", true)

	changed := g.Changed()
	if _, err := g.Resolve(types.Query{ID: "q7", Track: "Roads"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Changed not closed by resolve")
	}
	st := g.Status()[0]
	if st.State != "resolving" || st.InFlight != "q7" {
		t.Errorf("status = %+v, want resolving q7", st)
	}

	changed = g.Changed()
	sb.host.CallIn(int(types.OpAddTrackResults), `{"qid":"q7","results":[]}`, true)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Changed not closed by results")
	}
	if st := g.Status()[0]; st.State != "idle" || st.InFlight != "" {
		t.Errorf("status = %+v, want idle with nothing in flight", st)
	}
}

func TestRegistry_WaitReadyTimeout(t *testing.T) {
	ff := &fakeFactory{hold: true}
	g := NewRegistry(RegistryConfig{Sandbox: ff.New, Loader: stubLoader})
	t.Cleanup(func() { _ = g.Close() })
	_, _ = g.Add(ScriptSpec{Path: "/scripts/slow.js"})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := g.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady err = %v, want deadline exceeded", err)
	}
}

func TestRegistry_Close(t *testing.T) {
	ff := &fakeFactory{}
	g := NewRegistry(RegistryConfig{Sandbox: ff.New, Loader: stubLoader})
	_, _ = g.Add(ScriptSpec{Path: "/scripts/a.js"})
	sb := ff.latest(t)

	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !sb.isClosed() {
		t.Error("sandbox not closed")
	}
	if len(g.List()) != 0 {
		t.Error("registry not emptied")
	}
	if _, err := g.Add(ScriptSpec{Path: "/scripts/b.js"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Add err = %v, want ErrClosed", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestRegistry_WatchReloadsChangedScript(t *testing.T) {
	dir := t.TempDir()
	g, c := newGojaRegistry(t, sink.NewMemory())
	path := writeScript(t, dir, "watched.js", `TomahawkResolver.settings = { name: "V1" };`)
	r, err := g.Add(ScriptSpec{Path: path})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := g.WaitReady(waitCtx(t)); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	watchDone := make(chan error, 1)
	go func() { watchDone <- g.watch(ctx, 10*time.Millisecond, nil) }()

	// The watcher may not be registered yet; keep rewriting until the
	// reload lands.
	deadline := time.Now().Add(10 * time.Second)
	for r.Name() != "V2" || !r.Available() {
		if time.Now().After(deadline) {
			t.Fatal("script was not reloaded")
		}
		writeScript(t, dir, "watched.js", `TomahawkResolver.settings = { name: "V2" };`)
		time.Sleep(50 * time.Millisecond)
	}
	if c.Snapshot().Reloads == 0 {
		t.Error("reload not counted")
	}

	cancel()
	if err := <-watchDone; err != nil {
		t.Errorf("watch returned %v", err)
	}
}
