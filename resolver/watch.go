package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses bursts of writes from editors.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watch reloads a resolver whenever its script file changes. With no dirs
// it watches the directory of every registered script. Watch blocks until
// ctx is done.
func (g *Registry) Watch(ctx context.Context, dirs ...string) error {
	return g.watch(ctx, DefaultWatchDebounce, dirs)
}

func (g *Registry) watch(ctx context.Context, debounce time.Duration, dirs []string) error {
	if len(dirs) == 0 {
		seen := make(map[string]bool)
		for _, r := range g.List() {
			dir := filepath.Dir(cleanPath(r.Path()))
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Directories are watched instead of files so atomic-rename saves are
	// still seen.
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	g.cfg.Logger.Info("watching scripts", map[string]any{"dirs": dirs})

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			r, ok := g.Lookup(path)
			if !ok {
				return
			}
			g.cfg.Logger.Info("script changed, reloading", map[string]any{
				"resolver_id": int(r.ID()),
				"path":        path,
			})
			if err := r.Reload(); err != nil {
				g.cfg.Logger.Error("script reload failed", map[string]any{
					"resolver_id": int(r.ID()),
					"error":       err.Error(),
				})
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path := cleanPath(event.Name)
			if _, ok := g.Lookup(path); !ok {
				continue
			}
			g.cfg.Logger.Debug("script change detected", map[string]any{
				"path": path,
				"op":   event.Op.String(),
			})
			schedule(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.cfg.Logger.Warn("script watcher error", map[string]any{"error": err.Error()})
		}
	}
}
