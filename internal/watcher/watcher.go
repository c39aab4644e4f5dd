// Package watcher reloads the declarative documents when they change on disk.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/logging"
)

// ReloadFunc loads and applies the full document set.
type ReloadFunc func(ctx context.Context) error

// Watcher debounces file events on a set of documents into reloads.
type Watcher struct {
	targets  map[string]bool
	dirs     []string
	reload   ReloadFunc
	debounce time.Duration
	clock    clockwork.Clock
	hooks    *hooks.Manager
	log      *logging.Logger

	mu       sync.Mutex
	timer    clockwork.Timer
	reloadMu sync.Mutex
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock replaces the real clock driving the debouncer.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithHooks sets the manager that receives reload_failed events.
func WithHooks(h *hooks.Manager) Option {
	return func(w *Watcher) { w.hooks = h }
}

// New creates a watcher for the given document paths. Events are coalesced
// until debounce passes without a new one.
func New(paths []string, reload ReloadFunc, debounce time.Duration, log *logging.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		targets:  make(map[string]bool, len(paths)),
		reload:   reload,
		debounce: debounce,
		clock:    clockwork.NewRealClock(),
		log:      log.Sub("watcher"),
	}
	seen := make(map[string]bool)
	for _, p := range paths {
		p = filepath.Clean(p)
		w.targets[p] = true
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run watches the document directories until ctx is done. Directories are
// watched rather than files so atomic rename-over writes are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.log.Info().Strs("dirs", w.dirs).Dur("debounce", w.debounce).Msg("watching documents")

	for {
		select {
		case <-ctx.Done():
			w.cancel()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.targets[filepath.Clean(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			w.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("document changed")
			w.Trigger(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// Trigger arms the debouncer, restarting the quiet period if already armed.
func (w *Watcher) Trigger(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, func() { w.fire(ctx) })
}

func (w *Watcher) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if err := w.reload(ctx); err != nil {
		w.log.Error().Err(err).Msg("reload failed, keeping previous schedule")
		if w.hooks != nil {
			w.hooks.Emit(ctx, hooks.EventReloadFailed, map[string]any{
				"source": "watcher",
				"error":  err.Error(),
			})
		}
		return
	}
	w.log.Info().Msg("documents reloaded")
}
