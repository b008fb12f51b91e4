package skills

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a Loader's directories for filesystem changes and
// triggers a reload, debounced so a burst of events (e.g. a git clone
// landing a whole skill directory) causes one reload instead of many.
type Watcher struct {
	loader  *Loader
	fsw     *fsnotify.Watcher
	done    chan struct{}
	debounce time.Duration
}

// NewWatcher creates a Watcher over loader's standard directories. Returns
// an error if the underlying inotify/kqueue watcher can't be created —
// callers treat that as non-fatal (spec.md's skills system degrades to
// manual /skill reload without it).
func NewWatcher(loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range directories(loader.workspace, loader.globalDir) {
		_ = fsw.Add(dir) // absent directories are skipped silently
	}
	return &Watcher{loader: loader, fsw: fsw, done: make(chan struct{}), debounce: 500 * time.Millisecond}, nil
}

// Start runs the watch loop in a goroutine until ctx is cancelled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	var timer *time.Timer
	reload := func() {
		if err := w.loader.Reload(); err != nil {
			slog.Warn("skills: reload after fs event failed", "error", err)
		} else {
			slog.Info("skills: reloaded", "count", len(w.loader.ListSkills()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("skills: watcher error", "error", err)
		}
	}
}

// Stop releases the underlying filesystem watch handles.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}
