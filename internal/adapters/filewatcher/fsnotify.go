// Package filewatcher provides file system monitoring adapters.
// Clean Architecture: Adapter implementing ports.FileWatcher.
package filewatcher

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// DefaultDebounce coalesces the create/write/chmod bursts editors produce on save.
const DefaultDebounce = 200 * time.Millisecond

// FSNotifyWatcher reports changes to curriculum files in a directory.
// Events for the same path within the debounce window collapse into the last one.
type FSNotifyWatcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	debounce   time.Duration
	logger     *zap.Logger
}

// Option configures an FSNotifyWatcher.
type Option func(*FSNotifyWatcher)

// WithDebounce sets the coalescing window. Zero emits every event immediately.
func WithDebounce(d time.Duration) Option {
	return func(w *FSNotifyWatcher) { w.debounce = d }
}

// NewFSNotifyWatcher creates a watcher for the given extensions (default .yaml and .yml).
func NewFSNotifyWatcher(extensions []string, logger *zap.Logger, opts ...Option) (*FSNotifyWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if len(extensions) == 0 {
		extensions = []string{".yaml", ".yml"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &FSNotifyWatcher{watcher: fw, extensions: extensions, debounce: DefaultDebounce, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch monitors dir until ctx ends. The returned channel is closed when watching stops.
func (w *FSNotifyWatcher) Watch(ctx context.Context, dir string) (<-chan ports.FileEvent, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}
	out := make(chan ports.FileEvent, 16)
	go w.loop(ctx, out)
	return out, nil
}

func (w *FSNotifyWatcher) loop(ctx context.Context, out chan<- ports.FileEvent) {
	defer close(out)

	pending := make(map[string]ports.FileOperation)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func() bool {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			select {
			case out <- ports.FileEvent{Path: p, Operation: pending[p]}:
			case <-ctx.Done():
				return false
			}
			delete(pending, p)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			if !flush() {
				return
			}

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			op, relevant := w.translate(ev)
			if !relevant {
				continue
			}
			pending[ev.Name] = op
			if w.debounce <= 0 {
				if !flush() {
					return
				}
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// translate maps an fsnotify event to a port operation. Atomic-save renames count as deletes;
// the create that follows restores the file.
func (w *FSNotifyWatcher) translate(ev fsnotify.Event) (ports.FileOperation, bool) {
	if !w.isWatchedExtension(ev.Name) {
		return 0, false
	}
	switch {
	case ev.Has(fsnotify.Create):
		return ports.FileCreated, true
	case ev.Has(fsnotify.Write):
		return ports.FileModified, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return ports.FileDeleted, true
	}
	return 0, false
}

// Stop releases the underlying watcher.
func (w *FSNotifyWatcher) Stop() error {
	return w.watcher.Close()
}

func (w *FSNotifyWatcher) isWatchedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
