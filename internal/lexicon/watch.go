package lexicon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source supplies the current pack. Consumers call Pack once per query so a
// reload never changes the tables mid-request.
type Source interface {
	Pack() *Pack
}

// Static is a Source that never changes.
type Static struct {
	pack *Pack
}

// NewStatic wraps a pack. A nil pack means the embedded default.
func NewStatic(p *Pack) *Static {
	if p == nil {
		p = Default()
	}
	return &Static{pack: p}
}

// Pack returns the wrapped pack.
func (s *Static) Pack() *Pack {
	return s.pack
}

var (
	_ Source = (*Static)(nil)
	_ Source = (*Watcher)(nil)
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait after the last file event before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the logger used for reload events.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithOnReload registers a callback invoked after every successful reload.
func WithOnReload(fn func(*Pack)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// Watcher is a Source backed by a pack file that reloads on change.
// A reload that fails to parse keeps the previous pack.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*Pack)

	current   atomic.Pointer[Pack]
	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	stopCh  chan struct{}
}

// NewWatcher loads path and prepares to watch it. Call Start to begin watching.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve lexicon path: %w", err)
	}

	w := &Watcher{
		path:     abs,
		debounce: 200 * time.Millisecond,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	p, err := Load(abs)
	if err != nil {
		return nil, err
	}
	w.current.Store(p)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors often replace the file via rename.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch lexicon directory: %w", err)
	}
	w.fsWatcher = fsw

	return w, nil
}

// Pack returns the most recently loaded pack.
func (w *Watcher) Pack() *Pack {
	return w.current.Load()
}

// Start processes file events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("lexicon watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("lexicon reload failed, keeping previous pack",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.current.Store(p)
	w.logger.Info("lexicon reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(p)
	}
}

// Stop stops watching. Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.stopCh)
	return w.fsWatcher.Close()
}
