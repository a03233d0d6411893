package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher invalidates a Catalog when SKILL.md files or skill folders change.
type Watcher struct {
	catalog *Catalog
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewWatcher creates a watcher for the catalog directory.
func NewWatcher(catalog *Catalog) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{catalog: catalog, fsw: fsw, logger: catalog.logger}, nil
}

// Start watches the catalog root and every skill folder below it.
func (w *Watcher) Start(ctx context.Context) error {
	dir := w.catalog.Dir()
	if err := w.fsw.Add(dir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		w.logger.Warn("skills watcher: directory missing", "path", dir)
	}
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.fsw.Add(filepath.Join(dir, e.Name()))
			}
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("skills watcher started", "path", dir)
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}
	relevant := strings.EqualFold(filepath.Base(event.Name), "SKILL.md") ||
		event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	if !relevant {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	w.catalog.Invalidate()
	w.logger.Info("skill catalog reloaded", "path", w.catalog.Dir())
}
