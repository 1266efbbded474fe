package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/tiergate/internal/logging"
)

// DefaultDebounce is how long the watcher waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-seeds the registry when the catalog file changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	registry *Registry
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	onSeed func(*UpsertReport, error)
}

// NewWatcher watches the catalog's directory so that editors replacing
// the file by rename are still seen.
func NewWatcher(registry *Registry, path string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Watcher{
		watcher:  fw,
		registry: registry,
		path:     filepath.Clean(path),
		logger:   logging.OrDiscard(logger),
		debounce: DefaultDebounce,
	}, nil
}

// Seed loads the catalog file and upserts it.
func (w *Watcher) Seed(ctx context.Context) (*UpsertReport, error) {
	c, err := LoadCatalog(w.path)
	if err != nil {
		return nil, err
	}
	return w.registry.Upsert(ctx, c)
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.debounce, func() {
					report, err := w.Seed(ctx)
					if err != nil {
						w.logger.Error("catalog re-seed failed", "path", w.path, "err", err)
					} else {
						w.logger.Info("catalog re-seeded", "path", w.path, "version", report.Version)
					}
					w.mu.Lock()
					hook := w.onSeed
					w.mu.Unlock()
					if hook != nil {
						hook(report, err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}
