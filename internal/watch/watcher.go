package watch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher calls Reload whenever a single file is written or replaced. The parent
// directory is watched so editors that swap files atomically are still seen.
type Watcher struct {
	path   string
	reload func() error
	logger *zap.Logger
}

func New(path string, reload func() error, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: filepath.Clean(path), reload: reload, logger: logger}
}

// Start begins watching until ctx is done. An empty path disables the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" || w.path == "." {
		w.logger.Info("watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != w.path {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.reload(); err != nil {
					w.logger.Warn("reload failed", zap.String("path", w.path), zap.Error(err))
					continue
				}
				w.logger.Info("reloaded", zap.String("path", w.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
