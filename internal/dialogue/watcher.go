package dialogue

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads dialogue definitions when files in the definitions
// directory change. An invalid edit is logged and skipped; the previously
// loaded definition stays live until the file validates again.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher starts watching the registry's definitions directory.
func NewWatcher(registry *Registry, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(registry.cfg.Dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", registry.cfg.Dir, err)
	}
	return &Watcher{registry: registry, watcher: fw, logger: logger}, nil
}

// Run processes filesystem events until the context is canceled or the
// watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("dialogue watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isDefinitionFile(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.registry.Remove(event.Name)
	case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
		if err := w.registry.LoadFile(event.Name); err != nil {
			w.logger.Warn("dialogue definition rejected, previous version stays live",
				zap.String("path", event.Name),
				zap.Error(err),
			)
			return
		}
		w.logger.Info("dialogue definition reloaded", zap.String("path", event.Name))
	}
}
