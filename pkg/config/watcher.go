package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives freshly loaded options after the watched file changes.
type ReloadFunc func(Options)

// Watcher reloads the options file on change and notifies a callback, so
// mode and alert thresholds can change without redeployment. Invalid files
// are logged and ignored; the previous options stay in effect.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the options file at path.
func NewWatcher(path string, logger *slog.Logger, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config-map style updates replace the
	// file instead of writing in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Start runs the watch loop until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				opts, err := LoadFile(w.path)
				if err != nil {
					w.logger.Warn("ignoring invalid options file",
						"path", w.path, "error", err)
					continue
				}
				w.logger.Info("options file reloaded",
					"path", w.path, "mode", string(opts.Mode))
				w.onReload(opts)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("options watcher error", "error", err)
			}
		}
	}()
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
