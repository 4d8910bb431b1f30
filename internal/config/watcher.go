package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk.
// Editors and configuration management tools often replace the file
// (write + rename), so the watcher monitors the parent directory and
// debounces bursts of events.
type Watcher struct {
	logger   *zap.Logger
	path     string
	onReload func(*Config)
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file. onReload is
// invoked with the freshly loaded configuration after every successful
// reload; load or validation failures keep the previous configuration
// and are logged.
func NewWatcher(logger *zap.Logger, path string, onReload func(*Config)) *Watcher {
	return &Watcher{
		logger:   logger,
		path:     path,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous configuration",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.logger.Info("Configuration reloaded", zap.String("path", w.path))
			w.onReload(cfg)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
