package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of write events editors and
// orchestrators produce when rewriting a file.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file on change and hands the new
// config to a callback. A reload that fails validation is logged and
// discarded; the running config stays in effect.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	onReload func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, logger *logrus.Logger, onReload func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config file %s: %w", path, err)
	}

	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		watcher:  fsWatcher,
	}, nil
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

// Reload forces a reload outside the watch loop, for the reload endpoint.
func (w *Watcher) Reload() error {
	config, err := Load(w.path)
	if err != nil {
		return err
	}
	w.onReload(config)
	return nil
}

func (w *Watcher) reload() {
	config, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("Config reload failed, keeping running config")
		return
	}

	w.logger.WithField("path", w.path).Info("Configuration reloaded")
	w.onReload(config)
}
