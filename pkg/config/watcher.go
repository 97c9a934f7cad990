package config

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

const debounceDelay = 100 * time.Millisecond

// Watcher watches the configuration file and swaps in a new snapshot when it
// changes. Readers always see either the old or the new snapshot, never a mix.
type Watcher struct {
	path     string
	cfg      atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	onChange func(*Config) error
	logger   *slog.Logger
}

// NewWatcher creates a new configuration file watcher
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: watcher,
		logger:  logger,
	}
	w.cfg.Store(cfg)

	return w, nil
}

// Config returns the current configuration snapshot
func (w *Watcher) Config() *Config {
	return w.cfg.Load()
}

// OnChange registers a callback that must accept a new snapshot before it
// becomes current. Returning an error keeps the previous snapshot.
func (w *Watcher) OnChange(fn func(*Config) error) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Start begins watching the configuration file for changes
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	// Debounce rapid file changes (editors often write multiple times)
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			if err := w.Reload(); err != nil {
				w.logger.Error("Failed to reload config, keeping previous configuration", "error", err)
			} else {
				w.logger.Info("Config reloaded successfully")
			}
		}
	}
}

// Reload reads the file again and swaps the snapshot if the new document
// is valid and accepted by the OnChange callback.
func (w *Watcher) Reload() error {
	newCfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReloadRejected, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.cfg.Load()
	if old != nil && old.ListenAddress() != newCfg.ListenAddress() {
		w.logger.Warn("Listen address changed, restart required to apply",
			"current", old.ListenAddress(),
			"configured", newCfg.ListenAddress())
	}

	if w.onChange != nil {
		if err := w.onChange(newCfg); err != nil {
			return fmt.Errorf("%w: %w", ErrReloadRejected, err)
		}
	}

	w.cfg.Store(newCfg)
	return nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
