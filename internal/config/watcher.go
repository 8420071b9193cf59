package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is called with the freshly loaded config after the file
// on disk changed.
type ReloadCallback func(cfg *Config)

// Watcher monitors the config file and re-loads it on change, debouncing
// editor write bursts.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	stabilityThreshold time.Duration
	onReload           ReloadCallback
	done               chan struct{}
	debounceTimer      *time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// NewWatcher creates a config file watcher. The callback runs on the
// watcher goroutine after each successful re-load.
func NewWatcher(loader *Loader, stabilityThreshold time.Duration, onReload ReloadCallback) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if stabilityThreshold == 0 {
		stabilityThreshold = 250 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		loader:             loader,
		stabilityThreshold: stabilityThreshold,
		onReload:           onReload,
		done:               make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives atomic rename-style rewrites, which replace
// the watched inode.
func (w *Watcher) Start() error {
	path := w.loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("config path is not resolvable")
	}

	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop(path)

	log.Info().Str("path", path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()

		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) eventLoop(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
		}

		cfg, err := w.loader.Load()
		if err != nil {
			log.Error().Err(err).Msg("Config reload failed")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Error().Err(err).Msg("Reloaded config is invalid, keeping previous")
			return
		}

		log.Info().Msg("Config reloaded")
		w.onReload(cfg)
	})
}
