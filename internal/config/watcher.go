package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives a freshly loaded and validated config.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk. Only settings that
// are safe to apply live (log level, circuit threshold) are expected to be
// consumed by the callback.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onReload ReloadFunc

	watcher  *fsnotify.Watcher
	done     chan struct{}
	timerMu  sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's config file.
func NewWatcher(loader *Loader, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		loader:   loader,
		path:     loader.GetConfigPath(),
		debounce: debounce,
		onReload: onReload,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the config file's directory; editors often replace the file
// rather than writing it in place.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	go w.loop()
	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
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

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}
	log.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
