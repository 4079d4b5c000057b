package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes and hands each valid
// result to its subscribers. Invalid reloads are logged and ignored, so
// Current always returns the last good config.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	current  atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWatcher loads path once and returns a watcher seeded with the result.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     absPath,
		logger:   logger.With("component", "config"),
		debounce: 250 * time.Millisecond,
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Subscribe registers fn to receive each reloaded config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start watches the config file's directory until ctx is done or Close is
// called. Editors often replace files instead of writing them in place, so
// the directory is watched and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	watchCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.watcher = fw
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	cancel := w.cancel
	fw := w.watcher
	w.cancel = nil
	w.watcher = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// Reload reads the file now. A valid config replaces Current and is passed
// to subscribers; an invalid one is logged and dropped.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return false
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded", "path", w.path)

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return true
}
