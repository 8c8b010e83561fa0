package config

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDelay      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reloads the configuration file when it changes and publishes each
// new, valid configuration to its subscribers.
type Watcher struct {
	path string
	log  *slog.Logger
	load func(path string) (*Config, error)

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

// NewWatcher creates a watcher for path. initial is the configuration already
// in effect; it is the baseline for change detection.
func NewWatcher(path string, initial *Config, log *slog.Logger) *Watcher {
	w := &Watcher{path: path, log: log, load: Load}
	w.Commit(initial)
	return w
}

// Commit records cfg as the configuration in effect.
func (w *Watcher) Commit(cfg *Config) {
	w.mu.Lock()
	w.cfg = cfg
	w.lastHash = hashConfig(cfg)
	w.mu.Unlock()
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Subscribe returns a channel receiving every committed configuration.
func (w *Watcher) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

func (w *Watcher) publish(cfg *Config) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		// A slow subscriber only needs the latest config.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			w.log.Debug("config update dropped", "queue_len", len(ch))
		}
	}
}

// Reload loads the file and publishes it if it is valid and differs from the
// configuration in effect. A rejected file leaves the current config untouched.
func (w *Watcher) Reload() (bool, error) {
	cfg, err := w.load(w.path)
	if err != nil {
		w.log.Warn("config rejected, keeping previous", "path", w.path, "error", err)
		return false, err
	}

	h := hashConfig(cfg)
	w.mu.RLock()
	unchanged := h != 0 && h == w.lastHash
	w.mu.RUnlock()
	if unchanged {
		w.log.Debug("config unchanged", "path", w.path)
		return false, nil
	}

	w.Commit(cfg)
	w.publish(cfg)
	w.log.Info("config reloaded", "path", w.path, "hash", fmt.Sprintf("%x", h))
	return true, nil
}

// Watch blocks until ctx is done, reloading on file events. A broken fsnotify
// watcher is recreated with jittered exponential backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := restartBackoffBase
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			_, _ = w.Reload()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("config watch init failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("config watch add failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		w.log.Debug("config watcher started", "dir", dir, "file", file)

		if done := w.loop(ctx, fw, file, debounce); done {
			_ = fw.Close()
			return nil
		}
		_ = fw.Close()
		w.log.Warn("config watcher stopped, restarting", "dir", dir)
		if !wait() {
			return nil
		}
	}
	return nil
}

// loop consumes events until ctx is done (true) or the watcher breaks (false).
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, file string, debounce func()) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-fw.Events:
			if !ok {
				return false
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				w.log.Warn("config watch overflow, forcing reload", "error", err)
				debounce()
				continue
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}
