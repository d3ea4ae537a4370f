package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk and fans the new
// snapshot out to subscribers. Editors and configmap mounts often replace the
// file instead of writing in place, so the parent directory is watched and
// events are debounced.
type Watcher struct {
	path string

	mu   sync.RWMutex
	cfg  *FileConfig
	subs []func(*FileConfig)
}

// NewWatcher wraps an already-loaded config for hot reload.
func NewWatcher(path string, initial *FileConfig) *Watcher {
	return &Watcher{path: path, cfg: initial}
}

// Current returns the latest config snapshot.
func (w *Watcher) Current() *FileConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Subscribe registers a callback invoked after each successful reload.
func (w *Watcher) Subscribe(fn func(*FileConfig)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// Run watches the config file until ctx is cancelled. Errors are logged and
// swallowed; a broken reload keeps the previous snapshot.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("config watcher unavailable")
		return
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		log.WithError(err).Warn("config watcher failed to watch directory")
		return
	}

	var debounce *time.Timer
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}
	w.mu.Lock()
	w.cfg = cfg
	subs := append([]func(*FileConfig){}, w.subs...)
	w.mu.Unlock()

	log.Info("configuration reloaded")
	for _, fn := range subs {
		fn(cfg)
	}
}
