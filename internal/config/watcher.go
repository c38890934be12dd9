package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/twistedxcom/panewatch/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// debounceDelay coalesces the burst of fsnotify events most editors emit
// on save (write + chmod + rename) into one reload.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Pattern overrides are the main hot-reloadable setting; timing
// changes only apply to workers created after the reload.
type Watcher struct {
	dir      string
	onReload func(*Config)

	fw   *fsnotify.Watcher
	done chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches dir/config.toml. onReload runs on the watcher
// goroutine after each successful reload.
func NewWatcher(dir string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save,
	// which drops a watch on the file itself.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		onReload: onReload,
		fw:       fw,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the watch loop until Stop is called.
func (w *Watcher) Start() {
	target := filepath.Join(w.dir, FileName)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Name != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.dir)
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	configLog.Info("config_reloaded", slog.String("dir", w.dir))
	w.onReload(cfg)
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.done)
	w.fw.Close()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
