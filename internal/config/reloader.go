package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the freshly parsed Config after a reload.
type ChangeCallback func(*Config)

// Reloader watches a config file on disk and atomically swaps in a freshly
// parsed Config on write, so the site manager's domain/proxy-requirement
// list can change without a process restart (SPEC_FULL.md Configuration).
type Reloader struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	watcher   *fsnotify.Watcher
	cbMu      sync.RWMutex
	callbacks []ChangeCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log Logger
}

// Logger is the minimal logging surface the reloader needs, satisfied by
// *obslog.Logger without importing it directly (avoids a config->obslog
// import edge; obslog itself never needs config).
type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// NewReloader builds a Reloader for the config file at path. Call Load (or
// Start, which calls Load) before GetConfig returns anything useful.
func NewReloader(path string) *Reloader {
	return &Reloader{
		path:          path,
		debounceDelay: time.Second,
		log:           noopLogger{},
	}
}

// SetLogger installs a logger used for reload lifecycle events.
func (r *Reloader) SetLogger(log Logger) { r.log = log }

// SetDebounceDelay overrides the default one-second debounce between a
// file-write event and the actual reload, absorbing editors that write a
// file in several small writes.
func (r *Reloader) SetDebounceDelay(d time.Duration) {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	r.debounceDelay = d
}

// OnChange registers a callback fired after every successful reload.
func (r *Reloader) OnChange(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// GetConfig returns the current snapshot, safe for concurrent use.
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Load performs the initial parse without starting the file watcher.
func (r *Reloader) Load() error {
	cfg, err := LoadFromFile(r.path)
	if err != nil {
		return err
	}
	cfg.LoadFromEnv()
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.log.Infof("config loaded from %s", r.path)
	return nil
}

// Start loads the config and begins watching its file (and containing
// directory, to catch editors that replace the file via rename) for
// changes.
func (r *Reloader) Start() error {
	if r.ctx != nil {
		return fmt.Errorf("config: reloader already started")
	}
	if err := r.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	r.watcher = watcher

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch directory %s: %w", dir, err)
	}
	if _, err := os.Stat(r.path); err == nil {
		if err := watcher.Add(r.path); err != nil {
			r.log.Errorf("config: watch file %s: %v", r.path, err)
		}
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.watch()

	r.log.Infof("config reloader watching %s", r.path)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (r *Reloader) Stop() error {
	if r.ctx == nil {
		return nil
	}
	r.cancel()
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Reloader) watch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.triggerReload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Errorf("config watcher error: %v", err)
		}
	}
}

func (r *Reloader) triggerReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	cfg, err := LoadFromFile(r.path)
	if err != nil {
		r.log.Errorf("config reload failed: %v", err)
		return
	}
	cfg.LoadFromEnv()

	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	r.log.Infof("config reloaded from %s (%d sites)", r.path, len(cfg.Sites))

	r.cbMu.RLock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		go func(cb ChangeCallback) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorf("config change callback panicked: %v", rec)
				}
			}()
			cb(cfg)
		}(cb)
	}
}
