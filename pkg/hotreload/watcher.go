package hotreload

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader validates and applies a configuration file.
type Loader interface {
	LoadFromPath(path string) error
	Validate(path string) error
}

// ConfigWatcher watches a single configuration file and reloads it when it changes.
// The parent directory is watched so editors that replace the file by rename are seen.
type ConfigWatcher struct {
	path       string
	loader     Loader
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(path string, err error)
	running    atomic.Bool
	reloadChan chan string
	stats      WatcherStats

	digestMu sync.Mutex
	digest   [sha256.Size]byte // content last applied or seen at Start
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	ReloadsSkipped int64     `json:"reloads_skipped"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures the config watcher.
type WatcherConfig struct {
	Path     string
	Loader   Loader
	Debounce time.Duration // Debounce period for rapid changes
	OnChange func(path string, err error)
}

// NewConfigWatcher creates a new config watcher.
func NewConfigWatcher(config WatcherConfig) (*ConfigWatcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if config.Loader == nil {
		return nil, fmt.Errorf("config loader is required")
	}

	abs, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	debounce := config.Debounce
	if debounce == 0 {
		debounce = 250 * time.Millisecond
	}

	return &ConfigWatcher{
		path:       abs,
		loader:     config.Loader,
		debounce:   debounce,
		onChange:   config.OnChange,
		reloadChan: make(chan string, 8),
	}, nil
}

// Path returns the absolute path being watched.
func (w *ConfigWatcher) Path() string { return w.path }

// Start begins watching for config file changes.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	if sum, err := fileDigest(w.path); err == nil {
		w.setDigest(sum)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}

	go w.processEvents(ctx)
	go w.processReloads(ctx)

	return nil
}

// processEvents handles fsnotify events.
func (w *ConfigWatcher) processEvents(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			// A rename away leaves nothing to load until the replacement lands.
			sum, err := fileDigest(w.path)
			if err != nil {
				continue
			}
			if w.sameDigest(sum) {
				w.stats.mu.Lock()
				w.stats.ReloadsSkipped++
				w.stats.mu.Unlock()
				continue
			}
			select {
			case w.reloadChan <- w.path:
			default:
				// A reload is already queued.
			}

		case <-ctx.Done():
			return
		}
	}
}

// processReloads handles reload requests.
func (w *ConfigWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case path := <-w.reloadChan:
			w.handleReload(path)
		case <-ctx.Done():
			return
		}
	}
}

func (w *ConfigWatcher) handleReload(path string) {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	if err := w.loader.Validate(path); err != nil {
		w.recordError(fmt.Sprintf("invalid config %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	if err := w.loader.LoadFromPath(path); err != nil {
		w.recordError(fmt.Sprintf("loading config %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	if sum, err := fileDigest(path); err == nil {
		w.setDigest(sum)
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path, nil)
	}
}

func (w *ConfigWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *ConfigWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns the current watcher statistics.
func (w *ConfigWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		ReloadsSkipped: w.stats.ReloadsSkipped,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

func fileDigest(path string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func (w *ConfigWatcher) setDigest(sum [sha256.Size]byte) {
	w.digestMu.Lock()
	w.digest = sum
	w.digestMu.Unlock()
}

func (w *ConfigWatcher) sameDigest(sum [sha256.Size]byte) bool {
	w.digestMu.Lock()
	defer w.digestMu.Unlock()
	return w.digest == sum
}

// TriggerReload queues a reload of the config file, e.g. on SIGHUP. It
// reloads even when the content is unchanged.
func (w *ConfigWatcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	select {
	case w.reloadChan <- w.path:
		return nil
	default:
		return fmt.Errorf("reload channel full")
	}
}
