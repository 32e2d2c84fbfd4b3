// Package hotreload applies configuration changes to a running sentinel.
package hotreload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Reloadable represents something that can be reloaded atomically.
type Reloadable[T any] struct {
	value   atomic.Pointer[T]
	mu      sync.Mutex
	version atomic.Int64
}

// NewReloadable creates a new reloadable value.
func NewReloadable[T any](initial *T) *Reloadable[T] {
	r := &Reloadable[T]{}
	if initial != nil {
		r.value.Store(initial)
	}
	return r
}

// Get returns the current value.
func (r *Reloadable[T]) Get() *T {
	return r.value.Load()
}

// Swap atomically swaps the value and returns the old one.
func (r *Reloadable[T]) Swap(new *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.value.Swap(new)
	r.version.Add(1)
	return old
}

// Version counts the swaps so far; the first reloaded file is generation 1.
func (r *Reloadable[T]) Version() int64 {
	return r.version.Load()
}

// ConfigManager ties the config watcher to the runtime settings it updates.
type ConfigManager struct {
	watcher *ConfigWatcher
	runtime *RuntimeConfig
	running atomic.Bool
}

// ConfigManagerOption configures ConfigManager.
type ConfigManagerOption func(*ConfigManager)

// WithConfigWatcher adds a config file watcher.
func WithConfigWatcher(watcher *ConfigWatcher) ConfigManagerOption {
	return func(m *ConfigManager) {
		m.watcher = watcher
	}
}

// WithRuntimeConfig adds runtime configuration.
func WithRuntimeConfig(config *RuntimeConfig) ConfigManagerOption {
	return func(m *ConfigManager) {
		m.runtime = config
	}
}

func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	m := &ConfigManager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the watcher, if any.
func (m *ConfigManager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("config manager already running")
	}
	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			m.running.Store(false)
			return fmt.Errorf("starting config watcher: %w", err)
		}
	}
	return nil
}

func (m *ConfigManager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			return fmt.Errorf("stopping config watcher: %w", err)
		}
	}
	return nil
}

func (m *ConfigManager) Watcher() *ConfigWatcher {
	return m.watcher
}

func (m *ConfigManager) Runtime() *RuntimeConfig {
	return m.runtime
}

// TriggerReload re-reads the watched config file.
func (m *ConfigManager) TriggerReload() error {
	if m.watcher != nil {
		return m.watcher.TriggerReload()
	}
	return nil
}

// ConfigManagerStatus reports the state of the managed components.
type ConfigManagerStatus struct {
	Running       bool                   `json:"running"`
	ConfigPath    string                 `json:"config_path,omitempty"`
	WatcherStats  *WatcherStats          `json:"watcher_stats,omitempty"`
	RuntimeConfig *RuntimeConfigSnapshot `json:"runtime_config,omitempty"`
}

func (m *ConfigManager) Status() ConfigManagerStatus {
	status := ConfigManagerStatus{
		Running: m.running.Load(),
	}
	if m.watcher != nil {
		stats := m.watcher.Stats()
		status.ConfigPath = m.watcher.Path()
		status.WatcherStats = &stats
	}
	if m.runtime != nil {
		snapshot := m.runtime.Snapshot()
		status.RuntimeConfig = &snapshot
	}
	return status
}
