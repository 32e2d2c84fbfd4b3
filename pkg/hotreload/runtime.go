package hotreload

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RuntimeConfig holds the settings an operator may change while the sentinel runs.
// Changes from the config watcher and from the HTTP handler both land here.
type RuntimeConfig struct {
	mu sync.RWMutex

	logLevel       string
	mode           string
	trustedCallers int
	generation     int64

	onLogLevelChange func(level string) error
	onModeChange     func(mode string) error

	updateCount atomic.Int64
	lastUpdate  time.Time
}

// RuntimeConfigOption configures RuntimeConfig.
type RuntimeConfigOption func(*RuntimeConfig)

// WithLogLevelCallback sets the callback for log level changes. A callback error
// rejects the change.
func WithLogLevelCallback(fn func(level string) error) RuntimeConfigOption {
	return func(c *RuntimeConfig) {
		c.onLogLevelChange = fn
	}
}

// WithModeCallback sets the callback for operating mode changes.
func WithModeCallback(fn func(mode string) error) RuntimeConfigOption {
	return func(c *RuntimeConfig) {
		c.onModeChange = fn
	}
}

// WithInitial seeds the current values without invoking callbacks.
func WithInitial(logLevel, mode string) RuntimeConfigOption {
	return func(c *RuntimeConfig) {
		if logLevel != "" {
			c.logLevel = logLevel
		}
		c.mode = mode
	}
}

func NewRuntimeConfig(opts ...RuntimeConfigOption) *RuntimeConfig {
	c := &RuntimeConfig{
		logLevel: "info",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RuntimeConfig) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel
}

// SetLogLevel updates the log level. The callback only runs when the value changes.
func (c *RuntimeConfig) SetLogLevel(level string) error {
	return c.set(&c.logLevel, level, c.onLogLevelChange)
}

func (c *RuntimeConfig) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode updates the operating mode. The callback only runs when the value changes.
func (c *RuntimeConfig) SetMode(mode string) error {
	return c.set(&c.mode, mode, c.onModeChange)
}

// ObserveMode records a mode change made elsewhere, e.g. over the OS bridge.
// The mode callback is not invoked.
func (c *RuntimeConfig) ObserveMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != mode {
		c.mode = mode
		c.touch()
	}
}

// SetTrustedCallers records how many allowlist rules are in effect.
func (c *RuntimeConfig) SetTrustedCallers(n int) {
	c.mu.Lock()
	c.trustedCallers = n
	c.touch()
	c.mu.Unlock()
}

// SetConfigGeneration records which reload of the config file is in effect.
func (c *RuntimeConfig) SetConfigGeneration(gen int64) {
	c.mu.Lock()
	c.generation = gen
	c.mu.Unlock()
}

func (c *RuntimeConfig) set(field *string, value string, callback func(string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *field == value {
		return nil
	}
	if callback != nil {
		if err := callback(value); err != nil {
			return err
		}
	}
	*field = value
	c.touch()
	return nil
}

// touch must be called with mu held.
func (c *RuntimeConfig) touch() {
	c.lastUpdate = time.Now()
	c.updateCount.Add(1)
}

// UpdateCount returns the total number of updates.
func (c *RuntimeConfig) UpdateCount() int64 {
	return c.updateCount.Load()
}

// RuntimeConfigUpdate represents an update request.
type RuntimeConfigUpdate struct {
	LogLevel *string `json:"log_level,omitempty"`
	Mode     *string `json:"mode,omitempty"`
}

// Apply applies an update. It stops at the first rejected field.
func (c *RuntimeConfig) Apply(update RuntimeConfigUpdate) error {
	if update.LogLevel != nil {
		if err := c.SetLogLevel(*update.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if update.Mode != nil {
		if err := c.SetMode(*update.Mode); err != nil {
			return fmt.Errorf("mode: %w", err)
		}
	}
	return nil
}

// RuntimeConfigSnapshot is a point-in-time copy of the runtime settings.
type RuntimeConfigSnapshot struct {
	LogLevel         string    `json:"log_level"`
	Mode             string    `json:"mode"`
	TrustedCallers   int       `json:"trusted_callers"`
	ConfigGeneration int64     `json:"config_generation"`
	UpdateCount      int64     `json:"update_count"`
	LastUpdate       time.Time `json:"last_update,omitempty"`
}

func (c *RuntimeConfig) Snapshot() RuntimeConfigSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return RuntimeConfigSnapshot{
		LogLevel:         c.logLevel,
		Mode:             c.mode,
		TrustedCallers:   c.trustedCallers,
		ConfigGeneration: c.generation,
		UpdateCount:      c.updateCount.Load(),
		LastUpdate:       c.lastUpdate,
	}
}

// HTTPHandler returns an HTTP handler for runtime config reads and updates.
func (c *RuntimeConfig) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Snapshot())
	})

	mux.HandleFunc("PATCH /config", func(w http.ResponseWriter, r *http.Request) {
		var update RuntimeConfigUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := c.Apply(update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Snapshot())
	})

	mux.HandleFunc("PUT /config/log-level", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := c.SetLogLevel(req.Level); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("PUT /config/mode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := c.SetMode(req.Mode); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
