package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phoenixguard/sentinel/pkg/identity"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type Config struct {
	Sentinel SentinelConfig `yaml:"sentinel"`
	Layout   types.Layout   `yaml:"layout"`
	Decoy    DecoyConfig    `yaml:"decoy"`
	Audit    AuditConfig    `yaml:"audit"`
	OTEL     OTELConfig     `yaml:"otel"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Device   DeviceConfig   `yaml:"device"`
	Identity IdentityConfig `yaml:"identity"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SentinelConfig struct {
	// Mode is the start-up mode: passive, active, honeypot, forensic or anti-forage.
	Mode    string `yaml:"mode"`
	DataDir string `yaml:"data_dir"`
	// EventBuffer is the per-subscriber event channel size.
	EventBuffer int `yaml:"event_buffer"`
	// PlatformProbe reads the host's Secure Boot variables for reports.
	PlatformProbe *bool `yaml:"platform_probe"`
}

type DecoyConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Size    string `yaml:"size"`
}

type AuditConfig struct {
	// Capacity bounds the in-memory audit ring.
	Capacity int            `yaml:"capacity"`
	Output   string         `yaml:"output"`
	Rotation RotationConfig `yaml:"rotation"`

	Storage   AuditStorageConfig   `yaml:"storage"`
	Integrity AuditIntegrityConfig `yaml:"integrity"`
	Webhook   AuditWebhookConfig   `yaml:"webhook"`
}

type AuditStorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type AuditIntegrityConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyFile   string `yaml:"key_file"`
	KeyEnv    string `yaml:"key_env"`
	Algorithm string `yaml:"algorithm"`
}

type AuditWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
	EventTypes    []string          `yaml:"event_types"`
	Urgent        []string          `yaml:"urgent"`
}

type RotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

type OTELConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	Protocol     string            `yaml:"protocol"`
	Headers      map[string]string `yaml:"headers"`
	TLS          OTELTLSConfig     `yaml:"tls"`
	Timeout      string            `yaml:"timeout"`
	BatchTimeout string            `yaml:"batch_timeout"`
	BatchMaxSize int               `yaml:"batch_max_size"`
	ServiceName  string            `yaml:"service_name"`
	Filter       OTELFilterConfig  `yaml:"filter"`
}

type OTELTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

type OTELFilterConfig struct {
	IncludeTypes      []string `yaml:"include_types"`
	ExcludeTypes      []string `yaml:"exclude_types"`
	IncludeOperations []string `yaml:"include_operations"`
	MinScore          uint32   `yaml:"min_score"`
	SkipAllowed       bool     `yaml:"skip_allowed"`
}

type BridgeConfig struct {
	Socket       BridgeSocketConfig `yaml:"socket"`
	SharedMemory BridgeShmConfig    `yaml:"shared_memory"`
	// MaxRequest caps flash passthrough transfers.
	MaxRequest string          `yaml:"max_request"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

type BridgeSocketConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"` // e.g. "0660"
}

type BridgeShmConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	Size         string `yaml:"size"`
	PollInterval string `yaml:"poll_interval"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type DeviceConfig struct {
	// Type is "memory" or "file".
	Type      string `yaml:"type"`
	ImagePath string `yaml:"image_path"`
	// Size applies to memory devices; file devices take the image size.
	Size string `yaml:"size"`
}

type IdentityConfig struct {
	Trusted []identity.Rule `yaml:"trusted"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
}

type ServerHTTPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	// APIKeyEnv names the environment variable holding the key required in the
	// X-API-Key header of /api/v1 requests. Empty disables authentication.
	APIKeyEnv string `yaml:"api_key_env"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Sentinel.Mode == "" {
		cfg.Sentinel.Mode = "active"
	}
	if cfg.Sentinel.DataDir == "" {
		cfg.Sentinel.DataDir = "/var/lib/sentinel"
	}
	if cfg.Sentinel.EventBuffer <= 0 {
		cfg.Sentinel.EventBuffer = 1024
	}
	if cfg.Sentinel.PlatformProbe == nil {
		t := true
		cfg.Sentinel.PlatformProbe = &t
	}

	def := types.DefaultLayout()
	if cfg.Layout.FlashBase == 0 {
		cfg.Layout.FlashBase = def.FlashBase
	}
	if cfg.Layout.FlashSize == 0 {
		cfg.Layout.FlashSize = def.FlashSize
	}
	if cfg.Layout.TPMBase == 0 {
		cfg.Layout.TPMBase = def.TPMBase
	}
	if cfg.Layout.TPMSize == 0 {
		cfg.Layout.TPMSize = def.TPMSize
	}
	if cfg.Layout.SecureBootBase == 0 {
		cfg.Layout.SecureBootBase = def.SecureBootBase
	}
	if cfg.Layout.SecureBootSize == 0 {
		cfg.Layout.SecureBootSize = def.SecureBootSize
	}
	if cfg.Layout.MicrocodeBase == 0 {
		cfg.Layout.MicrocodeBase = def.MicrocodeBase
	}
	if cfg.Layout.MicrocodeSize == 0 {
		cfg.Layout.MicrocodeSize = def.MicrocodeSize
	}
	if cfg.Layout.BootBlockBase == 0 {
		cfg.Layout.BootBlockBase = def.BootBlockBase
	}

	// default decoy enabled unless explicitly disabled
	if cfg.Decoy.Enabled == nil {
		t := true
		cfg.Decoy.Enabled = &t
	}
	if cfg.Decoy.Size == "" {
		cfg.Decoy.Size = "16MiB"
	}

	if cfg.Audit.Capacity <= 0 {
		cfg.Audit.Capacity = 1000
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = filepath.Join(cfg.Sentinel.DataDir, "events.jsonl")
	}
	if cfg.Audit.Rotation.MaxSizeMB == 0 {
		cfg.Audit.Rotation.MaxSizeMB = 100
	}
	if cfg.Audit.Rotation.MaxBackups == 0 {
		cfg.Audit.Rotation.MaxBackups = 5
	}
	if cfg.Audit.Storage.SQLitePath == "" {
		cfg.Audit.Storage.SQLitePath = filepath.Join(cfg.Sentinel.DataDir, "events.db")
	}
	if cfg.Audit.Integrity.Algorithm == "" {
		cfg.Audit.Integrity.Algorithm = "hmac-sha256"
	}
	if cfg.Audit.Webhook.BatchSize == 0 {
		cfg.Audit.Webhook.BatchSize = 100
	}
	if cfg.Audit.Webhook.FlushInterval == "" {
		cfg.Audit.Webhook.FlushInterval = "10s"
	}
	if cfg.Audit.Webhook.Timeout == "" {
		cfg.Audit.Webhook.Timeout = "5s"
	}
	if cfg.Audit.Webhook.Urgent == nil {
		cfg.Audit.Webhook.Urgent = []string{"threshold_crossed"}
	}

	if cfg.OTEL.Protocol == "" {
		cfg.OTEL.Protocol = "grpc"
	}
	if cfg.OTEL.Endpoint == "" {
		if cfg.OTEL.Protocol == "http" {
			cfg.OTEL.Endpoint = "localhost:4318"
		} else {
			cfg.OTEL.Endpoint = "localhost:4317"
		}
	}
	if cfg.OTEL.Timeout == "" {
		cfg.OTEL.Timeout = "10s"
	}
	if cfg.OTEL.BatchTimeout == "" {
		cfg.OTEL.BatchTimeout = "5s"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "sentinel"
	}

	if cfg.Bridge.Socket.Path == "" {
		cfg.Bridge.Socket.Path = filepath.Join(cfg.Sentinel.DataDir, "bridge.sock")
	}
	if cfg.Bridge.Socket.Permissions == "" {
		cfg.Bridge.Socket.Permissions = "0660"
	}
	if cfg.Bridge.SharedMemory.Path == "" {
		cfg.Bridge.SharedMemory.Path = filepath.Join(cfg.Sentinel.DataDir, "bridge.shm")
	}
	if cfg.Bridge.SharedMemory.Size == "" {
		cfg.Bridge.SharedMemory.Size = "2MiB"
	}
	if cfg.Bridge.SharedMemory.PollInterval == "" {
		cfg.Bridge.SharedMemory.PollInterval = "1ms"
	}
	if cfg.Bridge.MaxRequest == "" {
		cfg.Bridge.MaxRequest = "1MiB"
	}
	if cfg.Bridge.RateLimit.RequestsPerSecond == 0 {
		cfg.Bridge.RateLimit.RequestsPerSecond = 200
	}
	if cfg.Bridge.RateLimit.Burst == 0 {
		cfg.Bridge.RateLimit.Burst = 50
	}

	if cfg.Device.Type == "" {
		cfg.Device.Type = "memory"
	}
	if cfg.Device.Size == "" {
		cfg.Device.Size = strconv.FormatUint(cfg.Layout.FlashSize, 10)
	}

	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:7878"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "5m"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_MODE"); v != "" {
		cfg.Sentinel.Mode = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_DATA_DIR"); v != "" {
		cfg.Sentinel.DataDir = v
		cfg.Audit.Output = filepath.Join(v, "events.jsonl")
		cfg.Audit.Storage.SQLitePath = filepath.Join(v, "events.db")
	}
	if v := os.Getenv("SENTINEL_BRIDGE_SOCKET"); v != "" {
		cfg.Bridge.Socket.Path = v
	}
}

func validateConfig(cfg *Config) error {
	if _, err := types.ParseMode(cfg.Sentinel.Mode); err != nil {
		return fmt.Errorf("invalid sentinel.mode: %w", err)
	}
	l := cfg.Layout
	if l.FlashBase+l.FlashSize > 1<<32 {
		return fmt.Errorf("layout: flash region 0x%x+0x%x exceeds 4GiB", l.FlashBase, l.FlashSize)
	}
	if !l.InFlash(l.BootBlockBase) {
		return fmt.Errorf("layout.boot_block_base 0x%x outside flash", l.BootBlockBase)
	}
	for _, sz := range []struct{ name, v string }{
		{"decoy.size", cfg.Decoy.Size},
		{"bridge.shared_memory.size", cfg.Bridge.SharedMemory.Size},
		{"bridge.max_request", cfg.Bridge.MaxRequest},
		{"device.size", cfg.Device.Size},
	} {
		n, err := ParseByteSize(sz.v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", sz.name, err)
		}
		if n == 0 {
			return fmt.Errorf("%s must be > 0", sz.name)
		}
	}
	for _, d := range []struct{ name, v string }{
		{"audit.webhook.flush_interval", cfg.Audit.Webhook.FlushInterval},
		{"audit.webhook.timeout", cfg.Audit.Webhook.Timeout},
		{"otel.timeout", cfg.OTEL.Timeout},
		{"otel.batch_timeout", cfg.OTEL.BatchTimeout},
		{"bridge.shared_memory.poll_interval", cfg.Bridge.SharedMemory.PollInterval},
		{"server.http.read_timeout", cfg.Server.HTTP.ReadTimeout},
		{"server.http.write_timeout", cfg.Server.HTTP.WriteTimeout},
	} {
		if _, err := time.ParseDuration(d.v); err != nil {
			return fmt.Errorf("invalid %s %q", d.name, d.v)
		}
	}
	if _, err := strconv.ParseUint(cfg.Bridge.Socket.Permissions, 8, 32); err != nil {
		return fmt.Errorf("invalid bridge.socket.permissions %q", cfg.Bridge.Socket.Permissions)
	}
	switch cfg.Audit.Integrity.Algorithm {
	case "hmac-sha256", "hmac-sha512":
	default:
		return fmt.Errorf("invalid audit.integrity.algorithm %q", cfg.Audit.Integrity.Algorithm)
	}
	if cfg.Audit.Integrity.Enabled && cfg.Audit.Integrity.KeyFile == "" && cfg.Audit.Integrity.KeyEnv == "" {
		return fmt.Errorf("audit.integrity requires key_file or key_env")
	}
	switch cfg.OTEL.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid otel.protocol %q", cfg.OTEL.Protocol)
	}
	switch cfg.Device.Type {
	case "memory":
	case "file":
		if cfg.Device.ImagePath == "" {
			return fmt.Errorf("device.image_path is required for file devices")
		}
	default:
		return fmt.Errorf("invalid device.type %q", cfg.Device.Type)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if cfg.Bridge.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("bridge.rate_limit.requests_per_second must be >= 0")
	}
	for i, r := range cfg.Identity.Trusted {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("identity.trusted[%d]: id is required", i)
		}
	}
	return nil
}

// Mode returns the parsed start-up mode. The config has already been validated.
func (c *Config) Mode() types.Mode {
	m, _ := types.ParseMode(c.Sentinel.Mode)
	return m
}

// SizeBytes parses a validated byte-size field.
func SizeBytes(s string) int64 {
	n, _ := ParseByteSize(s)
	return n
}

// Duration parses a validated duration field, falling back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
