package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phoenixguard/sentinel/pkg/types"
)

func TestLoad_ParsesSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sentinel.yml")
	if err := os.WriteFile(cfgPath, []byte(`
sentinel:
  mode: honeypot
  data_dir: "`+dir+`"
layout:
  boot_block_base: 0xFFFE0000
decoy:
  size: 8MiB
audit:
  capacity: 50
  integrity:
    enabled: true
    key_env: SENTINEL_TEST_KEY
bridge:
  socket:
    enabled: true
    permissions: "0600"
  shared_memory:
    enabled: true
    poll_interval: 500us
  rate_limit:
    requests_per_second: 10
    burst: 5
identity:
  trusted:
    - id: "flashrom"
    - id: "fwupd-*"
      token_sha256: "abc"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != types.ModeHoneypot {
		t.Errorf("mode = %v, want HONEYPOT", cfg.Mode())
	}
	if cfg.Layout.BootBlockBase != 0xFFFE0000 {
		t.Errorf("boot block base = 0x%x", cfg.Layout.BootBlockBase)
	}
	if cfg.Layout.FlashBase != types.DefaultLayout().FlashBase {
		t.Errorf("flash base default not applied: 0x%x", cfg.Layout.FlashBase)
	}
	if SizeBytes(cfg.Decoy.Size) != 8<<20 {
		t.Errorf("decoy size = %s", cfg.Decoy.Size)
	}
	if cfg.Audit.Capacity != 50 || !cfg.Audit.Integrity.Enabled {
		t.Errorf("audit section not parsed: %+v", cfg.Audit)
	}
	if got := cfg.Bridge.Socket.Path; got != filepath.Join(dir, "bridge.sock") {
		t.Errorf("socket path = %q", got)
	}
	if cfg.Bridge.RateLimit.Burst != 5 {
		t.Errorf("burst = %d", cfg.Bridge.RateLimit.Burst)
	}
	if len(cfg.Identity.Trusted) != 2 || cfg.Identity.Trusted[1].TokenSHA256 != "abc" {
		t.Errorf("identity rules = %+v", cfg.Identity.Trusted)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`sentinel: {data_dir: /srv/sentinel}`))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Mode() != types.ModeActive {
		t.Errorf("default mode = %v", cfg.Mode())
	}
	if !*cfg.Decoy.Enabled || SizeBytes(cfg.Decoy.Size) != 16<<20 {
		t.Errorf("decoy defaults = %+v", cfg.Decoy)
	}
	if cfg.Audit.Capacity != 1000 {
		t.Errorf("audit capacity = %d", cfg.Audit.Capacity)
	}
	if cfg.Audit.Output != "/srv/sentinel/events.jsonl" || cfg.Audit.Storage.SQLitePath != "/srv/sentinel/events.db" {
		t.Errorf("paths not derived from data dir: %q %q", cfg.Audit.Output, cfg.Audit.Storage.SQLitePath)
	}
	if cfg.Layout != types.DefaultLayout() {
		t.Errorf("layout = %+v", cfg.Layout)
	}
	if SizeBytes(cfg.Device.Size) != int64(types.DefaultLayout().FlashSize) {
		t.Errorf("device size = %s", cfg.Device.Size)
	}
	if Duration(cfg.Bridge.SharedMemory.PollInterval, 0).Milliseconds() != 1 {
		t.Errorf("poll interval = %s", cfg.Bridge.SharedMemory.PollInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sentinel.yml")
	if err := os.WriteFile(cfgPath, []byte("sentinel:\n  mode: passive\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SENTINEL_MODE", "anti-forage")
	t.Setenv("SENTINEL_DATA_DIR", dir)
	t.Setenv("SENTINEL_BRIDGE_SOCKET", "/run/sentinel.sock")
	t.Setenv("SENTINEL_LOG_LEVEL", "debug")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != types.ModeAntiForage {
		t.Errorf("mode = %v", cfg.Mode())
	}
	if cfg.Audit.Storage.SQLitePath != filepath.Join(dir, "events.db") {
		t.Errorf("sqlite path = %q", cfg.Audit.Storage.SQLitePath)
	}
	if cfg.Bridge.Socket.Path != "/run/sentinel.sock" || cfg.Logging.Level != "debug" {
		t.Errorf("overrides not applied: %q %q", cfg.Bridge.Socket.Path, cfg.Logging.Level)
	}
}

func TestValidateConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad mode", "sentinel: {mode: stealth}", "sentinel.mode"},
		{"bad decoy size", "decoy: {size: lots}", "decoy.size"},
		{"zero decoy size", "decoy: {size: \"0\"}", "decoy.size"},
		{"bad duration", "bridge: {shared_memory: {poll_interval: fast}}", "poll_interval"},
		{"bad permissions", "bridge: {socket: {permissions: \"rw\"}}", "permissions"},
		{"integrity without key", "audit: {integrity: {enabled: true}}", "key_file"},
		{"bad algorithm", "audit: {integrity: {algorithm: md5}}", "algorithm"},
		{"bad protocol", "otel: {protocol: udp}", "otel.protocol"},
		{"file device without image", "device: {type: file}", "image_path"},
		{"bad device", "device: {type: jtag}", "device.type"},
		{"bad level", "logging: {level: loud}", "logging.level"},
		{"boot block outside flash", "layout: {boot_block_base: 0x1000}", "boot_block_base"},
		{"flash past 4GiB", "layout: {flash_base: 0xFFFF0000, flash_size: 0x1000000}", "exceeds"},
		{"empty identity", "identity: {trusted: [{id: \" \"}]}", "identity.trusted[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"16MiB", 16 << 20, true},
		{"64KiB", 64 << 10, true},
		{"1_048_576", 1 << 20, true},
		{"10MB", 10_000_000, true},
		{" 2 GiB ", 2 << 30, true},
		{"0x10000", 0x10000, true},
		{"512B", 512, true},
		{"", 0, false},
		{"MiB", 0, false},
		{"-1", 0, false},
		{"0xZZ", 0, false},
		{"9223372036854775807GiB", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, %v; want %d ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}
