package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/pkg/hotreload"
	"github.com/phoenixguard/sentinel/pkg/identity"
)

// configLoader applies the reloadable parts of a changed config file: the trusted
// caller allowlist, the mode and the log level. Everything else needs a restart.
type configLoader struct {
	current *hotreload.Reloadable[config.Config]
	trust   *identity.Swappable
	runtime *hotreload.RuntimeConfig
	logger  *slog.Logger

	mu sync.Mutex
}

func (l *configLoader) Validate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := identity.NewAllowlist(cfg.Identity.Trusted); err != nil {
		return fmt.Errorf("identity.trusted: %w", err)
	}
	return nil
}

// LoadFromPath applies the file at path. The mode and log level are only pushed when
// they differ from the previously loaded file, so an unrelated edit does not undo
// a change an operator made over the bridge or the API.
func (l *configLoader) LoadFromPath(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	allow, err := identity.NewAllowlist(cfg.Identity.Trusted)
	if err != nil {
		return fmt.Errorf("identity.trusted: %w", err)
	}
	prev := l.current.Get()

	if prev == nil || cfg.Mode() != prev.Mode() {
		if err := l.runtime.SetMode(cfg.Mode().String()); err != nil {
			return fmt.Errorf("apply mode: %w", err)
		}
	}
	if prev == nil || cfg.Logging.Level != prev.Logging.Level {
		if err := l.runtime.SetLogLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("apply log level: %w", err)
		}
	}
	l.trust.Store(allow)
	l.runtime.SetTrustedCallers(allow.Len())
	l.current.Swap(cfg)
	gen := l.current.Version()
	l.runtime.SetConfigGeneration(gen)

	l.logger.Info("configuration reloaded", "path", path, "generation", gen, "mode", cfg.Mode().String(), "trusted_callers", allow.Len())
	return nil
}
