// Package server runs the sentinel daemon: the gateway with its analyzer, decoy and
// audit log, the OS bridge transports, event persistence and the HTTP status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/phoenixguard/sentinel/internal/analyzer"
	"github.com/phoenixguard/sentinel/internal/api"
	"github.com/phoenixguard/sentinel/internal/audit"
	"github.com/phoenixguard/sentinel/internal/bridge"
	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/internal/decoy"
	"github.com/phoenixguard/sentinel/internal/device"
	"github.com/phoenixguard/sentinel/internal/events"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/metrics"
	"github.com/phoenixguard/sentinel/internal/platform"
	"github.com/phoenixguard/sentinel/internal/report"
	"github.com/phoenixguard/sentinel/internal/store/composite"
	"github.com/phoenixguard/sentinel/pkg/hotreload"
	"github.com/phoenixguard/sentinel/pkg/identity"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	gw      *gateway.Gateway
	trust   *identity.Swappable
	dev     device.Flash
	bridge  *bridge.Bridge
	store   *composite.Store
	broker  *events.Broker
	metrics *metrics.Collector
	reports *report.Generator
	runtime *hotreload.RuntimeConfig
	reload  *hotreload.ConfigManager

	httpServer *http.Server
	httpLn     net.Listener

	sockLn   net.Listener
	sockPath string
	sock     *bridge.SocketServer

	shm         *bridge.SharedRegion
	shmInterval time.Duration

	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	configPath string
	logger     *slog.Logger
	level      *slog.LevelVar
	prober     platform.Prober
}

// WithConfigPath watches path and applies changes while the daemon runs.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger uses logger instead of one built from the logging config. level, when
// non-nil, is adjusted on runtime log level changes.
func WithLogger(logger *slog.Logger, level *slog.LevelVar) Option {
	return func(o *options) {
		o.logger = logger
		o.level = level
	}
}

// WithProber overrides the platform probe used in reports.
func WithProber(p platform.Prober) Option {
	return func(o *options) { o.prober = p }
}

func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg, level: o.level, logger: o.logger}
	if s.level == nil {
		s.level = new(slog.LevelVar)
	}
	if s.logger == nil {
		logger, closer, err := NewLogger(cfg.Logging, s.level)
		if err != nil {
			return nil, err
		}
		s.logger = logger
		s.closers = append(s.closers, closer)
	}

	if err := os.MkdirAll(cfg.Sentinel.DataDir, 0o750); err != nil {
		s.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	allow, err := identity.NewAllowlist(cfg.Identity.Trusted)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("identity.trusted: %w", err)
	}
	s.trust = identity.NewSwappable(allow)

	dev, err := openDevice(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.dev = dev
	if c, ok := dev.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	// A decoy that cannot be built fails the gateway open rather than stopping the boot.
	layout := cfg.Layout
	var initErr error
	var d *decoy.Store
	if *cfg.Decoy.Enabled {
		d, err = decoy.New(layout.FlashBase, int(config.SizeBytes(cfg.Decoy.Size)))
		if err != nil {
			initErr = fmt.Errorf("decoy: %w", err)
		}
	}

	s.broker = events.NewBroker(s.logger)
	s.gw = gateway.New(gateway.Config{
		Layout:    layout,
		Mode:      cfg.Mode(),
		Analyzer:  analyzer.New(layout),
		Log:       audit.NewLog(cfg.Audit.Capacity),
		Decoy:     d,
		Verifier:  s.trust,
		Publisher: s.broker,
		Logger:    s.logger,
		InitErr:   initErr,
	})

	s.metrics = metrics.New()
	s.metrics.Register(metrics.HandlerOptions{
		DroppedEvents: s.broker.DroppedCount,
		LogCount:      func() int { return s.gw.Status().LogCount },
		Active:        s.gw.Ready,
	})

	st, err := openStores(context.Background(), cfg, s.metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = st

	prober := o.prober
	if prober == nil {
		if *cfg.Sentinel.PlatformProbe {
			prober = platform.Host{}
		} else {
			prober = platform.Disabled{}
		}
	}
	s.reports = report.NewGenerator(s.gw, prober)

	s.bridge = bridge.New(bridge.Config{
		Gateway:    s.gw,
		Device:     s.dev,
		Report:     s.reports.JSON,
		MaxRequest: uint32(config.SizeBytes(cfg.Bridge.MaxRequest)),
		Logger:     s.logger,
	})

	s.runtime = hotreload.NewRuntimeConfig(
		hotreload.WithInitial(cfg.Logging.Level, cfg.Mode().String()),
		hotreload.WithLogLevelCallback(func(level string) error {
			lvl, err := ParseLevel(level)
			if err != nil {
				return err
			}
			s.level.Set(lvl)
			return nil
		}),
		hotreload.WithModeCallback(func(mode string) error {
			m, err := types.ParseMode(mode)
			if err != nil {
				return err
			}
			return s.gw.SetMode(m)
		}),
	)
	s.runtime.SetTrustedCallers(allow.Len())

	managerOpts := []hotreload.ConfigManagerOption{hotreload.WithRuntimeConfig(s.runtime)}
	if o.configPath != "" {
		w, err := hotreload.NewConfigWatcher(hotreload.WatcherConfig{
			Path: o.configPath,
			Loader: &configLoader{
				current: hotreload.NewReloadable(cfg),
				trust:   s.trust,
				runtime: s.runtime,
				logger:  s.logger,
			},
			OnChange: func(path string, err error) {
				if err != nil {
					s.logger.Warn("config reload rejected", "path", path, "error", err)
				}
			},
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		managerOpts = append(managerOpts, hotreload.WithConfigWatcher(w))
	}
	s.reload = hotreload.NewConfigManager(managerOpts...)

	if err := s.listen(); err != nil {
		s.Close()
		return nil, err
	}

	if !s.gw.Ready() {
		s.logger.Warn("sentinel failed to initialize; all operations are allowed unscored", "error", s.gw.InitErr())
	}
	return s, nil
}

func openDevice(cfg *config.Config) (device.Flash, error) {
	switch cfg.Device.Type {
	case "file":
		f, err := device.OpenFile(cfg.Device.ImagePath, cfg.Layout.FlashBase)
		if err != nil {
			return nil, fmt.Errorf("open flash image: %w", err)
		}
		return f, nil
	default:
		return device.NewMemory(cfg.Layout.FlashBase, int(config.SizeBytes(cfg.Device.Size))), nil
	}
}

func (s *Server) listen() error {
	cfg := s.cfg
	if cfg.Server.HTTP.Enabled {
		addr := cfg.Server.HTTP.Addr
		if cfg.Server.HTTP.APIKeyEnv == "" && !isLoopbackListenAddr(addr) {
			return fmt.Errorf("refusing to listen on %q without server.http.api_key_env (use 127.0.0.1/localhost or set an API key)", addr)
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		s.httpLn = ln
		app := api.NewApp(cfg, s.gw, s.store, s.broker, s.reports, s.reload, s.metrics)
		s.httpServer = &http.Server{
			Handler:           withRequestBodyLimit(app.Router(), 1<<20),
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       config.Duration(cfg.Server.HTTP.ReadTimeout, 30*time.Second),
			WriteTimeout:      config.Duration(cfg.Server.HTTP.WriteTimeout, 5*time.Minute),
		}
	}

	if cfg.Bridge.Socket.Enabled {
		path := cfg.Bridge.Socket.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("bridge socket mkdir: %w", err)
		}
		perm, _ := strconv.ParseUint(cfg.Bridge.Socket.Permissions, 8, 32)
		ln, err := bridge.ListenUnix(path, os.FileMode(perm))
		if err != nil {
			return err
		}
		s.sockLn = ln
		s.sockPath = path
		s.sock = &bridge.SocketServer{
			Bridge:        s.bridge,
			RatePerSecond: cfg.Bridge.RateLimit.RequestsPerSecond,
			Burst:         cfg.Bridge.RateLimit.Burst,
			Logger:        s.logger,
		}
	}

	if cfg.Bridge.SharedMemory.Enabled {
		path := cfg.Bridge.SharedMemory.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("bridge shared memory mkdir: %w", err)
		}
		region, err := bridge.OpenSharedRegion(path, int(config.SizeBytes(cfg.Bridge.SharedMemory.Size)), true)
		if err != nil {
			return err
		}
		s.shm = region
		s.shmInterval = config.Duration(cfg.Bridge.SharedMemory.PollInterval, time.Millisecond)
	}
	return nil
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" || strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives. SIGHUP re-reads the
// config file when one is watched.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := s.broker.Subscribe(s.cfg.Sentinel.EventBuffer)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		(&pump{store: s.store, runtime: s.runtime, logger: s.logger}).run(sub)
	}()
	defer func() {
		s.broker.Unsubscribe(sub)
		<-pumpDone
	}()

	if err := s.reload.Start(ctx); err != nil {
		return err
	}
	defer s.reload.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if s.reload.Watcher() == nil {
					s.logger.Info("SIGHUP ignored: no config file is watched")
					continue
				}
				if err := s.reload.TriggerReload(); err != nil {
					s.logger.Warn("config reload", "error", err)
				}
			}
		}
	}()

	bridgeCtx, cancelBridge := context.WithCancel(ctx)
	defer cancelBridge()
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if s.httpServer != nil {
		go func() {
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()
	}
	if s.sock != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sock.Serve(bridgeCtx, s.sockLn); err != nil {
				errCh <- err
			}
		}()
	}
	if s.shm != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.shm.Serve(bridgeCtx, s.bridge, s.shmInterval); err != nil {
				errCh <- fmt.Errorf("bridge shared memory: %w", err)
			}
		}()
	}

	s.logger.Info("sentinel running",
		"mode", s.gw.Mode().String(),
		"active", s.gw.Ready(),
		"http", s.HTTPAddr(),
		"bridge_socket", s.sockPath,
		"bridge_shm", s.shm != nil,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("server: %w", err)
	}

	cancelBridge()
	wg.Wait()
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	s.logger.Info("sentinel stopped")
	return runErr
}

// Close releases listeners, the device and the event stores. It is safe to call
// after Run returns and on a partially constructed server.
func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.sockLn != nil {
		_ = s.sockLn.Close()
		s.sockLn = nil
	}
	if s.sockPath != "" {
		_ = os.Remove(s.sockPath)
		s.sockPath = ""
	}
	if s.shm != nil {
		_ = s.shm.Close()
		s.shm = nil
	}
	var firstErr error
	if s.store != nil {
		firstErr = s.store.Close()
		s.store = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
	return firstErr
}

func (s *Server) Gateway() *gateway.Gateway { return s.gw }

func (s *Server) Bridge() *bridge.Bridge { return s.bridge }

func (s *Server) Runtime() *hotreload.RuntimeConfig { return s.runtime }

// HTTPAddr returns the bound HTTP address, or "" when the API is disabled.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// SocketPath returns the bridge socket path, or "" when the socket is disabled.
func (s *Server) SocketPath() string { return s.sockPath }
