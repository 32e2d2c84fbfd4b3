// Package otel ships gateway events to an OTLP collector as log records.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/pkg/types"
)

const scopeName = "github.com/phoenixguard/sentinel/gateway"

// Config describes the collector connection and batching.
type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter   Filter
	Resource *resource.Resource
}

// Store is a write-only store.EventStore. Records are batched; a
// threshold crossing forces the pending batch out so incidents reach
// the collector without waiting for the export interval.
type Store struct {
	filter   Filter
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

// New dials nothing up front: the exporters connect lazily on first export.
func New(ctx context.Context, cfg Config) (*Store, error) {
	exp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	interval := cfg.BatchTimeout
	if interval == 0 {
		interval = 5 * time.Second
	}
	maxBatch := cfg.BatchMaxSize
	if maxBatch == 0 {
		maxBatch = 512
	}

	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(interval),
		sdklog.WithExportMaxBatchSize(maxBatch),
	)
	return newStore(cfg.Filter, proc, cfg.Resource), nil
}

func newStore(filter Filter, proc sdklog.Processor, res *resource.Resource) *Store {
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(proc)}
	if res != nil {
		opts = append(opts, sdklog.WithResource(res))
	}
	provider := sdklog.NewLoggerProvider(opts...)
	return &Store{
		filter:   filter,
		provider: provider,
		logger:   provider.Logger(scopeName),
	}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var (
		score   uint32
		allowed bool
	)
	if ev.Verdict != nil {
		score = ev.Verdict.Score
		allowed = ev.Verdict.Action == types.ActionAllow
	}
	if !s.filter.Match(ev.Type, ev.Operation, score, ev.Verdict != nil, allowed) {
		return nil
	}

	s.logger.Emit(ctx, convertToLogRecord(ev))
	if ev.Type == "threshold_crossed" {
		if err := s.provider.ForceFlush(ctx); err != nil {
			slog.Warn("otel: flush after threshold crossing failed", "error", err)
		}
	}
	return nil
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("otel: %w", store.ErrQueryUnsupported)
}

// Close flushes pending records, giving the collector ten seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func clientTLS(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	var tlsCfg *tls.Config
	if cfg.TLSEnabled {
		var err error
		if tlsCfg, err = clientTLS(cfg); err != nil {
			return nil, err
		}
	}

	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		} else {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}
