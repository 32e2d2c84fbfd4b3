package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phoenixguard/sentinel/internal/audit"
	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/metrics"
	storepkg "github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/internal/store/composite"
	"github.com/phoenixguard/sentinel/internal/store/jsonl"
	"github.com/phoenixguard/sentinel/internal/store/otel"
	"github.com/phoenixguard/sentinel/internal/store/sqlite"
	"github.com/phoenixguard/sentinel/internal/store/webhook"
	"github.com/phoenixguard/sentinel/pkg/hotreload"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// openStores builds the event persistence chain: sqlite is the queryable primary,
// wrapped so metrics count each event once; jsonl, webhook and OTEL receive copies.
func openStores(ctx context.Context, cfg *config.Config, mc *metrics.Collector) (*composite.Store, error) {
	db, err := sqlite.Open(cfg.Audit.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	var eventStores []storepkg.EventStore
	closeAll := func() {
		for _, st := range eventStores {
			_ = st.Close()
		}
		_ = db.Close()
	}

	if cfg.Audit.Output != "" {
		var opts []jsonl.Option
		if cfg.Audit.Integrity.Enabled {
			key, err := audit.LoadKey(cfg.Audit.Integrity.KeyFile, cfg.Audit.Integrity.KeyEnv)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("audit integrity: %w", err)
			}
			chain, err := audit.NewIntegrityChain(key, cfg.Audit.Integrity.Algorithm)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("audit integrity: %w", err)
			}
			opts = append(opts, jsonl.WithIntegrity(chain))
		}
		jsonlStore, err := jsonl.New(cfg.Audit.Output, cfg.Audit.Rotation.MaxSizeMB, cfg.Audit.Rotation.MaxBackups, opts...)
		if err != nil {
			closeAll()
			return nil, err
		}
		eventStores = append(eventStores, jsonlStore)
	}

	if wh := cfg.Audit.Webhook; wh.URL != "" {
		webhookStore, err := webhook.New(webhook.Config{
			URL:           wh.URL,
			BatchSize:     wh.BatchSize,
			FlushInterval: config.Duration(wh.FlushInterval, 10*time.Second),
			Timeout:       config.Duration(wh.Timeout, 5*time.Second),
			Headers:       wh.Headers,
			EventTypes:    wh.EventTypes,
			Urgent:        wh.Urgent,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		eventStores = append(eventStores, webhookStore)
	}

	if oc := cfg.OTEL; oc.Enabled {
		ocfg := otel.Config{
			Endpoint:     oc.Endpoint,
			Protocol:     oc.Protocol,
			TLSEnabled:   oc.TLS.Enabled,
			TLSCertFile:  oc.TLS.CertFile,
			TLSKeyFile:   oc.TLS.KeyFile,
			TLSInsecure:  oc.TLS.Insecure,
			Headers:      oc.Headers,
			Timeout:      config.Duration(oc.Timeout, 10*time.Second),
			BatchTimeout: config.Duration(oc.BatchTimeout, 5*time.Second),
			BatchMaxSize: oc.BatchMaxSize,
			Filter: otel.Filter{
				IncludeTypes:      oc.Filter.IncludeTypes,
				ExcludeTypes:      oc.Filter.ExcludeTypes,
				IncludeOperations: oc.Filter.IncludeOperations,
				MinScore:          oc.Filter.MinScore,
				SkipAllowed:       oc.Filter.SkipAllowed,
			},
			Resource: otel.BuildResource(oc.ServiceName, map[string]string{"sentinel.mode": cfg.Sentinel.Mode}),
		}
		otelStore, err := otel.New(ctx, ocfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		eventStores = append(eventStores, otelStore)
	}

	return composite.New(metrics.WrapEventStore(db, mc), eventStores...), nil
}

// pump drains the broker into the stores. It returns once ch is closed and empty.
type pump struct {
	store   storepkg.EventStore
	runtime *hotreload.RuntimeConfig
	logger  *slog.Logger
	failed  int
}

func (p *pump) run(ch <-chan types.Event) {
	for ev := range ch {
		if ev.Type == gateway.EventModeChanged && p.runtime != nil {
			if to, ok := ev.Fields["to"].(string); ok {
				p.runtime.ObserveMode(to)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.store.AppendEvent(ctx, ev)
		cancel()
		if err != nil {
			p.failed++
			if p.failed == 1 || p.failed%100 == 0 {
				p.logger.Warn("event store append failed", "type", ev.Type, "seq", ev.Seq, "error", err, "total_failed", p.failed)
			}
		}
	}
}
