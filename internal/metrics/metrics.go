// Package metrics exposes gateway activity in the Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// Collector owns a private registry so several instances can coexist in tests.
type Collector struct {
	reg       *prometheus.Registry
	startedAt time.Time

	events     *prometheus.CounterVec
	intercepts *prometheus.CounterVec
	scores     *prometheus.HistogramVec
	cumulative prometheus.Gauge
	thresholds *prometheus.CounterVec
	modes      *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{
		reg:       reg,
		startedAt: time.Now().UTC(),

		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_total",
				Help: "Total number of events persisted, by type.",
			},
			[]string{"type"},
		),
		intercepts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_intercepts_total",
				Help: "Intercepted hardware operations by kind and effective action.",
			},
			[]string{"operation", "action"},
		),
		scores: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_verdict_score",
				Help:    "Suspicion score assigned to individual operations.",
				Buckets: []float64{0, 100, 250, 500, 750, 1000, 1500, 2500},
			},
			[]string{"operation"},
		),
		cumulative: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_suspicion_score",
			Help: "Cumulative suspicion score since the last statistics reset.",
		}),
		thresholds: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_thresholds_crossed_total",
				Help: "Suspicion thresholds crossed.",
			},
			[]string{"threshold"},
		),
		modes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_mode_changes_total",
				Help: "Mode changes by target mode.",
			},
			[]string{"mode"},
		),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sentinel_uptime_seconds",
		Help: "Seconds since the collector was created.",
	}, func() float64 { return time.Since(c.startedAt).Seconds() })
	return c
}

// Observe records one gateway event.
func (c *Collector) Observe(ev types.Event) {
	if c == nil {
		return
	}
	typ := ev.Type
	if typ == "" {
		typ = "unknown"
	}
	c.events.WithLabelValues(typ).Inc()

	switch ev.Type {
	case "intercept":
		if ev.Verdict == nil {
			return
		}
		c.intercepts.WithLabelValues(ev.Operation, string(ev.Verdict.Action)).Inc()
		c.scores.WithLabelValues(ev.Operation).Observe(float64(ev.Verdict.Score))
		c.cumulative.Set(float64(ev.Verdict.Cumulative))
	case "threshold_crossed":
		c.thresholds.WithLabelValues(fieldString(ev.Fields, "threshold")).Inc()
	case "mode_changed":
		c.modes.WithLabelValues(fieldString(ev.Fields, "to")).Inc()
	case "statistics_reset":
		c.cumulative.Set(0)
	}
}

type HandlerOptions struct {
	// DroppedEvents reports events lost to slow subscribers.
	DroppedEvents func() int64
	// LogCount reports the number of records in the audit ring.
	LogCount func() int
	// Active reports whether the gateway initialized.
	Active func() bool
}

// Register adds gauges backed by live callbacks. Call it once.
func (c *Collector) Register(opts HandlerOptions) {
	f := promauto.With(c.reg)
	if opts.DroppedEvents != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "sentinel_events_dropped_total",
			Help: "Events dropped due to slow subscribers.",
		}, func() float64 { return float64(opts.DroppedEvents()) })
	}
	if opts.LogCount != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sentinel_audit_records",
			Help: "Records currently held in the audit ring.",
		}, func() float64 { return float64(opts.LogCount()) })
	}
	if opts.Active != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sentinel_up",
			Help: "Whether the gateway is active (1) or failed open (0).",
		}, func() float64 {
			if opts.Active() {
				return 1
			}
			return 0
		})
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func fieldString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case uint64:
		return strconv.FormatUint(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "unknown"
}
