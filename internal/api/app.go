// Package api serves the sentinel's HTTP status API.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/internal/events"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/metrics"
	"github.com/phoenixguard/sentinel/internal/report"
	"github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/internal/store/composite"
	"github.com/phoenixguard/sentinel/pkg/hotreload"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type App struct {
	cfg     *config.Config
	gw      *gateway.Gateway
	store   *composite.Store
	broker  *events.Broker
	reports *report.Generator
	reload  *hotreload.ConfigManager
	runtime *hotreload.RuntimeConfig
	metrics *metrics.Collector

	apiKey string
}

func NewApp(cfg *config.Config, gw *gateway.Gateway, st *composite.Store, broker *events.Broker, reports *report.Generator, cm *hotreload.ConfigManager, mc *metrics.Collector) *App {
	a := &App{cfg: cfg, gw: gw, store: st, broker: broker, reports: reports, reload: cm, metrics: mc}
	if cm != nil {
		a.runtime = cm.Runtime()
	}
	if env := cfg.Server.HTTP.APIKeyEnv; env != "" {
		a.apiKey = os.Getenv(env)
	}
	return a
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
		if !a.gw.Ready() {
			writeText(w, http.StatusOK, "degraded\n")
			return
		}
		writeText(w, http.StatusOK, "ok\n")
	})
	if a.metrics != nil && a.cfg.Metrics.Enabled {
		r.Handle(a.cfg.Metrics.Path, a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Get("/status", a.status)
		r.Get("/logs", a.logs)
		r.Get("/report", a.report)
		r.Get("/decoy", a.decoyImage)
		r.Put("/mode", a.setMode)
		r.Post("/reset", a.reset)

		r.Get("/events", a.searchEvents)
		r.Get("/events/stream", a.streamEvents)
		r.Get("/events/ws", a.eventsWS)
		r.Get("/incidents", a.incidents)

		r.Get("/reload", a.reloadStatus)
		r.Post("/reload", a.triggerReload)
		if a.runtime != nil {
			r.Mount("/runtime", http.StripPrefix("/api/v1/runtime", a.runtime.HTTPHandler()))
		}
	})

	return r
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if a.cfg.Server.HTTP.APIKeyEnv == "" {
		return next
	}
	if a.apiKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": "api key auth enabled but key not set",
			})
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	st := a.gw.Status()
	resp := map[string]any{
		"status":     st,
		"mode_name":  st.Mode.String(),
		"kill_chain": a.gw.Analysis().Stage.String(),
	}
	if err := a.gw.InitErr(); err != nil {
		resp["init_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) logs(w http.ResponseWriter, r *http.Request) {
	recs := a.gw.Records()
	if n, _ := strconv.Atoi(r.URL.Query().Get("tail")); n > 0 && n < len(recs) {
		recs = recs[len(recs)-n:]
	}
	if recs == nil {
		recs = []types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) report(w http.ResponseWriter, r *http.Request) {
	level := report.LevelSummary
	switch l := r.URL.Query().Get("level"); l {
	case "", string(report.LevelSummary):
	case string(report.LevelDetailed):
		level = report.LevelDetailed
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid level %q", l)})
		return
	}
	rep := a.reports.Generate(r.Context(), level)
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, rep)
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(report.FormatMarkdown(rep)))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "format must be json or markdown"})
	}
}

func (a *App) decoyImage(w http.ResponseWriter, r *http.Request) {
	d := a.gw.Decoy()
	if d == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "decoy disabled"})
		return
	}
	n := -1
	if s := r.URL.Query().Get("size"); s != "" {
		v, err := config.ParseByteSize(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		n = int(v)
	}
	data := d.Export(n)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) setMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	m, err := types.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := a.gw.SetMode(m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if a.runtime != nil {
		a.runtime.ObserveMode(m.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": m})
}

func (a *App) reset(w http.ResponseWriter, r *http.Request) {
	if err := a.gw.ResetStatistics(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.gw.Status())
}

func (a *App) reloadStatus(w http.ResponseWriter, r *http.Request) {
	if a.reload == nil {
		writeJSON(w, http.StatusOK, hotreload.ConfigManagerStatus{})
		return
	}
	writeJSON(w, http.StatusOK, a.reload.Status())
}

func (a *App) triggerReload(w http.ResponseWriter, r *http.Request) {
	if a.reload == nil || a.reload.Watcher() == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "no config file is being watched"})
		return
	}
	if err := a.reload.TriggerReload(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reload scheduled"})
}

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	evs, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrQueryUnsupported) {
			status = http.StatusNotImplemented
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []types.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *App) incidents(w http.ResponseWriter, r *http.Request) {
	incs, err := a.store.Incidents(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrQueryUnsupported) {
			status = http.StatusNotImplemented
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, incs)
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	v := r.URL.Query()
	var q types.EventQuery
	if t := v.Get("type"); t != "" {
		q.Types = strings.Split(t, ",")
	}
	q.Operation = v.Get("operation")
	q.Caller = v.Get("caller")
	if action := v.Get("action"); action != "" {
		switch act := types.Action(action); act {
		case types.ActionAllow, types.ActionBlock, types.ActionRedirect:
			q.Action = &act
		default:
			return q, fmt.Errorf("action: unknown action %q", action)
		}
	}
	q.TextLike = v.Get("text_like")
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
