// Package gateway decides, for every intercepted hardware operation, whether it reaches
// the real device, is blocked, or is silently served from the decoy image.
package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phoenixguard/sentinel/internal/analyzer"
	"github.com/phoenixguard/sentinel/internal/audit"
	"github.com/phoenixguard/sentinel/internal/decoy"
	"github.com/phoenixguard/sentinel/pkg/identity"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Event types emitted by the gateway.
const (
	EventIntercept        = "intercept"
	EventThresholdCrossed = "threshold_crossed"
	EventModeChanged      = "mode_changed"
	EventStatisticsReset  = "statistics_reset"
)

// Publisher receives gateway events. Publish must not block.
type Publisher interface {
	Publish(ev types.Event)
}

type Config struct {
	Layout   types.Layout
	Mode     types.Mode
	Analyzer *analyzer.Analyzer
	Log      *audit.Log
	// Decoy may be nil when deception is disabled; redirects then degrade to blocks.
	Decoy     *decoy.Store
	Verifier  identity.Verifier
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	// InitErr marks a failed start-up. The gateway then allows everything unscored.
	InitErr error
}

type Gateway struct {
	mu sync.Mutex

	layout   types.Layout
	mode     atomic.Uint32
	analyzer *analyzer.Analyzer
	log      *audit.Log
	decoy    *decoy.Store
	verifier identity.Verifier
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time

	ready    bool
	initErr  error
	warnOnce sync.Once

	intercepts atomic.Uint64
	blocked    atomic.Uint64
	redirected atomic.Uint64
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		layout:   cfg.Layout,
		analyzer: cfg.Analyzer,
		log:      cfg.Log,
		decoy:    cfg.Decoy,
		verifier: cfg.Verifier,
		pub:      cfg.Publisher,
		logger:   cfg.Logger,
		now:      cfg.Now,
		initErr:  cfg.InitErr,
	}
	if g.verifier == nil {
		g.verifier = identity.DenyAll{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.initErr == nil {
		switch {
		case g.analyzer == nil:
			g.initErr = fmt.Errorf("analysis state unavailable: %w", types.ErrNotReady)
		case g.log == nil:
			g.initErr = fmt.Errorf("audit log unavailable: %w", types.ErrNotReady)
		}
	}
	g.ready = g.initErr == nil
	mode := cfg.Mode
	if !mode.Valid() {
		mode = types.ModeActive
	}
	g.mode.Store(uint32(mode))
	return g
}

func (g *Gateway) Ready() bool { return g.ready }

// InitErr returns the reason the gateway failed to initialize, if it did.
func (g *Gateway) InitErr() error { return g.initErr }

func (g *Gateway) Layout() types.Layout { return g.layout }

func (g *Gateway) Mode() types.Mode {
	return types.Mode(g.mode.Load())
}

func (g *Gateway) SetMode(m types.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("mode %d: %w", uint32(m), types.ErrInvalidRequest)
	}
	old := types.Mode(g.mode.Swap(uint32(m)))
	if old != m {
		g.logger.Info("sentinel mode changed", "from", old.String(), "to", m.String())
		g.publish(types.Event{
			Type:    EventModeChanged,
			Message: fmt.Sprintf("%s -> %s", old, m),
			Fields:  map[string]any{"from": old.String(), "to": m.String()},
		})
	}
	return nil
}

// Intercept evaluates one operation and returns the verdict the probe must apply.
// Exactly one audit record is appended per call once the gateway is initialized.
func (g *Gateway) Intercept(op types.Operation) types.Verdict {
	g.intercepts.Add(1)
	if !g.ready {
		g.warnOnce.Do(func() {
			g.logger.Warn("sentinel not initialized; allowing all operations without analysis", "error", g.initErr)
		})
		return types.Verdict{Action: types.ActionAllow, Allow: true, Description: "[FAIL-OPEN] sentinel not initialized"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	mode := g.Mode()
	if !op.Kind.Valid() {
		v := types.Verdict{Action: types.ActionBlock, Description: fmt.Sprintf("[BLOCKED] unknown operation kind 0x%02x", uint32(op.Kind))}
		g.blocked.Add(1)
		g.finish(op, mode, v, nil, nil)
		return v
	}

	as, crossed := g.analyzer.Observe(op)
	trusted := op.Caller != nil && g.verifier.IsTrusted(op.Caller)
	action := Decide(mode, trusted, as.Suspicious)

	tags := make([]string, 0, 4)
	if op.FromOS() {
		tags = append(tags, "[OS-TOOL]")
	}
	if as.Suspicious {
		tags = append(tags, "[SUSPICIOUS]")
	} else {
		tags = append(tags, "[BENIGN]")
	}

	v := types.Verdict{Score: as.Score}
	if action == types.ActionRedirect && op.Kind.RedirectClass() == types.RedirectNone {
		action = types.ActionBlock
	}
	switch action {
	case types.ActionAllow:
		v.Allow = true
		switch {
		case mode == types.ModeForensic:
			tags = append(tags, "[FORENSIC]")
		case mode == types.ModeAntiForage && trusted:
			tags = append(tags, "[OS-ALLOWED]")
		}
	case types.ActionBlock:
		tags = append(tags, "[BLOCKED]")
	case types.ActionRedirect:
		spoof, err := g.redirect(op)
		if err != nil {
			g.logger.Error("decoy redirect failed; blocking", "op", op.String(), "error", err)
			action = types.ActionBlock
			tags = append(tags, "[BLOCKED]", "[REDIRECT-FAILED]")
			break
		}
		v.Redirected = true
		v.SpoofValue = spoof
		if mode == types.ModeAntiForage {
			tags = append(tags, "[ANTI-FORAGE]")
		} else {
			tags = append(tags, "[HONEYPOT]")
		}
	}
	v.Action = action
	if len(crossed) > 0 {
		tags = append(tags, "[BOOTKIT-DETECTED]")
	}

	desc := strings.Join(tags, "") + " " + op.Kind.String() + fmt.Sprintf(" @0x%x", op.Address)
	if as.Suspicious {
		desc += fmt.Sprintf(" score=%d %s", as.Score, strings.Join(as.Findings, ","))
	}
	v.Description = desc

	switch action {
	case types.ActionBlock:
		g.blocked.Add(1)
	case types.ActionRedirect:
		g.redirected.Add(1)
	}

	var fields map[string]any
	if mode == types.ModeForensic {
		fields = forensicCapture(op, as.Findings, g.analyzer.Snapshot().Indicators())
		g.logger.Info("forensic capture", "op", op.String(), "score", as.Score, "findings", as.Findings, "data", fields["data"])
	}
	if as.Suspicious {
		g.logger.Warn("suspicious firmware operation",
			"op", op.String(), "mode", mode.String(), "action", string(action),
			"score", as.Score, "findings", as.Findings, "trusted", trusted)
	}
	g.finish(op, mode, v, as.Findings, fields)

	for _, t := range crossed {
		cum := g.analyzer.Cumulative()
		g.logger.Error("bootkit suspicion threshold crossed", "threshold", t, "cumulative", cum)
		g.publish(types.Event{
			Type:    EventThresholdCrossed,
			Mode:    mode.String(),
			Message: fmt.Sprintf("cumulative suspicion score %d crossed %d", cum, t),
			Fields:  map[string]any{"threshold": t, "cumulative": cum, "indicators": g.analyzer.Snapshot().Indicators()},
		})
	}
	return v
}

func (g *Gateway) finish(op types.Operation, mode types.Mode, v types.Verdict, findings []string, fields map[string]any) {
	now := g.now()
	seq := g.log.Append(types.AuditRecord{
		Timestamp:   now,
		Kind:        op.Kind,
		Address:     op.Address,
		Value:       op.Value,
		Size:        op.Size,
		Caller:      op.CallerID(),
		Allowed:     v.Allow,
		Redirected:  v.Redirected,
		Score:       v.Score,
		Description: v.Description,
	})
	var cum uint64
	if g.analyzer != nil {
		cum = g.analyzer.Cumulative()
	}
	g.publish(types.Event{
		Timestamp: now,
		Type:      EventIntercept,
		Mode:      mode.String(),
		Seq:       seq,
		Verdict: &types.VerdictInfo{
			Action:     v.Action,
			Redirected: v.Redirected,
			Score:      v.Score,
			Cumulative: cum,
			Findings:   findings,
		},
		Operation: op.Kind.String(),
		Address:   op.Address,
		Size:      op.Size,
		Value:     op.Value,
		Caller:    op.CallerID(),
		Message:   v.Description,
		Fields:    fields,
	})
}

func (g *Gateway) publish(ev types.Event) {
	if g.pub == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now()
	}
	g.pub.Publish(ev)
}

// Status is a point-in-time summary of the gateway.
type Status struct {
	Active      bool       `json:"active"`
	Mode        types.Mode `json:"mode"`
	Intercepts  uint64     `json:"intercepts"`
	Blocked     uint64     `json:"blocked"`
	Redirected  uint64     `json:"redirected"`
	Score       uint64     `json:"score"`
	LogCount    int        `json:"log_count"`
	LogCapacity int        `json:"log_capacity"`
	LogTotal    uint64     `json:"log_total"` // appended since reset, overwritten ones included
	DecoyActive bool       `json:"decoy_active"`
	DecoySize   int        `json:"decoy_size"`
	DecoyDirty  bool       `json:"decoy_dirty"`
}

func (g *Gateway) Status() Status {
	st := Status{
		Active:     g.ready,
		Mode:       g.Mode(),
		Intercepts: g.intercepts.Load(),
		Blocked:    g.blocked.Load(),
		Redirected: g.redirected.Load(),
	}
	if g.decoy != nil {
		st.DecoyActive = true
		st.DecoySize = g.decoy.Size()
		st.DecoyDirty = g.decoy.Dirty()
	}
	if !g.ready {
		return st
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	st.Score = g.analyzer.Cumulative()
	st.LogCount = g.log.Count()
	st.LogCapacity = g.log.Capacity()
	st.LogTotal = g.log.Total()
	return st
}

// Analysis returns a copy of the analyzer state.
func (g *Gateway) Analysis() analyzer.State {
	if !g.ready {
		return analyzer.State{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.analyzer.Snapshot()
}

// WroteBootBlock reports whether a boot-block modification has been observed.
func (g *Gateway) WroteBootBlock() bool {
	if !g.ready {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.analyzer.WroteBootBlock()
}

// Records exports the audit log, oldest first.
func (g *Gateway) Records() []types.AuditRecord {
	if g.log == nil {
		return nil
	}
	return g.log.Export()
}

// Decoy returns the decoy store, or nil when deception is disabled.
func (g *Gateway) Decoy() *decoy.Store {
	return g.decoy
}

// ResetStatistics clears the analysis state, the counters and the audit log.
// The decoy image is kept.
func (g *Gateway) ResetStatistics() error {
	if !g.ready {
		return fmt.Errorf("reset: %w", types.ErrNotReady)
	}
	g.mu.Lock()
	g.analyzer.Reset()
	g.log.Clear()
	g.intercepts.Store(0)
	g.blocked.Store(0)
	g.redirected.Store(0)
	g.mu.Unlock()

	g.logger.Info("sentinel statistics reset")
	g.publish(types.Event{Type: EventStatisticsReset, Mode: g.Mode().String()})
	return nil
}
