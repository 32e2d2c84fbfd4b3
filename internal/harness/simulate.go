package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phoenixguard/sentinel/internal/analyzer"
	"github.com/phoenixguard/sentinel/internal/audit"
	"github.com/phoenixguard/sentinel/internal/decoy"
	"github.com/phoenixguard/sentinel/internal/device"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/report"
	"github.com/phoenixguard/sentinel/pkg/identity"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Options configure the in-process sentinel a scenario runs against.
type Options struct {
	Layout      types.Layout
	DecoySize   int
	LogCapacity int
	// Publisher receives the gateway's events, e.g. to print them live.
	Publisher gateway.Publisher
	Logger    *slog.Logger
	// Start is the virtual clock's origin.
	Start time.Time
}

// StepResult is the outcome of one execution of a step.
type StepResult struct {
	Step     int             `json:"step"`
	Name     string          `json:"name,omitempty"`
	Op       types.Operation `json:"-"`
	Action   types.Action    `json:"action"`
	Score    uint32          `json:"score"`
	Value    uint64          `json:"value,omitempty"`
	Applied  bool            `json:"applied"`
	Desc     string          `json:"description"`
	Error    string          `json:"error,omitempty"`
	Mismatch string          `json:"mismatch,omitempty"`
}

// Outcome summarizes a scenario run.
type Outcome struct {
	Scenario    string         `json:"scenario"`
	Mode        string         `json:"mode"`
	Steps       []StepResult   `json:"steps"`
	Mismatches  int            `json:"mismatches"`
	DeviceCalls uint64         `json:"device_calls"`
	Report      *report.Report `json:"report"`

	Gateway *gateway.Gateway `json:"-"`
	Device  *device.Memory   `json:"-"`
}

type virtualClock struct{ t time.Time }

func (c *virtualClock) Now() time.Time { return c.t }

// Run replays sc through a fresh sentinel backed by an in-memory flash part.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Outcome, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	mode, _ := types.ParseMode(sc.Mode)
	trusted, _ := identity.NewAllowlist(sc.Trusted)

	layout := opts.Layout
	if layout.FlashSize == 0 {
		layout = types.DefaultLayout()
	}
	decoySize := opts.DecoySize
	if decoySize <= 0 {
		decoySize = int(layout.FlashSize)
	}
	capacity := opts.LogCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := &virtualClock{t: opts.Start}
	if clk.t.IsZero() {
		clk.t = time.Unix(0, 0).UTC()
	}

	d, err := decoy.New(layout.FlashBase, decoySize)
	if err != nil {
		return nil, fmt.Errorf("decoy: %w", err)
	}
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	gw := gateway.New(gateway.Config{
		Layout:    layout,
		Mode:      mode,
		Analyzer:  analyzer.New(layout, analyzer.WithClock(clk.Now)),
		Log:       audit.NewLog(capacity),
		Decoy:     d,
		Verifier:  trusted,
		Publisher: opts.Publisher,
		Logger:    logger,
		Now:       clk.Now,
	})
	probe := NewProbe(gw, dev, layout, logger)

	out := &Outcome{Scenario: sc.Name, Mode: mode.String(), Gateway: gw, Device: dev}
	for i, st := range sc.Steps {
		n := st.Repeat
		if n == 0 {
			n = 1
		}
		gap := st.After.Duration
		if gap == 0 {
			gap = defaultStepGap
		}
		for r := 0; r < n; r++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			clk.t = clk.t.Add(gap)
			op := types.Operation{
				Kind:    st.kind,
				Address: uint64(st.Address) + uint64(r)*uint64(st.Stride),
				Value:   uint64(st.Value),
				Size:    uint32(st.Size),
				Caller:  st.Caller,
			}
			res, err := probe.Execute(op)
			sr := StepResult{
				Step:    i + 1,
				Name:    st.Name,
				Op:      op,
				Action:  res.Verdict.Action,
				Score:   res.Verdict.Score,
				Value:   res.Value,
				Applied: res.Applied,
				Desc:    res.Verdict.Description,
			}
			if err != nil {
				sr.Error = err.Error()
			}
			if st.expect != "" && st.expect != res.Verdict.Action {
				sr.Mismatch = fmt.Sprintf("expected %s, got %s", st.expect, res.Verdict.Action)
				out.Mismatches++
			}
			out.Steps = append(out.Steps, sr)
		}
	}

	out.DeviceCalls = dev.Calls()
	out.Report = report.NewGenerator(gw, nil).Generate(ctx, report.LevelSummary)
	return out, nil
}
