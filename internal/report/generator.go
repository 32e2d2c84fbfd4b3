package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phoenixguard/sentinel/internal/analyzer"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/platform"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Source is the part of the gateway a report is built from.
type Source interface {
	Status() gateway.Status
	Analysis() analyzer.State
	Records() []types.AuditRecord
}

// Generator creates reports from live gateway state.
type Generator struct {
	src   Source
	probe platform.Prober
	now   func() time.Time
}

// NewGenerator creates a report generator. A nil prober leaves the platform
// section out of reports.
func NewGenerator(src Source, probe platform.Prober) *Generator {
	return &Generator{src: src, probe: probe, now: time.Now}
}

// Generate creates a report at the given level.
func (g *Generator) Generate(ctx context.Context, level Level) *Report {
	st := g.src.Status()
	an := g.src.Analysis()
	records := g.src.Records()

	r := &Report{
		GeneratedAt:        g.now().UTC(),
		Level:              level,
		Verdict:            VerdictFor(st.Score),
		Score:              st.Score,
		ThresholdsReported: an.Reported,
		Indicators:         an.Indicators(),
		KillChainStage:     an.Stage.String(),
		Mode:               st.Mode.String(),
		Active:             st.Active,
		Statistics: Statistics{
			Intercepts:  st.Intercepts,
			Blocked:     st.Blocked,
			Redirected:  st.Redirected,
			LogCount:    st.LogCount,
			LogCapacity: st.LogCapacity,
		},
		Counters: Counters{
			FlashWrites:      an.FlashWrites,
			FlashErases:      an.FlashErases,
			TPMAccesses:      an.TPMAccesses,
			MicrocodeUpdates: an.MicrocodeUpdates,
			SecureBootMods:   an.SecureBootMods,
			SequentialWrites: an.SequentialWrites,
			ScatteredWrites:  an.ScatteredWrites,
			RapidWrites:      an.RapidWrites,
		},
		Decoy: DecoySummary{
			Active: st.DecoyActive,
			Size:   st.DecoySize,
			Dirty:  st.DecoyDirty,
		},
		Findings: detectFindings(an, records),
	}
	if r.Indicators == nil {
		r.Indicators = []string{}
	}

	if g.probe != nil {
		ps := g.probe.Probe(ctx)
		r.Platform = &ps
	}

	if level == LevelDetailed {
		r.Timeline = records
	}
	return r
}

// JSON renders a summary report. It matches bridge.ReportFunc.
func (g *Generator) JSON() ([]byte, error) {
	return json.Marshal(g.Generate(context.Background(), LevelSummary))
}
