// Package analyzer turns the stream of intercepted operations into threat findings
// and a cumulative suspicion score.
package analyzer

import (
	"slices"
	"time"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// Thresholds are the cumulative scores whose first crossing is reported.
var Thresholds = []uint64{500, 1000}

// Assessment is the result of classifying one operation.
type Assessment struct {
	Suspicious bool
	Score      uint32
	Findings   []string
}

// Analyzer is not safe for concurrent use; the gateway serializes access.
type Analyzer struct {
	layout types.Layout
	now    func() time.Time
	state  State
}

type Option func(*Analyzer)

// WithClock overrides the time source used to stamp observed operations.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func New(layout types.Layout, opts ...Option) *Analyzer {
	a := &Analyzer{layout: layout, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Update folds op into the analysis state. Call it before Classify.
func (a *Analyzer) Update(op types.Operation) {
	s := &a.state
	l := a.layout
	now := a.now()
	s.LastSeen = now

	switch op.Kind {
	case types.KindFlashWrite:
		s.FlashWrites++
		if s.FirstWrite.IsZero() {
			s.FirstWrite = now
			s.RapidWrites = 1
		} else {
			if now.Sub(s.LastWrite) <= rapidGap {
				s.RapidWrites++
			} else {
				s.RapidWrites = 1
			}
			if op.Address == s.LastWriteAddr+uint64(s.LastWriteSize) {
				s.SequentialWrites++
			} else {
				s.ScatteredWrites++
			}
		}
		s.LastWrite = now
		s.LastWriteAddr = op.Address
		s.LastWriteSize = op.Size
		if s.Stage == StageErased {
			s.Stage = StageWritten
		}
	case types.KindFlashErase:
		s.FlashErases++
		if erasesCritical(l, op) {
			s.ErasedCritical = true
		}
		if s.Stage == StageNone {
			s.Stage = StageErased
		}
	case types.KindTPMAccess:
	case types.KindMicrocodeUpdate:
		s.MicrocodeUpdates++
	case types.KindSecureBootModify:
		s.SecureBootMods++
	case types.KindFlashRead, types.KindRegisterWrite, types.KindRegisterRead,
		types.KindModelRegisterWrite, types.KindModelRegisterRead,
		types.KindMemoryMap, types.KindIOPortAccess:
	}

	if touchesTPM(l, op) {
		s.TPMAccesses++
		if s.TPMAccesses >= tpmTamperThreshold {
			s.TamperedTPM = true
		}
	}
	if op.Kind.IsWrite() && l.InBootBlock(op.Address) {
		s.WroteBootBlock = true
	}
	if writesMicrocode(l, op) {
		s.UpdatedMicrocode = true
	}
	if disablesSecureBoot(l, op) {
		s.DisabledSecureBoot = true
		if s.Stage == StageWritten {
			s.Stage = StageSecureBootDisabled
		}
	}
}

// Classify evaluates op against the current state without modifying it.
func (a *Analyzer) Classify(op types.Operation) Assessment {
	var as Assessment
	for _, set := range [][]Detector{Detectors, Heuristics} {
		for _, d := range set {
			if d.Match(a.layout, op, &a.state) {
				as.Suspicious = true
				as.Score += d.Weight
				as.Findings = append(as.Findings, d.Name)
			}
		}
	}
	return as
}

// Observe updates the state, classifies op and adds a suspicious score to the
// cumulative total. It returns the thresholds crossed for the first time by this call.
func (a *Analyzer) Observe(op types.Operation) (Assessment, []uint64) {
	a.Update(op)
	as := a.Classify(op)
	if !as.Suspicious {
		return as, nil
	}
	a.state.Cumulative += uint64(as.Score)

	var crossed []uint64
	for _, t := range Thresholds {
		if a.state.Cumulative >= t && !slices.Contains(a.state.Reported, t) {
			a.state.Reported = append(a.state.Reported, t)
			crossed = append(crossed, t)
		}
	}
	return as, crossed
}

func (a *Analyzer) Cumulative() uint64 {
	return a.state.Cumulative
}

// WroteBootBlock reports the sticky boot-block flag.
func (a *Analyzer) WroteBootBlock() bool {
	return a.state.WroteBootBlock
}

// Snapshot returns a copy of the current state.
func (a *Analyzer) Snapshot() State {
	return a.state.clone()
}

// Reset clears all counters, flags and the cumulative score.
func (a *Analyzer) Reset() {
	a.state = State{}
}

func (a *Analyzer) Layout() types.Layout {
	return a.layout
}
