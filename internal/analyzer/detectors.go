package analyzer

import (
	"time"

	"github.com/phoenixguard/sentinel/pkg/types"
)

const (
	tpmTamperThreshold  = 5
	massEraseSize       = 1 << 20
	massEraseCount      = 10
	rapidFireThreshold  = 20
	persistenceWrites   = 5
	rapidGap            = 100 * time.Millisecond
	timingWindow        = time.Second
	timingWriteCount    = 10
	sentinelRangeLength = 0x10000
	highAddressFloor    = 0xF0000000
)

// Detector is a named predicate over an operation and the analyzer state.
type Detector struct {
	Name   string
	Weight uint32
	Match  func(l types.Layout, op types.Operation, s *State) bool
}

// Detectors are the known bootkit behaviour patterns.
var Detectors = []Detector{
	{"boot-block-modification", 500, detectBootBlock},
	{"secure-boot-disabling", 400, detectSecureBootDisable},
	{"tpm-tampering", 450, detectTPMTamper},
	{"microcode-infection", 600, detectMicrocode},
	{"mass-flash-erase", 300, detectMassErase},
	{"rapid-fire-writes", 250, detectRapidFire},
	{"persistence-attempt", 350, detectPersistence},
	{"anti-analysis", 200, detectAntiAnalysis},
}

// Heuristics add fixed bonuses independent of the detector table.
var Heuristics = []Detector{
	{"address-heuristic", 100, addressHeuristic},
	{"timing-heuristic", 150, timingHeuristic},
	{"sequence-heuristic", 200, sequenceHeuristic},
}

func touchesTPM(l types.Layout, op types.Operation) bool {
	return op.Kind == types.KindTPMAccess || l.InTPM(op.Address)
}

func disablesSecureBoot(l types.Layout, op types.Operation) bool {
	if op.Value != 0 && op.Value != 0xFFFFFFFF {
		return false
	}
	switch op.Kind {
	case types.KindSecureBootModify:
		return true
	case types.KindFlashWrite:
		return l.InSecureBoot(op.Address)
	default:
		return false
	}
}

func writesMicrocode(l types.Layout, op types.Operation) bool {
	switch op.Kind {
	case types.KindMicrocodeUpdate:
		return true
	case types.KindFlashWrite:
		return l.InMicrocode(op.Address)
	default:
		return false
	}
}

func erasesCritical(l types.Layout, op types.Operation) bool {
	if op.Kind != types.KindFlashErase {
		return false
	}
	return l.InBootBlock(op.Address) || l.InSecureBoot(op.Address) || l.InMicrocode(op.Address)
}

func detectBootBlock(l types.Layout, op types.Operation, _ *State) bool {
	return op.Kind.IsWrite() && l.InBootBlock(op.Address)
}

func detectSecureBootDisable(l types.Layout, op types.Operation, _ *State) bool {
	return disablesSecureBoot(l, op)
}

func detectTPMTamper(l types.Layout, op types.Operation, s *State) bool {
	return touchesTPM(l, op) && s.TPMAccesses >= tpmTamperThreshold
}

func detectMicrocode(l types.Layout, op types.Operation, _ *State) bool {
	return writesMicrocode(l, op)
}

func detectMassErase(_ types.Layout, op types.Operation, s *State) bool {
	return op.Kind == types.KindFlashErase && (op.Size > massEraseSize || s.FlashErases > massEraseCount)
}

func detectRapidFire(_ types.Layout, op types.Operation, s *State) bool {
	return op.Kind == types.KindFlashWrite && s.RapidWrites > rapidFireThreshold
}

func detectPersistence(_ types.Layout, _ types.Operation, s *State) bool {
	return s.WroteBootBlock && s.DisabledSecureBoot && s.FlashWrites > persistenceWrites
}

func detectAntiAnalysis(_ types.Layout, _ types.Operation, s *State) bool {
	if s.ScatteredWrites > 3*s.SequentialWrites {
		return true
	}
	return s.RapidWrites > 0 && s.RapidWrites < 5
}

func addressHeuristic(l types.Layout, op types.Operation, _ *State) bool {
	for _, base := range []uint64{l.FlashBase, l.BootBlockBase - sentinelRangeLength, l.BootBlockBase} {
		if op.Address >= base && op.Address-base < sentinelRangeLength {
			return true
		}
	}
	return op.Kind == types.KindFlashWrite && op.Address >= highAddressFloor
}

// timingHeuristic applies to every operation kind: a burst of writes makes
// whatever follows it within the window suspect too.
func timingHeuristic(_ types.Layout, _ types.Operation, s *State) bool {
	if s.FirstWrite.IsZero() {
		return false
	}
	return s.LastSeen.Sub(s.FirstWrite) < timingWindow && s.FlashWrites > timingWriteCount
}

func sequenceHeuristic(_ types.Layout, _ types.Operation, s *State) bool {
	return s.Stage == StageSecureBootDisabled || (s.UpdatedMicrocode && s.TamperedTPM)
}
