package report

import (
	"time"

	"github.com/phoenixguard/sentinel/internal/platform"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Level specifies the detail level of a report.
type Level string

const (
	LevelSummary  Level = "summary"
	LevelDetailed Level = "detailed"
)

// Verdict is the headline conclusion of a report.
type Verdict string

const (
	VerdictClean           Verdict = "CLEAN"
	VerdictHighProbability Verdict = "HIGH PROBABILITY BOOTKIT"
	VerdictDetected        Verdict = "BOOTKIT DETECTED"
)

// Score bands for the verdict. Scores strictly above a band select it.
const (
	HighProbabilityScore uint64 = 500
	DetectedScore        uint64 = 1000
)

// VerdictFor maps a cumulative suspicion score to a verdict.
func VerdictFor(score uint64) Verdict {
	switch {
	case score > DetectedScore:
		return VerdictDetected
	case score > HighProbabilityScore:
		return VerdictHighProbability
	default:
		return VerdictClean
	}
}

// Severity indicates the importance of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical" // Boot block, secure boot, TPM, microcode
	SeverityWarning  Severity = "warning"  // Write patterns, erases, blocked ops
	SeverityInfo     Severity = "info"     // Redirects into the decoy
)

// Finding represents a notable pattern detected during the session.
type Finding struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Count       int      `json:"count"`
	Records     []uint64 `json:"records,omitempty"` // audit sequence numbers
}

// Statistics are the gateway counters at report time.
type Statistics struct {
	Intercepts  uint64 `json:"intercepts"`
	Blocked     uint64 `json:"blocked"`
	Redirected  uint64 `json:"redirected"`
	LogCount    int    `json:"log_count"`
	LogCapacity int    `json:"log_capacity"`
}

// Counters are the analyzer's per-class operation counts.
type Counters struct {
	FlashWrites      uint32 `json:"flash_writes"`
	FlashErases      uint32 `json:"flash_erases"`
	TPMAccesses      uint32 `json:"tpm_accesses"`
	MicrocodeUpdates uint32 `json:"microcode_updates"`
	SecureBootMods   uint32 `json:"secure_boot_mods"`
	SequentialWrites uint32 `json:"sequential_writes"`
	ScatteredWrites  uint32 `json:"scattered_writes"`
	RapidWrites      uint32 `json:"rapid_writes"`
}

// DecoySummary describes the deception image.
type DecoySummary struct {
	Active bool `json:"active"`
	Size   int  `json:"size"`
	Dirty  bool `json:"dirty"`
}

// Report is the forensic analysis returned by export-report.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Level       Level     `json:"level"`

	Verdict            Verdict  `json:"verdict"`
	Score              uint64   `json:"score"`
	ThresholdsReported []uint64 `json:"thresholds_reported,omitempty"`
	Indicators         []string `json:"indicators"`
	KillChainStage     string   `json:"kill_chain_stage"`

	Mode       string       `json:"mode"`
	Active     bool         `json:"active"`
	Statistics Statistics   `json:"statistics"`
	Counters   Counters     `json:"counters"`
	Decoy      DecoySummary `json:"decoy"`

	Findings []Finding `json:"findings"`

	Platform *platform.State `json:"platform,omitempty"`

	// Only populated for LevelDetailed.
	Timeline []types.AuditRecord `json:"timeline,omitempty"`
}
