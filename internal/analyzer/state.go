package analyzer

import "time"

// Stage tracks progress through the erase, write, disable-secure-boot kill chain.
type Stage int

const (
	StageNone Stage = iota
	StageErased
	StageWritten
	StageSecureBootDisabled
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageErased:
		return "erased"
	case StageWritten:
		return "erased+written"
	case StageSecureBootDisabled:
		return "erased+written+secureboot-disabled"
	default:
		return "unknown"
	}
}

// State is everything the analyzer has learned about the current session.
// Counters only grow and flags only get set until Reset.
type State struct {
	FlashWrites      uint32 `json:"flash_writes"`
	FlashErases      uint32 `json:"flash_erases"`
	TPMAccesses      uint32 `json:"tpm_accesses"`
	MicrocodeUpdates uint32 `json:"microcode_updates"`
	SecureBootMods   uint32 `json:"secure_boot_mods"`

	WroteBootBlock     bool `json:"wrote_boot_block"`
	DisabledSecureBoot bool `json:"disabled_secure_boot"`
	TamperedTPM        bool `json:"tampered_tpm"`
	UpdatedMicrocode   bool `json:"updated_microcode"`
	ErasedCritical     bool `json:"erased_critical"`

	LastWriteAddr    uint64    `json:"last_write_addr"`
	LastWriteSize    uint32    `json:"last_write_size"`
	SequentialWrites uint32    `json:"sequential_writes"`
	ScatteredWrites  uint32    `json:"scattered_writes"`
	FirstWrite       time.Time `json:"first_write,omitzero"`
	LastWrite        time.Time `json:"last_write,omitzero"`
	RapidWrites      uint32    `json:"rapid_writes"`
	LastSeen         time.Time `json:"last_seen,omitzero"` // time of the most recent Update

	Stage Stage `json:"stage"`

	Cumulative uint64   `json:"cumulative_score"`
	Reported   []uint64 `json:"thresholds_reported,omitempty"`
}

// Indicators lists the names of the sticky flags that are set.
func (s State) Indicators() []string {
	var out []string
	if s.WroteBootBlock {
		out = append(out, "boot-block-modified")
	}
	if s.DisabledSecureBoot {
		out = append(out, "secure-boot-disabled")
	}
	if s.TamperedTPM {
		out = append(out, "tpm-tampered")
	}
	if s.UpdatedMicrocode {
		out = append(out, "microcode-updated")
	}
	if s.ErasedCritical {
		out = append(out, "critical-region-erased")
	}
	return out
}

func (s State) clone() State {
	c := s
	c.Reported = append([]uint64(nil), s.Reported...)
	return c
}
