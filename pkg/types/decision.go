package types

import (
	"fmt"
	"strings"
)

// Mode selects how the gateway reacts to operations.
type Mode uint32

const (
	ModePassive Mode = iota
	ModeActive
	ModeHoneypot
	ModeForensic
	ModeAntiForage
)

var AllModes = []Mode{ModePassive, ModeActive, ModeHoneypot, ModeForensic, ModeAntiForage}

func (m Mode) Valid() bool {
	return m <= ModeAntiForage
}

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "PASSIVE"
	case ModeActive:
		return "ACTIVE"
	case ModeHoneypot:
		return "HONEYPOT"
	case ModeForensic:
		return "FORENSIC"
	case ModeAntiForage:
		return "ANTI-FORAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(m))
	}
}

// ParseMode accepts the display name, a lower-case alias, or the numeric wire value.
func ParseMode(s string) (Mode, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	if norm == "ANTIFORAGE" {
		norm = "ANTI-FORAGE"
	}
	for _, m := range AllModes {
		if norm == m.String() {
			return m, nil
		}
	}
	if len(norm) == 1 && norm[0] >= '0' && norm[0] <= '4' {
		return Mode(norm[0] - '0'), nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Action is the effective outcome of an intercepted operation.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionRedirect Action = "redirect"
)

// Verdict is returned by the gateway for every intercepted operation.
type Verdict struct {
	Action      Action
	Allow       bool
	Redirected  bool
	SpoofValue  uint64
	Score       uint32
	Description string
}
