package types

import "time"

// AuditRecord is one entry of the in-memory audit ring.
type AuditRecord struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	Address     uint64    `json:"address"`
	Value       uint64    `json:"value"`
	Size        uint32    `json:"size"`
	Caller      string    `json:"caller,omitempty"`
	Allowed     bool      `json:"allowed"`
	Redirected  bool      `json:"redirected"`
	Score       uint32    `json:"score"`
	Description string    `json:"description"`
}

// VerdictInfo is the verdict portion of an intercept event.
type VerdictInfo struct {
	Action     Action   `json:"action"`
	Redirected bool     `json:"redirected,omitempty"`
	Score      uint32   `json:"score,omitempty"`
	Cumulative uint64   `json:"cumulative,omitempty"`
	Findings   []string `json:"findings,omitempty"`
}

type Event struct {
	ID        string       `json:"id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Type      string       `json:"type"`
	Mode      string       `json:"mode,omitempty"`
	Seq       uint64       `json:"seq,omitempty"`
	Verdict   *VerdictInfo `json:"verdict,omitempty"`

	// Common convenience fields for indexing/search.
	Operation string `json:"operation,omitempty"`
	Address   uint64 `json:"address,omitempty"`
	Size      uint32 `json:"size,omitempty"`
	Value     uint64 `json:"value,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Message   string `json:"message,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	Types     []string
	Operation string
	Caller    string
	Since     *time.Time
	Until     *time.Time

	Action *Action

	TextLike string

	Limit  int
	Offset int
	Asc    bool
}
