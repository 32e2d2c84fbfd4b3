// Package identity decides whether an OS-side caller is a trusted tool.
//
// The gateway only asks a Verifier; what makes a caller trustworthy is up to the
// implementation. The implementations here are operator policies over the identity a
// caller declares, not cryptographic proofs of who the caller is. A deployment that
// needs attestation should supply its own Verifier.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// Verifier reports whether a caller should be treated as a trusted OS tool.
// A nil caller is firmware-internal and is never trusted by the implementations here.
type Verifier interface {
	IsTrusted(c *types.CallerContext) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(c *types.CallerContext) bool

func (f VerifierFunc) IsTrusted(c *types.CallerContext) bool { return f(c) }

// DenyAll trusts nobody. It is the default.
type DenyAll struct{}

func (DenyAll) IsTrusted(*types.CallerContext) bool { return false }

// Rule matches callers by declared id and, optionally, a shared token.
type Rule struct {
	// ID is a glob over the caller id, e.g. "flashrom" or "fwupd-*".
	ID string `yaml:"id"`
	// TokenSHA256 is the hex SHA-256 of the token the caller must present. Empty means any.
	TokenSHA256 string `yaml:"token_sha256,omitempty"`
}

type compiledRule struct {
	id    glob.Glob
	token []byte
}

// Allowlist trusts callers matching any of its rules.
type Allowlist struct {
	rules []compiledRule
}

func NewAllowlist(rules []Rule) (*Allowlist, error) {
	al := &Allowlist{}
	for _, r := range rules {
		pattern := strings.TrimSpace(r.ID)
		if pattern == "" {
			return nil, fmt.Errorf("trusted caller rule has empty id")
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid caller pattern %q: %w", r.ID, err)
		}
		cr := compiledRule{id: g}
		if r.TokenSHA256 != "" {
			tok, err := hex.DecodeString(r.TokenSHA256)
			if err != nil || len(tok) != sha256.Size {
				return nil, fmt.Errorf("caller %q: token_sha256 must be 64 hex characters", r.ID)
			}
			cr.token = tok
		}
		al.rules = append(al.rules, cr)
	}
	return al, nil
}

func (a *Allowlist) IsTrusted(c *types.CallerContext) bool {
	if c == nil || c.ID == "" {
		return false
	}
	var sum [sha256.Size]byte
	if c.Token != "" {
		sum = sha256.Sum256([]byte(c.Token))
	}
	for _, r := range a.rules {
		if !r.id.Match(c.ID) {
			continue
		}
		if r.token == nil {
			return true
		}
		if c.Token != "" && subtle.ConstantTimeCompare(sum[:], r.token) == 1 {
			return true
		}
	}
	return false
}

func (a *Allowlist) Len() int {
	return len(a.rules)
}

// Swappable lets the trust policy be replaced at runtime, e.g. on config reload.
type Swappable struct {
	v atomic.Pointer[verifierBox]
}

type verifierBox struct{ Verifier }

func NewSwappable(initial Verifier) *Swappable {
	s := &Swappable{}
	s.Store(initial)
	return s
}

func (s *Swappable) Store(v Verifier) {
	if v == nil {
		v = DenyAll{}
	}
	s.v.Store(&verifierBox{v})
}

func (s *Swappable) IsTrusted(c *types.CallerContext) bool {
	return s.v.Load().IsTrusted(c)
}

// HashToken returns the hex SHA-256 of token, for writing allowlist entries.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
