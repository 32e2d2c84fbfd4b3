// Package platform reports the host's real firmware security state so reports can
// compare what a bootkit tried to change against what the platform actually runs with.
package platform

import (
	"context"
	"errors"
	"fmt"

	efi "github.com/canonical/go-efilib"
)

// State is the host's UEFI secure boot posture.
type State struct {
	// Available is false on hosts without an EFI variable backend (legacy BIOS,
	// containers without efivarfs, non-Linux builds).
	Available    bool   `json:"available"`
	SecureBoot   bool   `json:"secure_boot"`
	SetupMode    bool   `json:"setup_mode"`
	AuditMode    bool   `json:"audit_mode,omitempty"`
	DeployedMode bool   `json:"deployed_mode,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Prober reads the platform state.
type Prober interface {
	Probe(ctx context.Context) State
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) State

func (f ProberFunc) Probe(ctx context.Context) State { return f(ctx) }

// Host probes the running machine through efivarfs.
type Host struct{}

func (Host) Probe(ctx context.Context) State {
	return ProbeVars(efi.WithDefaultVarsBackend(ctx))
}

// Disabled never touches EFI variables.
type Disabled struct{}

func (Disabled) Probe(context.Context) State {
	return State{Error: "platform probe disabled"}
}

// ProbeVars reads the secure boot variables from the backend carried by ctx.
func ProbeVars(ctx context.Context) State {
	var st State

	enabled, err := efi.ReadSecureBootVariable(ctx)
	switch {
	case errors.Is(err, efi.ErrVarsUnavailable):
		st.Error = "EFI variables are not available on this host"
		return st
	case err != nil:
		st.Error = fmt.Sprintf("read SecureBoot: %v", err)
		return st
	}
	st.Available = true
	st.SecureBoot = enabled

	if st.SetupMode, err = readFlag(ctx, "SetupMode"); err != nil {
		st.Error = err.Error()
		return st
	}
	// AuditMode and DeployedMode only exist on UEFI 2.5 and later.
	if st.AuditMode, err = readFlag(ctx, "AuditMode"); err != nil && !errors.Is(err, efi.ErrVarNotExist) {
		st.Error = err.Error()
	}
	if st.DeployedMode, err = readFlag(ctx, "DeployedMode"); err != nil && !errors.Is(err, efi.ErrVarNotExist) {
		st.Error = err.Error()
	}
	return st
}

func readFlag(ctx context.Context, name string) (bool, error) {
	data, _, err := efi.ReadVariable(ctx, name, efi.GlobalVariable)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) != 1 {
		return false, fmt.Errorf("%s variable has unexpected size %d", name, len(data))
	}
	return data[0] == 1, nil
}
