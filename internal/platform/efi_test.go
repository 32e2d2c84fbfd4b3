package platform

import (
	"context"
	"errors"
	"testing"

	efi "github.com/canonical/go-efilib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockVars map[string][]byte

func (v mockVars) Get(name string, guid efi.GUID) (efi.VariableAttributes, []byte, error) {
	if guid != efi.GlobalVariable {
		return 0, nil, efi.ErrVarNotExist
	}
	data, ok := v[name]
	if !ok {
		return 0, nil, efi.ErrVarNotExist
	}
	return efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess, data, nil
}

func (v mockVars) Set(string, efi.GUID, efi.VariableAttributes, []byte) error {
	return errors.New("not implemented")
}

func (v mockVars) List() ([]efi.VariableDescriptor, error) {
	return nil, errors.New("not implemented")
}

func withVars(v mockVars) context.Context {
	return context.WithValue(context.Background(), efi.VarsBackendKey{}, v)
}

func TestProbeVars_SecureBootDeployed(t *testing.T) {
	st := ProbeVars(withVars(mockVars{
		"SecureBoot":   {1},
		"SetupMode":    {0},
		"AuditMode":    {0},
		"DeployedMode": {1},
	}))

	require.True(t, st.Available)
	assert.True(t, st.SecureBoot)
	assert.False(t, st.SetupMode)
	assert.True(t, st.DeployedMode)
	assert.Empty(t, st.Error)
}

func TestProbeVars_SetupModeWithoutDeployedModeSupport(t *testing.T) {
	st := ProbeVars(withVars(mockVars{
		"SecureBoot": {0},
		"SetupMode":  {1},
	}))

	require.True(t, st.Available)
	assert.False(t, st.SecureBoot)
	assert.True(t, st.SetupMode)
	assert.False(t, st.DeployedMode)
	assert.Empty(t, st.Error, "missing UEFI 2.5 variables are not an error")
}

func TestProbeVars_MalformedSetupMode(t *testing.T) {
	st := ProbeVars(withVars(mockVars{
		"SecureBoot": {1},
		"SetupMode":  {1, 0},
	}))

	assert.True(t, st.Available)
	assert.Contains(t, st.Error, "SetupMode")
}

func TestProbeVars_NoSecureBootVariable(t *testing.T) {
	st := ProbeVars(withVars(mockVars{}))

	assert.False(t, st.Available)
	assert.NotEmpty(t, st.Error)
}

func TestDisabledAndFunc(t *testing.T) {
	assert.False(t, Disabled{}.Probe(context.Background()).Available)

	var p Prober = ProberFunc(func(context.Context) State { return State{Available: true, SecureBoot: true} })
	assert.True(t, p.Probe(context.Background()).SecureBoot)
}
