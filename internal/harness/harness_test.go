package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixguard/sentinel/internal/device"
	"github.com/phoenixguard/sentinel/internal/report"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type fixedVerdict types.Verdict

func (f fixedVerdict) Intercept(types.Operation) types.Verdict { return types.Verdict(f) }

var allow = fixedVerdict{Action: types.ActionAllow, Allow: true}

func TestProbe_AllowedWriteReachesDevice(t *testing.T) {
	layout := types.DefaultLayout()
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	p := NewProbe(allow, dev, layout, nil)

	res, err := p.Execute(types.Operation{Kind: types.KindFlashWrite, Address: layout.FlashBase + 0x10, Value: 0x0201, Size: 4})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := dev.Read(layout.FlashBase+0x10, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00}, got)

	res, err = p.Execute(types.Operation{Kind: types.KindFlashRead, Address: layout.FlashBase + 0x10, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0201), res.Value)
}

func TestProbe_BlockedIsAccessDenied(t *testing.T) {
	layout := types.DefaultLayout()
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	p := NewProbe(fixedVerdict{Action: types.ActionBlock}, dev, layout, nil)

	_, err := p.Execute(types.Operation{Kind: types.KindFlashErase, Address: layout.BootBlockBase, Size: 0x1000})
	assert.True(t, errors.Is(err, types.ErrAccessDenied))
	assert.Zero(t, dev.Calls())
}

func TestProbe_RedirectReturnsSpoofValue(t *testing.T) {
	layout := types.DefaultLayout()
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	p := NewProbe(fixedVerdict{Action: types.ActionRedirect, Redirected: true, SpoofValue: 0xAA55}, dev, layout, nil)

	res, err := p.Execute(types.Operation{Kind: types.KindFlashRead, Address: layout.FlashBase, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAA55), res.Value)
	assert.False(t, res.Applied)
	assert.Zero(t, dev.Calls())
}

func TestProbe_NonFlashKindsAreNotApplied(t *testing.T) {
	layout := types.DefaultLayout()
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	p := NewProbe(allow, dev, layout, nil)

	res, err := p.Execute(types.Operation{Kind: types.KindTPMAccess, Address: layout.TPMBase, Size: 4})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Zero(t, dev.Calls())
}

func TestProbe_DeviceErrorPropagates(t *testing.T) {
	layout := types.DefaultLayout()
	dev := device.NewMemory(layout.FlashBase, 0x1000)
	p := NewProbe(allow, dev, layout, nil)

	_, err := p.Execute(types.Operation{Kind: types.KindFlashWrite, Address: layout.FlashBase + 0x2000, Size: 4})
	assert.True(t, errors.Is(err, types.ErrOutOfRange))
}

func TestProbe_WriteExtentPastFlashRejectedBeforeDevice(t *testing.T) {
	layout := types.DefaultLayout()
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	p := NewProbe(allow, dev, layout, nil)

	for _, kind := range []types.Kind{types.KindFlashWrite, types.KindFlashErase} {
		res, err := p.Execute(types.Operation{Kind: kind, Address: layout.FlashBase + 0x100, Value: 0x90, Size: 0xFFFFFFF0})
		assert.True(t, errors.Is(err, types.ErrOutOfRange), kind.String())
		assert.False(t, res.Applied)
	}
	assert.Zero(t, dev.Calls())
}

func TestScenarioA_CleanTool(t *testing.T) {
	sc, err := Builtin("clean-tool")
	require.NoError(t, err)

	out, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)

	require.Len(t, out.Steps, 10)
	for _, st := range out.Steps {
		assert.Equal(t, types.ActionAllow, st.Action)
		assert.True(t, st.Applied)
	}
	assert.Zero(t, out.Mismatches)
	status := out.Gateway.Status()
	assert.Zero(t, status.Redirected)
	assert.False(t, status.DecoyDirty, "decoy must be untouched")
	assert.Equal(t, uint64(10), out.DeviceCalls)
	assert.Equal(t, report.VerdictClean, out.Report.Verdict)
}

func TestScenarioB_BootkitInHoneypot(t *testing.T) {
	sc, err := Builtin("bootkit-honeypot")
	require.NoError(t, err)

	out, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)

	require.Len(t, out.Steps, 2)
	for _, st := range out.Steps {
		assert.Equal(t, types.ActionRedirect, st.Action, st.Desc)
	}
	assert.Zero(t, out.Mismatches)
	assert.Zero(t, out.DeviceCalls, "real device must never be invoked")
	assert.Zero(t, out.Device.Calls())

	layout := types.DefaultLayout()
	got, err := out.Gateway.Decoy().Read(layout.BootBlockBase, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), got)

	records := out.Gateway.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.True(t, rec.Redirected)
	}
	assert.Contains(t, out.Report.Indicators, "boot-block-modified")
	assert.True(t, out.Report.Decoy.Dirty)
}

func TestScenario_KillChainDetected(t *testing.T) {
	sc, err := Builtin("kill-chain")
	require.NoError(t, err)

	out, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)

	assert.Zero(t, out.Mismatches)
	assert.Equal(t, report.VerdictDetected, out.Report.Verdict)
	assert.Equal(t, []uint64{500, 1000}, out.Report.ThresholdsReported)
	assert.Contains(t, out.Report.Indicators, "secure-boot-disabled")
	assert.Contains(t, out.Report.Indicators, "tpm-tampered")
}

func TestRun_ReportsMismatch(t *testing.T) {
	sc, err := Parse([]byte(`
name: wrong-expectation
mode: passive
steps:
  - op: flash-write
    address: 0xFFFF0000
    size: 4
    expect: block
`))
	require.NoError(t, err)

	out, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, 1, out.Mismatches)
	assert.Contains(t, out.Steps[0].Mismatch, "expected block, got allow")
}

func TestRun_HonoursContext(t *testing.T) {
	sc, err := Builtin("clean-tool")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Run(ctx, sc, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
