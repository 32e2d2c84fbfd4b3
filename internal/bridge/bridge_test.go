package bridge

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixguard/sentinel/internal/analyzer"
	"github.com/phoenixguard/sentinel/internal/audit"
	"github.com/phoenixguard/sentinel/internal/decoy"
	"github.com/phoenixguard/sentinel/internal/device"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type fixture struct {
	gw  *gateway.Gateway
	dev *device.Memory
	br  *Bridge
}

func newFixture(t *testing.T, bufSize int) *fixture {
	t.Helper()
	layout := types.DefaultLayout()
	d, err := decoy.New(layout.FlashBase, decoy.DefaultSize)
	require.NoError(t, err)
	gw := gateway.New(gateway.Config{
		Layout:   layout,
		Mode:     types.ModeHoneypot,
		Analyzer: analyzer.New(layout),
		Log:      audit.NewLog(100),
		Decoy:    d,
	})
	dev := device.NewMemory(layout.FlashBase, int(layout.FlashSize))
	br := New(Config{
		Gateway:    gw,
		Device:     dev,
		BufferSize: bufSize,
		Report:     func() ([]byte, error) { return []byte(`{"verdict":"CLEAN"}`), nil },
	})
	return &fixture{gw: gw, dev: dev, br: br}
}

func call(t *testing.T, br *Bridge, cmd Command, payload []byte) (Header, []byte) {
	t.Helper()
	h, out, err := DecodeResponse(br.Handle(EncodeRequest(cmd, payload)))
	require.NoError(t, err)
	assert.Equal(t, cmd, h.Command)
	return h, out
}

func flashPayload(t *testing.T, r FlashRequest) []byte {
	t.Helper()
	p, err := r.MarshalBinary()
	require.NoError(t, err)
	return p
}

func TestHeader_RoundTrip(t *testing.T) {
	msg := EncodeRequest(CmdSetMode, []byte{1, 0, 0, 0})
	require.Len(t, msg, HeaderSize+4)
	assert.Equal(t, []byte("LTNS"), msg[0:4], "magic is little-endian SNTL")

	h, payload, err := DecodeRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, CmdSetMode, h.Command)
	assert.Equal(t, uint32(4), h.RequestSize)
	assert.Equal(t, []byte{1, 0, 0, 0}, payload)
}

func TestDecodeRequest_Invalid(t *testing.T) {
	good := EncodeRequest(CmdGetStatus, nil)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic[0:], 0xDEADBEEF)
	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badVersion[4:], 0x00020000)
	oversize := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(oversize[12:], 100)

	for name, msg := range map[string][]byte{
		"short":       good[:10],
		"bad magic":   badMagic,
		"bad version": badVersion,
		"oversize":    oversize,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeRequest(msg)
			assert.ErrorIs(t, err, types.ErrInvalidRequest)
		})
	}
}

func TestHandle_BadMagicLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Intercept(types.Operation{Kind: types.KindFlashWrite, Address: 0xFFFF0000, Size: 4})
	beforeState := f.gw.Analysis()
	beforeLogs := f.gw.Records()

	msg := EncodeRequest(CmdReset, nil)
	binary.LittleEndian.PutUint32(msg[0:], 0x4C544E53)
	h, _, err := DecodeResponse(f.br.Handle(msg))
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidRequest, h.Status)

	assert.Equal(t, beforeState, f.gw.Analysis())
	assert.Equal(t, beforeLogs, f.gw.Records())
}

func TestHandle_UnknownCommand(t *testing.T) {
	f := newFixture(t, 0)
	h, _ := call(t, f.br, Command(99), nil)
	assert.Equal(t, StatusInvalidRequest, h.Status)
}

func TestHandle_GetStatus(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Intercept(types.Operation{Kind: types.KindFlashWrite, Address: 0xFFFF0000, Size: 4})

	h, out := call(t, f.br, CmdGetStatus, nil)
	require.Equal(t, StatusSuccess, h.Status)
	st, err := ParseStatus(out)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, types.ModeHoneypot, st.Mode)
	assert.Equal(t, uint64(1), st.Intercepts)
	assert.NotZero(t, st.Score)
	assert.Equal(t, uint32(1), st.LogCount)
	assert.True(t, st.DecoyActive)
	assert.Equal(t, uint32(decoy.DefaultSize), st.DecoySize)
}

func TestHandle_GetLogs(t *testing.T) {
	f := newFixture(t, 0)
	for i := 0; i < 3; i++ {
		f.gw.Intercept(types.Operation{Kind: types.KindFlashRead, Address: 0xFF400000 + uint64(i), Size: 1})
	}
	h, out := call(t, f.br, CmdGetLogs, nil)
	require.Equal(t, StatusSuccess, h.Status)
	recs, err := ParseLogs(out)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(0xFF400002), recs[2].Address)
	assert.True(t, recs[0].Allowed)
	assert.Equal(t, types.KindFlashRead, recs[0].Kind)
}

func TestHandle_GetLogsTooLarge(t *testing.T) {
	f := newFixture(t, HeaderSize+LogsPayloadSize(2))
	for i := 0; i < 3; i++ {
		f.gw.Intercept(types.Operation{Kind: types.KindFlashRead, Address: 0xFF400000, Size: 1})
	}
	h, out := call(t, f.br, CmdGetLogs, nil)
	assert.Equal(t, StatusTooLarge, h.Status)
	assert.Empty(t, out)
}

func TestHandle_FlashPassthrough(t *testing.T) {
	f := newFixture(t, 0)
	addr := uint64(0xFF200000)

	h, _ := call(t, f.br, CmdFlashWrite, flashPayload(t, FlashRequest{Address: addr, Size: 4, Write: true, Data: []byte("GRUB")}))
	require.Equal(t, StatusSuccess, h.Status)

	h, out := call(t, f.br, CmdFlashRead, flashPayload(t, FlashRequest{Address: addr, Size: 4}))
	require.Equal(t, StatusSuccess, h.Status)
	assert.Equal(t, []byte("GRUB"), out)
	assert.False(t, f.gw.Decoy().Dirty(), "passthrough must not touch the decoy")
}

func TestHandle_FlashValidation(t *testing.T) {
	f := newFixture(t, 0)
	tests := []struct {
		name string
		cmd  Command
		req  []byte
		want Status
	}{
		{"below device", CmdFlashRead, flashPayload(t, FlashRequest{Address: 0xFE000000, Size: 4}), StatusOutOfRange},
		{"runs past end", CmdFlashRead, flashPayload(t, FlashRequest{Address: 0xFFFFFFF0, Size: 32}), StatusOutOfRange},
		{"over cap", CmdFlashRead, flashPayload(t, FlashRequest{Address: 0xFF000000, Size: MaxFlashRequest + 1}), StatusOutOfRange},
		{"short payload", CmdFlashRead, []byte{1, 2, 3}, StatusInvalidRequest},
		{"flag mismatch", CmdFlashRead, flashPayload(t, FlashRequest{Address: 0xFF000000, Size: 1, Write: true, Data: []byte{0}}), StatusInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := call(t, f.br, tt.cmd, tt.req)
			assert.Equal(t, tt.want, h.Status)
		})
	}
	assert.Zero(t, f.dev.Calls())
}

func TestHandle_BootBlockWriteDeniedDuringIncident(t *testing.T) {
	f := newFixture(t, 0)
	req := flashPayload(t, FlashRequest{Address: 0xFFFF0000, Size: 2, Write: true, Data: []byte{0xEB, 0xFE}})

	h, _ := call(t, f.br, CmdFlashWrite, req)
	require.Equal(t, StatusSuccess, h.Status, "no incident yet")

	f.gw.Intercept(types.Operation{Kind: types.KindFlashErase, Address: 0xFFFF0000, Size: 0x1000})
	require.True(t, f.gw.WroteBootBlock())

	h, _ = call(t, f.br, CmdFlashWrite, req)
	assert.Equal(t, StatusAccessDenied, h.Status)

	h, _ = call(t, f.br, CmdFlashRead, flashPayload(t, FlashRequest{Address: 0xFFFF0000, Size: 2}))
	assert.Equal(t, StatusSuccess, h.Status, "reads stay allowed")
}

func TestHandle_SetMode(t *testing.T) {
	f := newFixture(t, 0)
	h, _ := call(t, f.br, CmdSetMode, encodeU32(uint32(types.ModeAntiForage)))
	assert.Equal(t, StatusSuccess, h.Status)
	assert.Equal(t, types.ModeAntiForage, f.gw.Mode())

	h, _ = call(t, f.br, CmdSetMode, encodeU32(42))
	assert.Equal(t, StatusInvalidRequest, h.Status)
	h, _ = call(t, f.br, CmdSetMode, []byte{1})
	assert.Equal(t, StatusInvalidRequest, h.Status)
	assert.Equal(t, types.ModeAntiForage, f.gw.Mode())
}

func TestHandle_GetDecoy(t *testing.T) {
	f := newFixture(t, 0)
	h, out := call(t, f.br, CmdGetDecoy, nil)
	require.Equal(t, StatusSuccess, h.Status)
	assert.Len(t, out, MaxDecoyExport)
	assert.Equal(t, []byte("_FVH"), out[0x1000:0x1004])

	h, out = call(t, f.br, CmdGetDecoy, encodeU32(16))
	require.Equal(t, StatusSuccess, h.Status)
	assert.Len(t, out, 16)
}

func TestHandle_ExportReportAndReset(t *testing.T) {
	f := newFixture(t, 0)
	h, out := call(t, f.br, CmdExportReport, nil)
	require.Equal(t, StatusSuccess, h.Status)
	assert.JSONEq(t, `{"verdict":"CLEAN"}`, string(out))

	f.gw.Intercept(types.Operation{Kind: types.KindFlashWrite, Address: 0xFFFF0000, Size: 4})
	h, _ = call(t, f.br, CmdReset, nil)
	require.Equal(t, StatusSuccess, h.Status)
	assert.Zero(t, f.gw.Status().LogCount)
	assert.Zero(t, f.gw.Status().Score)
}

func TestHandle_NotReady(t *testing.T) {
	gw := gateway.New(gateway.Config{Layout: types.DefaultLayout()})
	br := New(Config{Gateway: gw})

	h, out := call(t, br, CmdGetStatus, nil)
	require.Equal(t, StatusSuccess, h.Status)
	st, err := ParseStatus(out)
	require.NoError(t, err)
	assert.False(t, st.Active)

	for _, cmd := range []Command{CmdGetLogs, CmdGetDecoy, CmdReset, CmdExportReport} {
		h, _ := call(t, br, cmd, nil)
		assert.Equal(t, StatusNotReady, h.Status, cmd.String())
	}
}

func TestLogs_DescriptionTruncated(t *testing.T) {
	long := strings.Repeat("x", 300)
	recs, err := ParseLogs(EncodeLogs([]types.AuditRecord{{Kind: types.KindIOPortAccess, Description: long, Timestamp: time.Unix(5, 0)}}))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Description, logDescSize-1)
	assert.Equal(t, time.Unix(5, 0).UnixNano(), recs[0].Timestamp.UnixNano())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusFor(nil))
	assert.Equal(t, StatusOutOfRange, StatusFor(types.ErrOutOfRange))
	assert.Equal(t, StatusDeviceError, StatusFor(assert.AnError))
	assert.ErrorIs(t, &StatusError{Command: CmdReset, Status: StatusAccessDenied}, types.ErrAccessDenied)
}

func TestSocket_ClientRoundTrip(t *testing.T) {
	f := newFixture(t, 0)
	srvConn, cliConn := net.Pipe()
	defer cliConn.Close()

	srv := &SocketServer{Bridge: f.br}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeConn(context.Background(), srvConn) }()

	c := NewClient(NewConnTransport(cliConn))
	ctx := context.Background()

	require.NoError(t, c.SetMode(ctx, types.ModeForensic))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ModeForensic, st.Mode)

	require.NoError(t, c.FlashWrite(ctx, 0xFF100000, []byte{9, 8, 7}))
	data, err := c.FlashRead(ctx, 0xFF100000, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, data)

	_, err = c.FlashRead(ctx, 0x1000, 3)
	assert.ErrorIs(t, err, types.ErrOutOfRange)

	report, err := c.Report(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(report), "CLEAN")

	require.NoError(t, c.Close())
	require.NoError(t, <-errCh)
}

func TestSocket_RateLimited(t *testing.T) {
	f := newFixture(t, 0)
	srvConn, cliConn := net.Pipe()
	defer cliConn.Close()

	srv := &SocketServer{Bridge: f.br, RatePerSecond: 0.001, Burst: 2}
	go srv.ServeConn(context.Background(), srvConn)

	c := NewClient(NewConnTransport(cliConn))
	ctx := context.Background()
	_, err := c.Status(ctx)
	require.NoError(t, err)
	_, err = c.Status(ctx)
	require.NoError(t, err)
	_, err = c.Status(ctx)
	assert.ErrorIs(t, err, types.ErrNotReady)
}

func TestSharedRegion_RoundTrip(t *testing.T) {
	f := newFixture(t, 0)
	path := filepath.Join(t.TempDir(), "sentinel.shm")

	srvRegion, err := OpenSharedRegion(path, 256<<10, true)
	require.NoError(t, err)
	defer srvRegion.Close()
	cliRegion, err := OpenSharedRegion(path, 0, false)
	require.NoError(t, err)
	defer cliRegion.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srvRegion.Serve(ctx, f.br, 100*time.Microsecond)

	c := NewClient(cliRegion)
	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()

	st, err := c.Status(callCtx)
	require.NoError(t, err)
	assert.True(t, st.Active)

	out, err := c.Decoy(callCtx, 64)
	require.NoError(t, err)
	assert.Len(t, out, 64)

	_, err = c.Logs(callCtx)
	require.NoError(t, err)
}

func TestSharedRegion_IndependentMappingsDoNotCollide(t *testing.T) {
	f := newFixture(t, 0)
	path := filepath.Join(t.TempDir(), "sentinel.shm")

	srvRegion, err := OpenSharedRegion(path, 256<<10, true)
	require.NoError(t, err)
	defer srvRegion.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srvRegion.Serve(ctx, f.br, 50*time.Microsecond)

	const (
		mappings = 4
		callers  = 4
		calls    = 25
	)
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	for m := 0; m < mappings; m++ {
		region, err := OpenSharedRegion(path, 0, false)
		require.NoError(t, err)
		defer region.Close()
		c := NewClient(region)

		for g := 0; g < callers; g++ {
			want := 16 * (m*callers + g + 1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < calls; i++ {
					callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
					out, err := c.Decoy(callCtx, want)
					callCancel()
					if err != nil || len(out) != want {
						failures.Add(1)
					}
				}
			}()
		}
	}
	wg.Wait()
	assert.Zero(t, failures.Load(), "every caller must get its own response")
	assert.Equal(t, uint32(doorbellIdle), atomic.LoadUint32(srvRegion.doorbell()))
}

func TestSharedRegion_CancelledCallReleasesChannel(t *testing.T) {
	f := newFixture(t, 0)
	path := filepath.Join(t.TempDir(), "sentinel.shm")

	srvRegion, err := OpenSharedRegion(path, 64<<10, true)
	require.NoError(t, err)
	defer srvRegion.Close()
	cliRegion, err := OpenSharedRegion(path, 0, false)
	require.NoError(t, err)
	defer cliRegion.Close()
	c := NewClient(cliRegion)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	_, err = c.Status(shortCtx)
	require.Error(t, err, "nobody is serving yet")
	assert.Equal(t, uint32(doorbellIdle), atomic.LoadUint32(cliRegion.doorbell()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srvRegion.Serve(ctx, f.br, 100*time.Microsecond)

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	st, err := c.Status(callCtx)
	require.NoError(t, err)
	assert.True(t, st.Active)
}
