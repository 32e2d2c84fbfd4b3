package bridge

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phoenixguard/sentinel/internal/device"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// DefaultBufferSize is the size of the shared message buffer, header included.
const DefaultBufferSize = HeaderSize + MaxFlashRequest + 4096

// ReportFunc renders the forensic report returned by export-report.
type ReportFunc func() ([]byte, error)

type Config struct {
	Gateway *gateway.Gateway
	// Device is the real flash part. Passthrough requests fail with NotReady when nil.
	Device device.Flash
	Report ReportFunc
	// BufferSize bounds every response, header included.
	BufferSize int
	// MaxRequest caps passthrough reads and writes.
	MaxRequest uint32
	Logger     *slog.Logger
}

// Bridge dispatches OS requests. Only one request is processed at a time.
type Bridge struct {
	mu         sync.Mutex
	gw         *gateway.Gateway
	dev        device.Flash
	report     ReportFunc
	bufSize    int
	maxRequest uint32
	logger     *slog.Logger
}

func New(cfg Config) *Bridge {
	b := &Bridge{
		gw:         cfg.Gateway,
		dev:        cfg.Device,
		report:     cfg.Report,
		bufSize:    cfg.BufferSize,
		maxRequest: cfg.MaxRequest,
		logger:     cfg.Logger,
	}
	if b.bufSize < HeaderSize+statusSize {
		b.bufSize = DefaultBufferSize
	}
	if b.maxRequest == 0 || b.maxRequest > MaxFlashRequest {
		b.maxRequest = MaxFlashRequest
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// BufferSize is the largest message the bridge will produce.
func (b *Bridge) BufferSize() int { return b.bufSize }

// Handle processes one request message and returns the response message. It never
// fails; errors are reported through the response status.
func (b *Bridge) Handle(msg []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, payload, err := DecodeRequest(msg)
	if err != nil {
		b.logger.Warn("bridge: rejected malformed request", "error", err)
		return EncodeResponse(h.Command, StatusInvalidRequest, nil)
	}
	out, err := b.dispatch(h.Command, payload)
	if err == nil && HeaderSize+len(out) > b.bufSize {
		err = fmt.Errorf("%s response of %d bytes exceeds buffer: %w", h.Command, len(out), types.ErrTooLarge)
	}
	if err != nil {
		st := StatusFor(err)
		b.logger.Warn("bridge: request failed", "command", h.Command.String(), "status", st.String(), "error", err)
		return EncodeResponse(h.Command, st, nil)
	}
	return EncodeResponse(h.Command, StatusSuccess, out)
}

func (b *Bridge) dispatch(cmd Command, payload []byte) ([]byte, error) {
	if b.gw == nil {
		return nil, fmt.Errorf("no gateway: %w", types.ErrNotReady)
	}
	if cmd == CmdGetStatus {
		return statusPayloadFrom(b.gw.Status()).MarshalBinary()
	}
	if !b.gw.Ready() {
		return nil, fmt.Errorf("%s: gateway not initialized: %w", cmd, types.ErrNotReady)
	}

	switch cmd {
	case CmdGetLogs:
		recs := b.gw.Records()
		if HeaderSize+LogsPayloadSize(len(recs)) > b.bufSize {
			return nil, fmt.Errorf("%d log records do not fit the buffer: %w", len(recs), types.ErrTooLarge)
		}
		return EncodeLogs(recs), nil
	case CmdFlashRead, CmdFlashWrite:
		return b.flash(cmd, payload)
	case CmdSetMode:
		if len(payload) != 4 {
			return nil, fmt.Errorf("set-mode payload of %d bytes: %w", len(payload), types.ErrInvalidRequest)
		}
		return nil, b.gw.SetMode(types.Mode(binary.LittleEndian.Uint32(payload)))
	case CmdGetDecoy:
		return b.decoy(payload)
	case CmdExportReport:
		if b.report == nil {
			return nil, fmt.Errorf("no report source: %w", types.ErrNotReady)
		}
		return b.report()
	case CmdReset:
		return nil, b.gw.ResetStatistics()
	default:
		return nil, fmt.Errorf("unknown command %d: %w", uint32(cmd), types.ErrInvalidRequest)
	}
}

func (b *Bridge) decoy(payload []byte) ([]byte, error) {
	d := b.gw.Decoy()
	if d == nil {
		return nil, fmt.Errorf("decoy disabled: %w", types.ErrNotReady)
	}
	n := MaxDecoyExport
	if len(payload) >= 4 {
		if want := int(binary.LittleEndian.Uint32(payload)); want > 0 && want < n {
			n = want
		}
	}
	n = min(n, d.Size(), b.bufSize-HeaderSize)
	return d.Export(n), nil
}

// flash validates a passthrough request and applies it to the real device.
func (b *Bridge) flash(cmd Command, payload []byte) ([]byte, error) {
	req, err := ParseFlashRequest(payload)
	if err != nil {
		return nil, err
	}
	if req.Write != (cmd == CmdFlashWrite) {
		return nil, fmt.Errorf("%s with write flag %v: %w", cmd, req.Write, types.ErrInvalidRequest)
	}
	if req.Size > b.maxRequest {
		return nil, fmt.Errorf("%s of %d bytes exceeds cap %d: %w", cmd, req.Size, b.maxRequest, types.ErrOutOfRange)
	}
	layout := b.gw.Layout()
	if !layout.ContainsExtent(req.Address, uint64(req.Size)) {
		return nil, fmt.Errorf("%s 0x%x+0x%x outside flash: %w", cmd, req.Address, req.Size, types.ErrOutOfRange)
	}
	if b.dev == nil {
		return nil, fmt.Errorf("no flash device: %w", types.ErrNotReady)
	}

	if !req.Write {
		if HeaderSize+int(req.Size) > b.bufSize {
			return nil, fmt.Errorf("read of %d bytes does not fit the buffer: %w", req.Size, types.ErrTooLarge)
		}
		data, err := b.dev.Read(req.Address, int(req.Size))
		if err != nil {
			return nil, wrapDevice(err)
		}
		return data, nil
	}

	end := req.Address + uint64(req.Size)
	if end > layout.BootBlockBase && b.gw.WroteBootBlock() {
		return nil, fmt.Errorf("boot block write refused during active incident: %w", types.ErrAccessDenied)
	}
	if err := b.dev.Write(req.Address, req.Data); err != nil {
		return nil, wrapDevice(err)
	}
	b.logger.Info("bridge: passthrough flash write", "address", fmt.Sprintf("0x%x", req.Address), "size", req.Size)
	return nil, nil
}

// wrapDevice keeps classified device errors and marks the rest as hardware failures.
func wrapDevice(err error) error {
	if StatusFor(err) != StatusDeviceError {
		return err
	}
	return fmt.Errorf("%v: %w", err, types.ErrDeviceError)
}
