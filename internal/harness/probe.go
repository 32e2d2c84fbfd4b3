// Package harness is the hardware-operation probe side of the sentinel: it submits
// operations to the gateway and applies allowed ones to the real flash part.
// It also replays recorded attack scenarios against a fresh in-process sentinel.
package harness

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/phoenixguard/sentinel/internal/device"
	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Interceptor decides the fate of an operation. *gateway.Gateway implements it.
type Interceptor interface {
	Intercept(op types.Operation) types.Verdict
}

// Result is what the caller of a probed operation observes.
type Result struct {
	Verdict types.Verdict
	// Value is the value returned to a reader: spoofed for redirected reads, real
	// for allowed flash reads.
	Value uint64
	// Applied is set when the real device executed the operation.
	Applied bool
}

// Probe executes operations on behalf of firmware code after the gateway has ruled.
type Probe struct {
	gw     Interceptor
	dev    device.Flash
	layout types.Layout
	logger *slog.Logger
}

func NewProbe(gw Interceptor, dev device.Flash, layout types.Layout, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{gw: gw, dev: dev, layout: layout, logger: logger}
}

// Execute intercepts op and, when allowed without redirection, performs it on the
// real device. Blocked operations return an error wrapping types.ErrAccessDenied.
// Register, MSR, TPM and other non-flash kinds have no device model here; allowed
// ones succeed without touching anything.
func (p *Probe) Execute(op types.Operation) (Result, error) {
	v := p.gw.Intercept(op)
	res := Result{Verdict: v}

	switch {
	case v.Redirected:
		res.Value = v.SpoofValue
		return res, nil
	case !v.Allow:
		return res, fmt.Errorf("%s @0x%x: %w", op.Kind, op.Address, types.ErrAccessDenied)
	}

	if p.dev == nil || !p.layout.InFlash(op.Address) {
		return res, nil
	}
	if op.Kind.IsWrite() && !p.layout.ContainsExtent(op.Address, uint64(widthOf(op))) {
		return res, fmt.Errorf("%s @0x%x+0x%x runs past the flash part: %w", op.Kind, op.Address, widthOf(op), types.ErrOutOfRange)
	}

	var err error
	switch op.Kind {
	case types.KindFlashRead:
		res.Value, err = p.read(op)
	case types.KindFlashWrite:
		err = p.dev.Write(op.Address, gateway.ValuePattern(op.Value, int(widthOf(op))))
	case types.KindFlashErase:
		err = p.dev.Erase(op.Address, op.Size)
	default:
		return res, nil
	}
	if err != nil {
		p.logger.Error("device operation failed", "op", op.String(), "error", err)
		return res, fmt.Errorf("%s @0x%x: %w", op.Kind, op.Address, err)
	}
	res.Applied = true
	return res, nil
}

func (p *Probe) read(op types.Operation) (uint64, error) {
	n := widthOf(op)
	if n > 8 {
		n = 8
	}
	data, err := p.dev.Read(op.Address, int(n))
	if err != nil {
		return 0, err
	}
	var word [8]byte
	copy(word[:], data)
	return binary.LittleEndian.Uint64(word[:]), nil
}

func widthOf(op types.Operation) uint32 {
	if op.Size == 0 {
		return 8
	}
	return op.Size
}
