package gateway

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/phoenixguard/sentinel/pkg/types"
)

const (
	valueWidth        = 8
	forensicDataLimit = 64
)

// redirect serves op from the decoy instead of the real device. For reads it returns
// the spoofed value. Writes and erases that run past the end of the decoy address
// space are cut off there, the same way a real part stops at its top address.
func (g *Gateway) redirect(op types.Operation) (uint64, error) {
	if g.decoy == nil {
		return 0, fmt.Errorf("decoy store disabled: %w", types.ErrNotReady)
	}
	switch op.Kind.RedirectClass() {
	case types.RedirectRead:
		return g.decoy.ReadValue(op.Address, op.Size)
	case types.RedirectWrite:
		size := op.Size
		if size == 0 {
			size = valueWidth
		}
		n := g.clip(op.Address, size)
		return 0, g.decoy.Write(op.Address, ValuePattern(op.Value, int(n)))
	case types.RedirectErase:
		return 0, g.decoy.Erase(op.Address, g.clip(op.Address, op.Size))
	case types.RedirectNone:
		return 0, fmt.Errorf("%s has no decoy behaviour: %w", op.Kind, types.ErrInvalidRequest)
	default:
		return 0, fmt.Errorf("%s has no decoy behaviour: %w", op.Kind, types.ErrInvalidRequest)
	}
}

func (g *Gateway) clip(addr uint64, size uint32) uint32 {
	if rem := g.decoy.Remaining(addr); uint64(size) > rem {
		return uint32(rem)
	}
	return size
}

// ValuePattern repeats the little-endian encoding of v to fill n bytes. It is the
// image a write of v produces on the decoy and on the real device alike.
func ValuePattern(v uint64, n int) []byte {
	var word [valueWidth]byte
	binary.LittleEndian.PutUint64(word[:], v)
	out := make([]byte, n)
	for i := range out {
		out[i] = word[i%valueWidth]
	}
	return out
}

// forensicCapture collects the extra detail recorded in forensic mode.
func forensicCapture(op types.Operation, findings []string, indicators []string) map[string]any {
	fields := map[string]any{
		"findings":   findings,
		"indicators": indicators,
		"from_os":    op.FromOS(),
	}
	if op.Caller != nil && op.Caller.PID != 0 {
		fields["caller_pid"] = op.Caller.PID
	}
	if op.Kind == types.KindFlashWrite || op.Kind == types.KindSecureBootModify || op.Kind == types.KindMicrocodeUpdate {
		n := int(min(op.Size, forensicDataLimit))
		if n == 0 {
			n = valueWidth
		}
		fields["data"] = hex.EncodeToString(ValuePattern(op.Value, n))
	}
	return fields
}
