package types

import "fmt"

// Kind identifies the class of hardware operation being intercepted.
// The numeric values are the ones used on the bridge wire.
type Kind uint32

const (
	KindFlashRead          Kind = 0x01
	KindFlashWrite         Kind = 0x02
	KindFlashErase         Kind = 0x03
	KindRegisterWrite      Kind = 0x04
	KindRegisterRead       Kind = 0x05
	KindModelRegisterWrite Kind = 0x06
	KindModelRegisterRead  Kind = 0x07
	KindTPMAccess          Kind = 0x08
	KindSecureBootModify   Kind = 0x09
	KindMicrocodeUpdate    Kind = 0x0A
	KindMemoryMap          Kind = 0x0B
	KindIOPortAccess       Kind = 0x0C
)

// AllKinds lists every defined Kind in wire order.
var AllKinds = []Kind{
	KindFlashRead, KindFlashWrite, KindFlashErase,
	KindRegisterWrite, KindRegisterRead,
	KindModelRegisterWrite, KindModelRegisterRead,
	KindTPMAccess, KindSecureBootModify, KindMicrocodeUpdate,
	KindMemoryMap, KindIOPortAccess,
}

// RedirectClass says how an operation of a given kind can be served from the decoy.
type RedirectClass int

const (
	RedirectNone RedirectClass = iota
	RedirectRead
	RedirectWrite
	RedirectErase
)

func (k Kind) Valid() bool {
	return k >= KindFlashRead && k <= KindIOPortAccess
}

func (k Kind) String() string {
	switch k {
	case KindFlashRead:
		return "SPI-READ"
	case KindFlashWrite:
		return "SPI-WRITE"
	case KindFlashErase:
		return "SPI-ERASE"
	case KindRegisterWrite:
		return "REG-WRITE"
	case KindRegisterRead:
		return "REG-READ"
	case KindModelRegisterWrite:
		return "MSR-WRITE"
	case KindModelRegisterRead:
		return "MSR-READ"
	case KindTPMAccess:
		return "TPM-ACCESS"
	case KindSecureBootModify:
		return "SECUREBOOT-MOD"
	case KindMicrocodeUpdate:
		return "MICROCODE-UPDATE"
	case KindMemoryMap:
		return "MEMORY-MAP"
	case KindIOPortAccess:
		return "IO-PORT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint32(k))
	}
}

// RedirectClass reports whether and how the kind can be redirected to the decoy.
func (k Kind) RedirectClass() RedirectClass {
	switch k {
	case KindFlashRead:
		return RedirectRead
	case KindFlashWrite:
		return RedirectWrite
	case KindFlashErase:
		return RedirectErase
	case KindRegisterWrite, KindRegisterRead, KindModelRegisterWrite, KindModelRegisterRead,
		KindTPMAccess, KindSecureBootModify, KindMicrocodeUpdate, KindMemoryMap, KindIOPortAccess:
		return RedirectNone
	default:
		return RedirectNone
	}
}

// IsWrite reports whether the kind mutates flash contents.
func (k Kind) IsWrite() bool {
	return k == KindFlashWrite || k == KindFlashErase
}

// ParseKind accepts either the display name (SPI-WRITE) or a short alias (flash-write).
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if s == k.String() {
			return k, nil
		}
	}
	switch s {
	case "flash-read":
		return KindFlashRead, nil
	case "flash-write":
		return KindFlashWrite, nil
	case "flash-erase":
		return KindFlashErase, nil
	case "register-write":
		return KindRegisterWrite, nil
	case "register-read":
		return KindRegisterRead, nil
	case "msr-write":
		return KindModelRegisterWrite, nil
	case "msr-read":
		return KindModelRegisterRead, nil
	case "tpm-access":
		return KindTPMAccess, nil
	case "secure-boot-modify":
		return KindSecureBootModify, nil
	case "microcode-update":
		return KindMicrocodeUpdate, nil
	case "memory-map":
		return KindMemoryMap, nil
	case "io-port":
		return KindIOPortAccess, nil
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// CallerContext describes an OS-side caller. Firmware-internal operations carry no context.
type CallerContext struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	PID   int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Token string `json:"-" yaml:"token,omitempty"`
}

// Operation is one intercepted hardware operation. It is a value type and is not
// modified once constructed.
type Operation struct {
	Kind    Kind
	Address uint64
	Value   uint64
	Size    uint32
	Caller  *CallerContext
}

// FromOS reports whether the operation originated from the running operating system.
func (op Operation) FromOS() bool {
	return op.Caller != nil
}

// CallerID returns the declared caller id, or "firmware" for firmware-internal operations.
func (op Operation) CallerID() string {
	if op.Caller == nil {
		return "firmware"
	}
	if op.Caller.ID == "" {
		return "os"
	}
	return op.Caller.ID
}

// End returns the exclusive end address of the operation extent, saturating on overflow.
func (op Operation) End() uint64 {
	end := op.Address + uint64(op.Size)
	if end < op.Address {
		return ^uint64(0)
	}
	return end
}

func (op Operation) String() string {
	return fmt.Sprintf("%s addr=0x%x size=%d value=0x%x caller=%s", op.Kind, op.Address, op.Size, op.Value, op.CallerID())
}
