// Package bridge implements the request/response channel the booted operating system
// uses to talk to the sentinel.
//
// Every message starts with a 24-byte little-endian header:
//
//	magic u32 | version u32 | command u32 | request size u32 | response size u32 | status u32
//
// followed by the command payload.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/phoenixguard/sentinel/pkg/types"
)

const (
	Magic      = 0x534E544C // "SNTL"
	Version    = 0x00010000
	HeaderSize = 24

	// MaxFlashRequest caps a single passthrough read or write.
	MaxFlashRequest = 1 << 20
	// MaxDecoyExport caps a decoy export.
	MaxDecoyExport = 64 << 10
)

type Command uint32

const (
	CmdGetStatus    Command = 1
	CmdGetLogs      Command = 2
	CmdFlashRead    Command = 3
	CmdFlashWrite   Command = 4
	CmdSetMode      Command = 5
	CmdGetDecoy     Command = 6
	CmdExportReport Command = 7
	CmdReset        Command = 8
)

func (c Command) String() string {
	switch c {
	case CmdGetStatus:
		return "get-status"
	case CmdGetLogs:
		return "get-logs"
	case CmdFlashRead:
		return "flash-read"
	case CmdFlashWrite:
		return "flash-write"
	case CmdSetMode:
		return "set-mode"
	case CmdGetDecoy:
		return "get-decoy"
	case CmdExportReport:
		return "export-report"
	case CmdReset:
		return "reset"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

type Status uint32

const (
	StatusSuccess        Status = 0
	StatusInvalidRequest Status = 1
	StatusOutOfRange     Status = 2
	StatusTooLarge       Status = 3
	StatusNotReady       Status = 4
	StatusAccessDenied   Status = 5
	StatusDeviceError    Status = 6
)

var statusErrors = map[Status]error{
	StatusInvalidRequest: types.ErrInvalidRequest,
	StatusOutOfRange:     types.ErrOutOfRange,
	StatusTooLarge:       types.ErrTooLarge,
	StatusNotReady:       types.ErrNotReady,
	StatusAccessDenied:   types.ErrAccessDenied,
	StatusDeviceError:    types.ErrDeviceError,
}

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	if err, ok := statusErrors[s]; ok {
		return err.Error()
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Err returns the taxonomy error for s, or nil on success.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	if err, ok := statusErrors[s]; ok {
		return err
	}
	return fmt.Errorf("unknown bridge status %d", uint32(s))
}

// StatusFor maps an error onto the wire status. Unclassified errors are device errors.
func StatusFor(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	for _, s := range []Status{StatusInvalidRequest, StatusOutOfRange, StatusTooLarge, StatusNotReady, StatusAccessDenied, StatusDeviceError} {
		if errors.Is(err, statusErrors[s]) {
			return s
		}
	}
	return StatusDeviceError
}

type Header struct {
	Magic        uint32
	Version      uint32
	Command      Command
	RequestSize  uint32
	ResponseSize uint32
	Status       Status
}

func (h Header) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], h.Magic)
	le.PutUint32(b[4:], h.Version)
	le.PutUint32(b[8:], uint32(h.Command))
	le.PutUint32(b[12:], h.RequestSize)
	le.PutUint32(b[16:], h.ResponseSize)
	le.PutUint32(b[20:], uint32(h.Status))
}

// ParseHeader decodes and validates the fixed header of msg.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, fmt.Errorf("message of %d bytes is shorter than header: %w", len(msg), types.ErrInvalidRequest)
	}
	le := binary.LittleEndian
	h := Header{
		Magic:        le.Uint32(msg[0:]),
		Version:      le.Uint32(msg[4:]),
		Command:      Command(le.Uint32(msg[8:])),
		RequestSize:  le.Uint32(msg[12:]),
		ResponseSize: le.Uint32(msg[16:]),
		Status:       Status(le.Uint32(msg[20:])),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("bad magic 0x%08x: %w", h.Magic, types.ErrInvalidRequest)
	}
	if h.Version != Version {
		return h, fmt.Errorf("unsupported version 0x%08x: %w", h.Version, types.ErrInvalidRequest)
	}
	return h, nil
}

// EncodeRequest builds a request message.
func EncodeRequest(cmd Command, payload []byte) []byte {
	msg := make([]byte, HeaderSize+len(payload))
	Header{Magic: Magic, Version: Version, Command: cmd, RequestSize: uint32(len(payload))}.put(msg)
	copy(msg[HeaderSize:], payload)
	return msg
}

// DecodeRequest validates a request message and returns its header and payload.
func DecodeRequest(msg []byte) (Header, []byte, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return h, nil, err
	}
	if uint64(h.RequestSize) > uint64(len(msg)-HeaderSize) {
		return h, nil, fmt.Errorf("request size %d exceeds message: %w", h.RequestSize, types.ErrInvalidRequest)
	}
	return h, msg[HeaderSize : HeaderSize+int(h.RequestSize)], nil
}

// EncodeResponse builds a response message.
func EncodeResponse(cmd Command, status Status, payload []byte) []byte {
	msg := make([]byte, HeaderSize+len(payload))
	Header{Magic: Magic, Version: Version, Command: cmd, ResponseSize: uint32(len(payload)), Status: status}.put(msg)
	copy(msg[HeaderSize:], payload)
	return msg
}

// DecodeResponse validates a response message and returns its header and payload.
func DecodeResponse(msg []byte) (Header, []byte, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return h, nil, err
	}
	if uint64(h.ResponseSize) > uint64(len(msg)-HeaderSize) {
		return h, nil, fmt.Errorf("response size %d exceeds message: %w", h.ResponseSize, types.ErrInvalidRequest)
	}
	return h, msg[HeaderSize : HeaderSize+int(h.ResponseSize)], nil
}
