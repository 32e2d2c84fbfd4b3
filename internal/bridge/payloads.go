package bridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/pkg/types"
)

const (
	flashRequestSize = 13
	statusSize       = 36
	logDescSize      = 128
	logRecordSize    = 8 + 4 + 4 + 8 + 8 + 1 + 1 + 2 + logDescSize
)

// FlashRequest is the payload of flash-read and flash-write.
type FlashRequest struct {
	Address uint64
	Size    uint32
	Write   bool
	Data    []byte
}

func (r FlashRequest) MarshalBinary() ([]byte, error) {
	if r.Write && int(r.Size) != len(r.Data) {
		return nil, fmt.Errorf("write size %d does not match %d data bytes", r.Size, len(r.Data))
	}
	b := make([]byte, flashRequestSize, flashRequestSize+len(r.Data))
	binary.LittleEndian.PutUint64(b[0:], r.Address)
	binary.LittleEndian.PutUint32(b[8:], r.Size)
	if r.Write {
		b[12] = 1
		b = append(b, r.Data...)
	}
	return b, nil
}

func ParseFlashRequest(p []byte) (FlashRequest, error) {
	if len(p) < flashRequestSize {
		return FlashRequest{}, fmt.Errorf("flash request of %d bytes: %w", len(p), types.ErrInvalidRequest)
	}
	r := FlashRequest{
		Address: binary.LittleEndian.Uint64(p[0:]),
		Size:    binary.LittleEndian.Uint32(p[8:]),
		Write:   p[12] != 0,
	}
	if r.Write {
		data := p[flashRequestSize:]
		if uint64(len(data)) != uint64(r.Size) {
			return FlashRequest{}, fmt.Errorf("write declares %d bytes, carries %d: %w", r.Size, len(data), types.ErrInvalidRequest)
		}
		r.Data = data
	}
	return r, nil
}

// StatusPayload is the fixed-width status response.
type StatusPayload struct {
	Active      bool
	Mode        types.Mode
	Intercepts  uint64
	Score       uint64
	LogCount    uint32
	DecoyActive bool
	DecoySize   uint32
}

func statusPayloadFrom(st gateway.Status) StatusPayload {
	return StatusPayload{
		Active:      st.Active,
		Mode:        st.Mode,
		Intercepts:  st.Intercepts,
		Score:       st.Score,
		LogCount:    uint32(st.LogCount),
		DecoyActive: st.DecoyActive,
		DecoySize:   uint32(st.DecoySize),
	}
}

func (s StatusPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, statusSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], boolU32(s.Active))
	le.PutUint32(b[4:], uint32(s.Mode))
	le.PutUint64(b[8:], s.Intercepts)
	le.PutUint64(b[16:], s.Score)
	le.PutUint32(b[24:], s.LogCount)
	le.PutUint32(b[28:], boolU32(s.DecoyActive))
	le.PutUint32(b[32:], s.DecoySize)
	return b, nil
}

func ParseStatus(p []byte) (StatusPayload, error) {
	if len(p) != statusSize {
		return StatusPayload{}, fmt.Errorf("status payload of %d bytes: %w", len(p), types.ErrInvalidRequest)
	}
	le := binary.LittleEndian
	return StatusPayload{
		Active:      le.Uint32(p[0:]) != 0,
		Mode:        types.Mode(le.Uint32(p[4:])),
		Intercepts:  le.Uint64(p[8:]),
		Score:       le.Uint64(p[16:]),
		LogCount:    le.Uint32(p[24:]),
		DecoyActive: le.Uint32(p[28:]) != 0,
		DecoySize:   le.Uint32(p[32:]),
	}, nil
}

// LogsPayloadSize is the encoded size of n audit records.
func LogsPayloadSize(n int) int {
	return 4 + n*logRecordSize
}

// EncodeLogs writes a u32 count followed by fixed-size records.
// Descriptions longer than the field are cut.
func EncodeLogs(recs []types.AuditRecord) []byte {
	b := make([]byte, LogsPayloadSize(len(recs)))
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(len(recs)))
	off := 4
	for _, r := range recs {
		p := b[off : off+logRecordSize]
		le.PutUint64(p[0:], uint64(r.Timestamp.UnixNano()))
		le.PutUint32(p[8:], uint32(r.Kind))
		le.PutUint32(p[12:], r.Size)
		le.PutUint64(p[16:], r.Address)
		le.PutUint64(p[24:], r.Value)
		p[32] = byte(boolU32(r.Allowed))
		p[33] = byte(boolU32(r.Redirected))
		copy(p[36:36+logDescSize-1], r.Description)
		off += logRecordSize
	}
	return b
}

func ParseLogs(p []byte) ([]types.AuditRecord, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("logs payload of %d bytes: %w", len(p), types.ErrInvalidRequest)
	}
	le := binary.LittleEndian
	n := int(le.Uint32(p[0:]))
	if len(p) != LogsPayloadSize(n) {
		return nil, fmt.Errorf("logs payload of %d bytes for %d records: %w", len(p), n, types.ErrInvalidRequest)
	}
	out := make([]types.AuditRecord, 0, n)
	for i := 0; i < n; i++ {
		r := p[4+i*logRecordSize : 4+(i+1)*logRecordSize]
		desc := r[36 : 36+logDescSize]
		if j := bytes.IndexByte(desc, 0); j >= 0 {
			desc = desc[:j]
		}
		out = append(out, types.AuditRecord{
			Timestamp:   time.Unix(0, int64(le.Uint64(r[0:]))),
			Kind:        types.Kind(le.Uint32(r[8:])),
			Size:        le.Uint32(r[12:]),
			Address:     le.Uint64(r[16:]),
			Value:       le.Uint64(r[24:]),
			Allowed:     r[32] != 0,
			Redirected:  r[33] != 0,
			Description: string(desc),
		})
	}
	return out, nil
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func boolU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
