// Package device provides the real flash part that allowed operations and validated
// bridge passthrough requests are applied to.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// Flash is the real flash device. Addresses are physical.
type Flash interface {
	Read(addr uint64, n int) ([]byte, error)
	Write(addr uint64, data []byte) error
	Erase(addr uint64, size uint32) error
	Base() uint64
	Size() uint64
}

// Memory is an in-memory flash part. It counts every call so callers can
// prove the device was never touched.
type Memory struct {
	mu    sync.RWMutex
	base  uint64
	buf   []byte
	calls atomic.Uint64
}

func NewMemory(base uint64, size int) *Memory {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &Memory{base: base, buf: buf}
}

// NewMemoryFrom wraps an existing image; the slice is copied.
func NewMemoryFrom(base uint64, image []byte) *Memory {
	return &Memory{base: base, buf: append([]byte(nil), image...)}
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

// Calls returns how many Read, Write and Erase calls reached the device.
func (m *Memory) Calls() uint64 { return m.calls.Load() }

func (m *Memory) offset(addr uint64, n uint64) (uint64, error) {
	return checkExtent(m.base, uint64(len(m.buf)), addr, n)
}

func (m *Memory) Read(addr uint64, n int) ([]byte, error) {
	m.calls.Add(1)
	off, err := m.offset(addr, uint64(n))
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, n)
	copy(out, m.buf[off:])
	return out, nil
}

func (m *Memory) Write(addr uint64, data []byte) error {
	m.calls.Add(1)
	off, err := m.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.buf[off:], data)
	return nil
}

func (m *Memory) Erase(addr uint64, size uint32) error {
	m.calls.Add(1)
	off, err := m.offset(addr, uint64(size))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := off; i < off+uint64(size); i++ {
		m.buf[i] = 0xFF
	}
	return nil
}

func checkExtent(base, size, addr, n uint64) (uint64, error) {
	if addr < base || addr-base >= size {
		return 0, fmt.Errorf("address 0x%x outside device [0x%x,0x%x): %w", addr, base, base+size, types.ErrOutOfRange)
	}
	off := addr - base
	if n > size-off {
		return 0, fmt.Errorf("extent 0x%x+0x%x runs past end of device: %w", addr, n, types.ErrOutOfRange)
	}
	return off, nil
}
