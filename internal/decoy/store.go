// Package decoy holds the fabricated flash image that redirected operations are served from.
package decoy

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/phoenixguard/sentinel/pkg/types"
)

const DefaultSize = 16 << 20

// Store is a fixed-size byte buffer standing in for the real flash part.
// Reads may run concurrently with each other; writes are exclusive.
type Store struct {
	mu    sync.RWMutex
	base  uint64
	buf   []byte
	dirty bool
}

// New allocates a store of the given size, seeded with a believable firmware image.
// base is the physical address that maps to offset 0.
func New(base uint64, size int) (*Store, error) {
	if size <= 0 {
		return nil, fmt.Errorf("decoy size must be positive, got %d", size)
	}
	s := &Store{base: base, buf: make([]byte, size)}
	seed(s.buf)
	return s, nil
}

func (s *Store) Size() int {
	return len(s.buf)
}

func (s *Store) Base() uint64 {
	return s.base
}

// Dirty reports whether anything has been written to or erased in the store since creation.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Map translates a physical address into a store offset. Addresses inside the device range
// map linearly from base; anything else wraps modulo the store size.
func (s *Store) Map(addr uint64) uint64 {
	size := uint64(len(s.buf))
	if addr >= s.base && addr-s.base < size {
		return addr - s.base
	}
	return addr % size
}

func (s *Store) check(off uint64, n uint64) error {
	size := uint64(len(s.buf))
	if off >= size || n > size-off {
		return fmt.Errorf("decoy extent [0x%x,+0x%x) exceeds size 0x%x: %w", off, n, size, types.ErrOutOfRange)
	}
	return nil
}

// Read copies size bytes starting at the mapped address.
func (s *Store) Read(addr uint64, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative read size: %w", types.ErrInvalidRequest)
	}
	off := s.Map(addr)
	if err := s.check(off, uint64(size)); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, size)
	copy(out, s.buf[off:])
	return out, nil
}

// ReadValue reads up to 8 bytes at addr and returns them as a little-endian integer.
// A width of 0 reads a full 8 bytes.
func (s *Store) ReadValue(addr uint64, width uint32) (uint64, error) {
	if width == 0 || width > 8 {
		width = 8
	}
	b, err := s.Read(addr, int(width))
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func (s *Store) Write(addr uint64, data []byte) error {
	off := s.Map(addr)
	if err := s.check(off, uint64(len(data))); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.buf[off:], data)
	s.dirty = true
	return nil
}

// Erase sets size bytes at the mapped address to 0xFF, the erased state of NOR flash.
func (s *Store) Erase(addr uint64, size uint32) error {
	off := s.Map(addr)
	if err := s.check(off, uint64(size)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fill(s.buf[off:off+uint64(size)], 0xFF)
	s.dirty = true
	return nil
}

// Export copies the first n bytes of the image. n is clamped to the store size.
func (s *Store) Export(n int) []byte {
	if n < 0 || n > len(s.buf) {
		n = len(s.buf)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out
}

// Remaining returns how many bytes lie between the mapped address and the end of the store.
func (s *Store) Remaining(addr uint64) uint64 {
	return uint64(len(s.buf)) - s.Map(addr)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
