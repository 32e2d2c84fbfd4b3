package device

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// File is a flash part backed by an image file, such as a dump taken with an
// external programmer. The file size is the device size.
type File struct {
	mu   sync.Mutex
	f    *os.File
	base uint64
	size uint64
}

func OpenFile(path string, base uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open flash image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat flash image: %w", err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("flash image %s is empty", path)
	}
	return &File{f: f, base: base, size: uint64(fi.Size())}, nil
}

func (d *File) Base() uint64 { return d.base }
func (d *File) Size() uint64 { return d.size }

func (d *File) Read(addr uint64, n int) ([]byte, error) {
	off, err := checkExtent(d.base, d.size, addr, uint64(n))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	if _, err := d.f.ReadAt(out, int64(off)); err != nil {
		return nil, fmt.Errorf("read image at 0x%x: %v: %w", off, err, types.ErrDeviceError)
	}
	return out, nil
}

func (d *File) Write(addr uint64, data []byte) error {
	off, err := checkExtent(d.base, d.size, addr, uint64(len(data)))
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(data, int64(off)); err != nil {
		return fmt.Errorf("write image at 0x%x: %v: %w", off, err, types.ErrDeviceError)
	}
	return nil
}

func (d *File) Erase(addr uint64, size uint32) error {
	return d.Write(addr, bytes.Repeat([]byte{0xFF}, int(size)))
}

func (d *File) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
