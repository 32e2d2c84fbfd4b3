//go:build unix

package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// Shared region layout:
//
//	[0:4] doorbell
//	[4:8] message length
//	[8:]  message
//
// Every doorbell transition is a compare-and-swap, so callers in unrelated
// processes mapping the same file never share the message area. A caller owns
// the channel from claimed until it moves it back to idle; the sentinel owns it
// while busy.
const (
	doorbellIdle      = 0 // free to claim
	doorbellRequest   = 1 // request written, waiting for the sentinel
	doorbellResponse  = 2 // response written, waiting for the caller
	doorbellClaimed   = 3 // a caller is writing its request
	doorbellBusy      = 4 // the sentinel is handling the request
	doorbellAbandoned = 5 // the caller gave up while busy; the sentinel frees the channel
	shmPreamble       = 8
)

// SharedRegion is a file-backed shared memory buffer carrying one message at a time.
// The sentinel side runs Serve; the OS side calls RoundTrip.
type SharedRegion struct {
	mu  sync.Mutex
	f   *os.File
	mem []byte
}

// OpenSharedRegion maps the file at path, creating and sizing it when create is set.
func OpenSharedRegion(path string, size int, create bool) (*SharedRegion, error) {
	if create && size <= shmPreamble+HeaderSize {
		return nil, fmt.Errorf("shared region of %d bytes is too small", size)
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared region: %w", err)
	}
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size shared region: %w", err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat shared region: %w", err)
		}
		size = int(fi.Size())
		if size <= shmPreamble+HeaderSize {
			f.Close()
			return nil, fmt.Errorf("shared region %s of %d bytes is too small", path, size)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shared region: %w", err)
	}
	return &SharedRegion{f: f, mem: mem}, nil
}

// Capacity is the largest message the region can carry.
func (r *SharedRegion) Capacity() int {
	return len(r.mem) - shmPreamble
}

func (r *SharedRegion) doorbell() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[0]))
}

func (r *SharedRegion) put(msg []byte) {
	copy(r.mem[shmPreamble:], msg)
	binary.LittleEndian.PutUint32(r.mem[4:8], uint32(len(msg)))
}

func (r *SharedRegion) take() ([]byte, bool) {
	n := int(binary.LittleEndian.Uint32(r.mem[4:8]))
	if n > r.Capacity() {
		return nil, false
	}
	return append([]byte(nil), r.mem[shmPreamble:shmPreamble+n]...), true
}

// Serve polls the doorbell and answers requests with b until ctx is done.
func (r *SharedRegion) Serve(ctx context.Context, b *Bridge, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if !atomic.CompareAndSwapUint32(r.doorbell(), doorbellRequest, doorbellBusy) {
			continue
		}
		var resp []byte
		if msg, ok := r.take(); ok {
			resp = b.Handle(msg)
		} else {
			resp = EncodeResponse(0, StatusInvalidRequest, nil)
		}
		if len(resp) > r.Capacity() {
			h, _ := ParseHeader(resp)
			resp = EncodeResponse(h.Command, StatusTooLarge, nil)
		}
		r.put(resp)
		if !atomic.CompareAndSwapUint32(r.doorbell(), doorbellBusy, doorbellResponse) {
			atomic.StoreUint32(r.doorbell(), doorbellIdle)
		}
	}
}

// RoundTrip places msg in the region, rings the doorbell and waits for the response.
func (r *SharedRegion) RoundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	if len(msg) > r.Capacity() {
		return nil, fmt.Errorf("request of %d bytes exceeds region: %w", len(msg), types.ErrTooLarge)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.poll(ctx, func(db *uint32) bool {
		return atomic.CompareAndSwapUint32(db, doorbellIdle, doorbellClaimed)
	}); err != nil {
		return nil, fmt.Errorf("waiting for idle channel: %w", err)
	}
	r.put(msg)
	atomic.StoreUint32(r.doorbell(), doorbellRequest)
	if err := r.poll(ctx, func(db *uint32) bool {
		return atomic.LoadUint32(db) == doorbellResponse
	}); err != nil {
		r.abandon()
		return nil, fmt.Errorf("waiting for response: %w", err)
	}
	resp, ok := r.take()
	atomic.StoreUint32(r.doorbell(), doorbellIdle)
	if !ok {
		return nil, fmt.Errorf("response length exceeds region: %w", types.ErrDeviceError)
	}
	return resp, nil
}

// abandon releases a channel this caller owns after its context ended.
func (r *SharedRegion) abandon() {
	db := r.doorbell()
	for {
		switch {
		case atomic.CompareAndSwapUint32(db, doorbellRequest, doorbellIdle),
			atomic.CompareAndSwapUint32(db, doorbellBusy, doorbellAbandoned),
			atomic.CompareAndSwapUint32(db, doorbellResponse, doorbellIdle):
			return
		}
	}
}

func (r *SharedRegion) poll(ctx context.Context, done func(db *uint32) bool) error {
	for !done(r.doorbell()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Microsecond):
		}
	}
	return nil
}

func (r *SharedRegion) Close() error {
	err := unix.Munmap(r.mem)
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
