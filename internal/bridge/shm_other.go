//go:build !unix

package bridge

import (
	"context"
	"errors"
	"time"
)

var errNoSharedMemory = errors.New("shared memory bridge is not supported on this platform")

type SharedRegion struct{}

func OpenSharedRegion(path string, size int, create bool) (*SharedRegion, error) {
	return nil, errNoSharedMemory
}

func (r *SharedRegion) Capacity() int { return 0 }

func (r *SharedRegion) Serve(ctx context.Context, b *Bridge, interval time.Duration) error {
	return errNoSharedMemory
}

func (r *SharedRegion) RoundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	return nil, errNoSharedMemory
}

func (r *SharedRegion) Close() error { return nil }
