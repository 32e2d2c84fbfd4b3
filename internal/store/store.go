// Package store persists gateway events. Each backend implements EventStore;
// backends that only export data return ErrQueryUnsupported from QueryEvents.
package store

import (
	"context"
	"errors"

	"github.com/phoenixguard/sentinel/pkg/types"
)

var ErrQueryUnsupported = errors.New("store does not support queries")

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}
