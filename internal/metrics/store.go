package metrics

import (
	"context"

	"github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type wrappedEventStore struct {
	inner store.EventStore
	c     *Collector
}

// WrapEventStore counts every event on its way into inner.
func WrapEventStore(inner store.EventStore, c *Collector) store.EventStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedEventStore{inner: inner, c: c}
}

func (w *wrappedEventStore) AppendEvent(ctx context.Context, ev types.Event) error {
	w.c.Observe(ev)
	return w.inner.AppendEvent(ctx, ev)
}

func (w *wrappedEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return w.inner.QueryEvents(ctx, q)
}

func (w *wrappedEventStore) Close() error { return w.inner.Close() }

// Unwrap returns the wrapped store.
func (w *wrappedEventStore) Unwrap() store.EventStore { return w.inner }
