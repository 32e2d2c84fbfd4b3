// Package events fans gateway events out to subscribers without ever blocking the
// intercept path.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/phoenixguard/sentinel/pkg/types"
)

type subscription struct {
	types map[string]struct{} // empty means all
}

func (s subscription) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type Broker struct {
	mu      sync.RWMutex
	subs    map[chan types.Event]subscription
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[chan types.Event]subscription), logger: logger}
}

// Subscribe registers a buffered channel. When eventTypes is non-empty only those
// event types are delivered.
func (b *Broker) Subscribe(buf int, eventTypes ...string) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)
	sub := subscription{}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = sub
	return ch
}

func (b *Broker) Unsubscribe(ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish delivers ev to every interested subscriber. Slow subscribers lose the event.
func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("events: dropped event", "type", ev.Type, "seq", ev.Seq, "total_dropped", count)
			}
		}
	}
}

// Subscribers returns the number of registered channels.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
