package events

import (
	"testing"
	"time"

	"github.com/phoenixguard/sentinel/pkg/types"
)

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(10)
	defer b.Unsubscribe(ch)

	ev := types.Event{ID: "e1", Type: "intercept", Seq: 7}
	b.Publish(ev)

	select {
	case got := <-ch:
		if got.ID != ev.ID || got.Type != ev.Type || got.Seq != ev.Seq {
			t.Fatalf("event mismatch: got %+v want %+v", got, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerTypeFilter(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(10, "threshold_crossed")
	defer b.Unsubscribe(ch)

	b.Publish(types.Event{Type: "intercept"})
	b.Publish(types.Event{Type: "threshold_crossed"})

	if n := len(ch); n != 1 {
		t.Fatalf("expected 1 filtered event, got %d", n)
	}
	if got := <-ch; got.Type != "threshold_crossed" {
		t.Fatalf("unexpected event type %q", got.Type)
	}
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ev := types.Event{Type: "intercept"}
	b.Publish(ev) // fills buffer
	b.Publish(ev) // should drop

	if n := len(ch); n != 1 {
		t.Fatalf("expected buffer length 1 after drop, got %d", n)
	}
	if got := b.DroppedCount(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	default:
		t.Fatal("expected channel to be closed and readable")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Subscribers())
	}
}
