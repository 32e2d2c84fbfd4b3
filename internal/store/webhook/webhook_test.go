package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/phoenixguard/sentinel/pkg/types"
)

type collector struct {
	mu      sync.Mutex
	batches [][]types.Event
	headers []http.Header
}

func (c *collector) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var batch []types.Event
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *collector) snapshot() [][]types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]types.Event(nil), c.batches...)
}

func TestStore_FlushesOnBatchSize(t *testing.T) {
	var c collector
	srv := c.server(t)

	st, err := New(Config{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour, Timeout: 2 * time.Second,
		Headers: map[string]string{"X-Sentinel": "host-1"}})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for _, id := range []string{"1", "2"} {
		if err := st.AppendEvent(context.Background(), types.Event{ID: id, Type: "intercept"}); err != nil {
			t.Fatal(err)
		}
	}

	got := c.snapshot()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected 1 batch of 2, got %#v", got)
	}
	if h := c.headers[0].Get("X-Sentinel"); h != "host-1" {
		t.Fatalf("expected custom header, got %q", h)
	}
}

func TestStore_UrgentAndFilteredEvents(t *testing.T) {
	var c collector
	srv := c.server(t)

	st, err := New(Config{
		URL:           srv.URL,
		BatchSize:     50,
		FlushInterval: time.Hour,
		EventTypes:    []string{"intercept", "threshold_crossed"},
		Urgent:        []string{"threshold_crossed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_ = st.AppendEvent(ctx, types.Event{ID: "m", Type: "mode_changed"})
	_ = st.AppendEvent(ctx, types.Event{ID: "i", Type: "intercept"})
	if st.Pending() != 1 {
		t.Fatalf("expected 1 pending event, got %d", st.Pending())
	}
	if err := st.AppendEvent(ctx, types.Event{ID: "t", Type: "threshold_crossed"}); err != nil {
		t.Fatal(err)
	}

	got := c.snapshot()
	if len(got) != 1 || len(got[0]) != 2 || got[0][1].ID != "t" {
		t.Fatalf("expected urgent flush of 2 events, got %#v", got)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvent(ctx, types.Event{ID: "late", Type: "intercept"}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestStore_CloseFlushesRemainder(t *testing.T) {
	var c collector
	srv := c.server(t)
	st, err := New(Config{URL: srv.URL, BatchSize: 10, FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	_ = st.AppendEvent(context.Background(), types.Event{ID: "1", Type: "intercept"})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if got := c.snapshot(); len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected remainder flushed on close, got %#v", got)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
