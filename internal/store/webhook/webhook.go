// Package webhook batches events and posts them as JSON arrays to an alerting endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type Config struct {
	URL           string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	Headers       map[string]string
	// EventTypes limits what is forwarded. Empty forwards everything.
	EventTypes []string
	// Urgent event types flush the pending batch immediately.
	Urgent []string
}

type Store struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	buf       []types.Event
	lastFlush time.Time
	closed    bool
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Headers = maps.Clone(cfg.Headers)
	return &Store{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		lastFlush: time.Now().UTC(),
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if len(s.cfg.EventTypes) > 0 && !slices.Contains(s.cfg.EventTypes, ev.Type) {
		return nil
	}
	var toFlush []types.Event

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, ev)
	now := time.Now().UTC()
	shouldFlush := len(s.buf) >= s.cfg.BatchSize ||
		now.Sub(s.lastFlush) >= s.cfg.FlushInterval ||
		slices.Contains(s.cfg.Urgent, ev.Type)
	if shouldFlush {
		toFlush = s.buf
		s.buf = nil
		s.lastFlush = now
	}
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	return s.flush(ctx, toFlush)
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("webhook: %w", store.ErrQueryUnsupported)
}

// Pending returns the number of buffered events.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Store) Close() error {
	var toFlush []types.Event
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	toFlush, s.buf = s.buf, nil
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	return s.flush(ctx, toFlush)
}

func (s *Store) flush(ctx context.Context, batch []types.Event) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
