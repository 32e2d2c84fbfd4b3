package composite

import (
	"context"
	"errors"
	"fmt"

	"github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/internal/store/sqlite"
	"github.com/phoenixguard/sentinel/pkg/types"
)

// Store writes every event to all backends. Queries go to the primary, falling back
// to the first other backend that supports them.
type Store struct {
	primary store.EventStore
	others  []store.EventStore
}

func New(primary store.EventStore, others ...store.EventStore) *Store {
	return &Store{primary: primary, others: others}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var firstErr error
	if err := s.primary.AppendEvent(ctx, ev); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.AppendEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ev.Type == "threshold_crossed" {
		if err := s.RecordIncidentFromEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	for _, st := range s.all() {
		evs, err := st.QueryEvents(ctx, q)
		if errors.Is(err, store.ErrQueryUnsupported) {
			continue
		}
		return evs, err
	}
	return nil, fmt.Errorf("composite: %w", store.ErrQueryUnsupported)
}

func (s *Store) Close() error {
	var firstErr error
	for _, st := range s.all() {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) all() []store.EventStore {
	return append([]store.EventStore{s.primary}, s.others...)
}

// Incidents returns the recorded threshold crossings when a sqlite backend is present.
func (s *Store) Incidents(ctx context.Context) ([]sqlite.Incident, error) {
	db := s.sqlite()
	if db == nil {
		return nil, fmt.Errorf("incidents: %w", store.ErrQueryUnsupported)
	}
	return db.ListIncidents(ctx)
}

// RecordIncidentFromEvent extracts the threshold data from a threshold_crossed
// event and upserts it into the sqlite backend.
func (s *Store) RecordIncidentFromEvent(ctx context.Context, ev types.Event) error {
	if ev.Type != "threshold_crossed" {
		return nil
	}
	db := s.sqlite()
	if db == nil {
		return nil
	}
	fields := ev.Fields
	if fields == nil {
		return nil
	}
	inc := sqlite.Incident{
		Threshold:  uintField(fields, "threshold"),
		Cumulative: uintField(fields, "cumulative"),
		Indicators: stringsField(fields, "indicators"),
		LastSeen:   ev.Timestamp,
	}
	if inc.Threshold == 0 {
		return nil
	}
	return db.UpsertIncident(ctx, inc)
}

type unwrapper interface {
	Unwrap() store.EventStore
}

func (s *Store) sqlite() *sqlite.Store {
	for _, st := range s.all() {
		for st != nil {
			if db, ok := st.(*sqlite.Store); ok {
				return db
			}
			u, ok := st.(unwrapper)
			if !ok {
				break
			}
			st = u.Unwrap()
		}
	}
	return nil
}

// uintField accepts the numeric shapes a field takes before and after a JSON round trip.
func uintField(m map[string]any, key string) uint64 {
	switch v := m[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return 0
}

func stringsField(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
