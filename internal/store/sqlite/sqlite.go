package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phoenixguard/sentinel/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			type TEXT NOT NULL,
			mode TEXT,
			seq INTEGER,
			operation TEXT,
			address INTEGER,
			size INTEGER,
			caller TEXT,
			action TEXT,
			score INTEGER,
			cumulative INTEGER,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_operation_ts ON events(operation, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_action ON events(action);`,
		`CREATE INDEX IF NOT EXISTS idx_events_caller ON events(caller);`,
		`CREATE TABLE IF NOT EXISTS incidents (
			threshold INTEGER PRIMARY KEY,
			first_seen_ns INTEGER NOT NULL,
			last_seen_ns INTEGER NOT NULL,
			cumulative INTEGER NOT NULL,
			indicators TEXT,
			occurrences INTEGER NOT NULL DEFAULT 1
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var action string
	var score, cumulative any
	if ev.Verdict != nil {
		action = string(ev.Verdict.Action)
		score = int64(ev.Verdict.Score)
		cumulative = int64(ev.Verdict.Cumulative)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(
			event_id, ts_unix_ns, type, mode, seq, operation,
			address, size, caller, action, score, cumulative, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.Type,
		nullable(ev.Mode),
		nullableUint(ev.Seq),
		nullable(ev.Operation),
		int64(ev.Address),
		int64(ev.Size),
		nullable(ev.Caller),
		nullable(action),
		score,
		cumulative,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where := []string{"1=1"}
	var args []any

	if len(q.Types) > 0 {
		place := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			place = append(place, "?")
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(place, ",")+")")
	}
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, q.Operation)
	}
	if q.Caller != "" {
		where = append(where, "caller = ?")
		args = append(args, q.Caller)
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	if q.Action != nil {
		where = append(where, "action = ?")
		args = append(args, string(*q.Action))
	}
	if q.TextLike != "" {
		where = append(where, "payload_json LIKE ?")
		args = append(args, q.TextLike)
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+`, seq `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events rows: %w", err)
	}
	return out, nil
}

// Incident summarises every crossing of one suspicion threshold.
type Incident struct {
	Threshold   uint64    `json:"threshold"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Cumulative  uint64    `json:"cumulative"`
	Indicators  []string  `json:"indicators"`
	Occurrences int       `json:"occurrences"`
}

// UpsertIncident records a threshold crossing. A threshold crossed again after a
// statistics reset bumps the occurrence count.
func (s *Store) UpsertIncident(ctx context.Context, inc Incident) error {
	ind, err := json.Marshal(inc.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	ts := inc.LastSeen.UTC().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents(threshold, first_seen_ns, last_seen_ns, cumulative, indicators)
		VALUES(?,?,?,?,?)
		ON CONFLICT(threshold) DO UPDATE SET
			last_seen_ns = excluded.last_seen_ns,
			cumulative = excluded.cumulative,
			indicators = excluded.indicators,
			occurrences = occurrences + 1;`,
		int64(inc.Threshold), ts, ts, int64(inc.Cumulative), string(ind),
	)
	if err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

func (s *Store) ListIncidents(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT threshold, first_seen_ns, last_seen_ns, cumulative, indicators, occurrences
		FROM incidents ORDER BY threshold ASC`)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			inc             Incident
			threshold, cum  int64
			firstNS, lastNS int64
			indicators      sql.NullString
		)
		if err := rows.Scan(&threshold, &firstNS, &lastNS, &cum, &indicators, &inc.Occurrences); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Threshold = uint64(threshold)
		inc.Cumulative = uint64(cum)
		inc.FirstSeen = time.Unix(0, firstNS).UTC()
		inc.LastSeen = time.Unix(0, lastNS).UTC()
		if indicators.Valid && indicators.String != "" {
			_ = json.Unmarshal([]byte(indicators.String), &inc.Indicators)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUint(i uint64) any {
	if i == 0 {
		return nil
	}
	return int64(i)
}
