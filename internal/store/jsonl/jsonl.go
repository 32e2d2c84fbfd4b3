// Package jsonl appends events to a size-rotated JSON Lines file, optionally
// chaining every line with an HMAC so the export can be verified later.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/phoenixguard/sentinel/internal/audit"
	"github.com/phoenixguard/sentinel/internal/store"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type Store struct {
	path       string
	maxBytes   int64
	maxBackups int
	chain      *audit.IntegrityChain

	mu   sync.Mutex
	file *os.File
}

type Option func(*Store)

// WithIntegrity wraps every line with chain metadata. An existing file is
// continued from its last wrapped entry.
func WithIntegrity(chain *audit.IntegrityChain) Option {
	return func(s *Store) { s.chain = chain }
}

func New(path string, maxSizeMB int, maxBackups int, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	s := &Store{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	for _, o := range opts {
		o(s)
	}
	if s.chain != nil {
		if err := s.resumeChain(); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *Store) resumeChain() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open jsonl for chain resume: %w", err)
	}
	defer f.Close()
	st, err := audit.TailState(f)
	if err != nil {
		return fmt.Errorf("resume integrity chain: %w", err)
	}
	s.chain.Restore(st)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}
	if s.chain != nil {
		if b, err = s.chain.Wrap(b); err != nil {
			return fmt.Errorf("integrity wrap: %w", err)
		}
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("jsonl: %w", store.ErrQueryUnsupported)
}

// Files lists the current file and its backups, oldest first, the order in
// which a continued integrity chain verifies.
func (s *Store) Files() []string {
	return Files(s.path, s.maxBackups)
}

// Files lists the rotated backups of path that exist, oldest first, then path.
func Files(path string, maxBackups int) []string {
	var out []string
	for i := maxBackups; i >= 1; i-- {
		p := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return append(out, path)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Store) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("jsonl file not open")
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat jsonl: %w", err)
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = os.Rename(s.path, fmt.Sprintf("%s.1", s.path))

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reopen jsonl: %w", err)
	}
	s.file = f
	return nil
}
