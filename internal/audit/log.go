// Package audit keeps the bounded record of every intercepted operation and the
// HMAC chain used to make exported records tamper-evident.
package audit

import (
	"sync"

	"github.com/phoenixguard/sentinel/pkg/types"
)

const DefaultCapacity = 1000

// Log is a fixed-capacity ring of audit records. When full, Append overwrites the
// oldest record. Append is the only way to add records.
type Log struct {
	mu    sync.Mutex
	buf   []types.AuditRecord
	head  int // index of the oldest record
	count int
	seq   uint64
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]types.AuditRecord, capacity)}
}

// Append stores rec, assigning it the next sequence number, and returns that number.
func (l *Log) Append(rec types.AuditRecord) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec.Seq = l.seq

	if l.count < len(l.buf) {
		l.buf[(l.head+l.count)%len(l.buf)] = rec
		l.count++
		return rec.Seq
	}
	l.buf[l.head] = rec
	l.head = (l.head + 1) % len(l.buf)
	return rec.Seq
}

// Export returns the retained records, oldest first.
func (l *Log) Export() []types.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.AuditRecord, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}

func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Log) Capacity() int {
	return len(l.buf)
}

// Total returns how many records have ever been appended since the last Clear.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.head = 0
	l.count = 0
	l.seq = 0
}
