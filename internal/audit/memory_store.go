package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultMemoryCap bounds the in-memory fallback so a long-running daemon
// cannot grow without limit.
const defaultMemoryCap = 10000

// MemoryStore is a bounded in-memory audit log. It honors the same query
// contract as the durable store and is used when no database is available.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

// NewMemoryStore returns an in-memory audit store holding at most cap
// entries (oldest evicted first). cap <= 0 selects the default bound.
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = defaultMemoryCap
	}
	return &MemoryStore{cap: cap}
}

// Log appends an entry, evicting the oldest when full.
func (s *MemoryStore) Log(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Output = TruncateOutput(entry.Output)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return nil
}

// Query returns matching entries, newest first.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.matches(s.entries[i]) {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// GetRecent returns the n newest entries, newest first.
func (s *MemoryStore) GetRecent(_ context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}
