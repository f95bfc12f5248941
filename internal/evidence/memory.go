package evidence

import (
	"context"
	"sync"
)

// MemoryStore keeps the newest records in a bounded ring.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	max     int
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if over := len(s.records) - s.max; over > 0 {
		s.records = append([]Record(nil), s.records[over:]...)
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.records, limit), nil
}

func tail(records []Record, limit int) []Record {
	start := 0
	if limit > 0 && len(records) > limit {
		start = len(records) - limit
	}
	out := make([]Record, len(records)-start)
	copy(out, records[start:])
	return out
}
