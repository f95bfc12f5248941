package infra

import (
	"context"
	"sync"

	"github.com/ocx/memopay/internal/ledger"
)

// MemoryCursorStore is the in-process fallback. Cursors are lost on restart,
// after which a provider listens from its newest transaction.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]ledger.Signature
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]ledger.Signature)}
}

func (s *MemoryCursorStore) Load(_ context.Context, key string) (ledger.Signature, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.cursors[key]
	return sig, ok, nil
}

func (s *MemoryCursorStore) Save(_ context.Context, key string, sig ledger.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = sig
	return nil
}
