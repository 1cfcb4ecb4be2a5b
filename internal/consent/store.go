package consent

import (
	"context"
	"sync"

	"github.com/safetrail/backend/internal/core"
)

// MemoryStore is an in-process consent record store. It satisfies Resolver
// for deployments where consent is managed through the engine's own API
// rather than an external registry.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]core.ConsentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]core.ConsentRecord)}
}

// Lookup implements Resolver.
func (s *MemoryStore) Lookup(_ context.Context, touristID string) (*core.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[touristID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// Set stores or replaces a tourist's record.
func (s *MemoryStore) Set(rec core.ConsentRecord) {
	s.mu.Lock()
	s.records[rec.TouristID] = rec
	s.mu.Unlock()
}

// Revoke removes a record, returning the tourist to the no-consent default.
func (s *MemoryStore) Revoke(touristID string) {
	s.mu.Lock()
	delete(s.records, touristID)
	s.mu.Unlock()
}
