// Package state is the in-memory tourist state store: one live record per
// tourist, sharded by id hash so parallel ingestion across tourists never
// contends on a single lock.
package state

import (
	"hash/fnv"
	"sync"

	"github.com/safetrail/backend/internal/core"
)

// ShardCount is a power of two so the hash folds evenly.
const ShardCount = 64

type shard struct {
	mu     sync.RWMutex
	states map[string]*core.TouristState
}

// Store maps tourist id to live state. Access to one tourist is serialized
// by its shard lock; callers get consistent copies, never shared pointers.
type Store struct {
	shards [ShardCount]shard
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].states = make(map[string]*core.TouristState)
	}
	return s
}

// ShardIndex folds a tourist id onto a shard. Exported so the ingest queues
// can key their per-shard workers the same way.
func ShardIndex(touristID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(touristID))
	return h.Sum32() % ShardCount
}

func (s *Store) shardFor(touristID string) *shard {
	return &s.shards[ShardIndex(touristID)]
}

// Get returns a copy of one tourist's state.
func (s *Store) Get(touristID string) (core.TouristState, bool) {
	sh := s.shardFor(touristID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.states[touristID]
	if !ok {
		return core.TouristState{}, false
	}
	return cloneState(st), true
}

// Update applies fn to the tourist's state under the shard lock, creating
// the record if absent, and returns a copy of the result. This is the single
// mutation path, so fix swap and membership update land atomically.
func (s *Store) Update(touristID string, fn func(*core.TouristState)) core.TouristState {
	sh := s.shardFor(touristID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[touristID]
	if !ok {
		st = &core.TouristState{
			TouristID:  touristID,
			Membership: map[string]struct{}{},
			Status:     core.StatusSafe,
		}
		sh.states[touristID] = st
	}
	fn(st)
	return cloneState(st)
}

// All returns copies of every tracked tourist's state. Consistency is
// per-tourist; the overall set is not a point-in-time snapshot.
func (s *Store) All() []core.TouristState {
	var out []core.TouristState
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, st := range sh.states {
			out = append(out, cloneState(st))
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len counts tracked tourists.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.states)
		sh.mu.RUnlock()
	}
	return n
}

func cloneState(st *core.TouristState) core.TouristState {
	out := *st
	out.Membership = make(map[string]struct{}, len(st.Membership))
	for id := range st.Membership {
		out.Membership[id] = struct{}{}
	}
	return out
}
