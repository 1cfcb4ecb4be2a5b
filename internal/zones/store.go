package zones

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KV is the minimal key-value surface the snapshot store needs. The registry
// does not import a concrete driver; cmd/server creates the adapter and
// injects it.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// SnapshotStore persists the zone set across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, zs []*Zone, updated time.Time) error
	Load(ctx context.Context) ([]*Zone, error)
}

// snapshotBlob is the persisted wire shape.
type snapshotBlob struct {
	Restricted  []*Zone   `json:"restricted"`
	Safe        []*Zone   `json:"safe"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// KVSnapshotStore stores the whole zone set as one JSON blob under a single
// key. Zone sets are small; one blob keeps restore atomic.
type KVSnapshotStore struct {
	kv  KV
	key string
}

// NewKVSnapshotStore creates a snapshot store on the given key-value client.
func NewKVSnapshotStore(kv KV, key string) *KVSnapshotStore {
	if key == "" {
		key = "geofence_zones"
	}
	return &KVSnapshotStore{kv: kv, key: key}
}

func (s *KVSnapshotStore) Save(ctx context.Context, zs []*Zone, updated time.Time) error {
	blob := snapshotBlob{LastUpdated: updated}
	for _, z := range zs {
		switch z.Variant {
		case VariantRestricted:
			blob.Restricted = append(blob.Restricted, z)
		case VariantSafe:
			blob.Safe = append(blob.Safe, z)
		}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal zone snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, data, 0); err != nil {
		return fmt.Errorf("store zone snapshot: %w", err)
	}
	return nil
}

func (s *KVSnapshotStore) Load(ctx context.Context) ([]*Zone, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load zone snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var blob snapshotBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal zone snapshot: %w", err)
	}
	return append(blob.Restricted, blob.Safe...), nil
}
