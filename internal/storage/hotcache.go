// Package storage holds the two persistence tiers: the best-effort hot
// cache of live positions and the durable append-only location history.
package storage

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/safetrail/backend/internal/core"
)

// DefaultCacheTimeout bounds every hot-cache round trip.
const DefaultCacheTimeout = 2 * time.Second

// liveKey is the hash holding tourist id → latest fix JSON.
const liveKey = "live_positions"

// Hash is the minimal Redis hash surface the cache needs.
type Hash interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// LiveRecord is the serialized projection other processes read.
type LiveRecord struct {
	TouristID string      `json:"tourist_id"`
	Name      string      `json:"name"`
	Lat       float64     `json:"lat"`
	Lon       float64     `json:"lon"`
	Accuracy  float64     `json:"accuracy,omitempty"`
	Status    core.Status `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// HotCache projects live positions into Redis. Strictly best-effort: write
// failures are logged and counted, never surfaced to ingestion.
type HotCache struct {
	hash    Hash
	timeout time.Duration
	healthy atomic.Bool
	logger  *log.Logger
}

// NewHotCache wraps a Redis hash client. A nil client yields a disabled
// cache whose operations are no-ops.
func NewHotCache(hash Hash) *HotCache {
	c := &HotCache{
		hash:    hash,
		timeout: DefaultCacheTimeout,
		logger:  log.New(log.Writer(), "[HotCache] ", log.LstdFlags),
	}
	c.healthy.Store(hash != nil)
	return c
}

// Enabled reports whether a backing client exists.
func (c *HotCache) Enabled() bool { return c.hash != nil }

// Healthy reports the last observed cache health.
func (c *HotCache) Healthy() bool { return c.healthy.Load() }

// WriteLive stores the latest accepted fix for a tourist.
func (c *HotCache) WriteLive(ctx context.Context, st core.TouristState) {
	if c.hash == nil {
		return
	}
	rec := LiveRecord{
		TouristID: st.TouristID,
		Name:      st.Name,
		Lat:       st.Fix.Latitude,
		Lon:       st.Fix.Longitude,
		Accuracy:  st.Fix.Accuracy,
		Status:    st.Status,
		Timestamp: st.Fix.ClientTS,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Printf("marshal live record for %s: %v", st.TouristID, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.hash.HSet(ctx, liveKey, st.TouristID, data); err != nil {
		if c.healthy.Swap(false) {
			c.logger.Printf("live-position write failed, cache degraded: %v", err)
		}
		return
	}
	c.healthy.Store(true)
}

// LoadAll reads the whole projection; used only to warm in-memory state at
// startup.
func (c *HotCache) LoadAll(ctx context.Context) ([]LiveRecord, error) {
	if c.hash == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.hash.HGetAll(ctx, liveKey)
	if err != nil {
		return nil, err
	}
	out := make([]LiveRecord, 0, len(raw))
	for field, blob := range raw {
		var rec LiveRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			c.logger.Printf("skipping corrupt live record %s: %v", field, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
