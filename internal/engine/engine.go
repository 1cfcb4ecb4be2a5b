// Package engine assembles the tracking components and exposes the surfaces
// the API and the SOS subsystem call into.
package engine

import (
	"context"
	"log"
	"time"

	"github.com/safetrail/backend/internal/alerts"
	"github.com/safetrail/backend/internal/consent"
	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/ingest"
	"github.com/safetrail/backend/internal/metrics"
	"github.com/safetrail/backend/internal/ratelimit"
	"github.com/safetrail/backend/internal/state"
	"github.com/safetrail/backend/internal/storage"
	"github.com/safetrail/backend/internal/zones"
)

// Options for assembly. Zero values get component defaults.
type Options struct {
	AlertRingCapacity  int
	ConsentTimeout     time.Duration
	MaxClockSkew       time.Duration
	QueueDepth         int
	AnonymizeSalt      string
	AllowImpersonation bool
}

// Deps are the injected infrastructure seams. Cache hash and history may be
// nil; the engine then runs memory-only for that tier.
type Deps struct {
	Resolver  consent.Resolver
	ZoneStore zones.SnapshotStore
	CacheHash storage.Hash
	History   storage.HistoryStore
}

// Engine owns the component graph.
type Engine struct {
	Registry *zones.Registry
	States   *state.Store
	Limiter  *ratelimit.Limiter
	Gate     *consent.Gate
	Alerts   *alerts.Engine
	Bus      *events.Bus
	Cache    *storage.HotCache
	History  storage.HistoryStore
	Pipeline *ingest.Pipeline
	Metrics  *metrics.Metrics

	logger *log.Logger
}

// New wires the engine. Call WarmUp before serving traffic.
func New(opts Options, deps Deps, m *metrics.Metrics) *Engine {
	e := &Engine{
		Registry: zones.NewRegistry(deps.ZoneStore),
		States:   state.NewStore(),
		Limiter:  ratelimit.NewLimiter(nil),
		Bus:      events.NewBus(0),
		Cache:    storage.NewHotCache(deps.CacheHash),
		History:  deps.History,
		Metrics:  m,
		logger:   log.New(log.Writer(), "[Engine] ", log.LstdFlags),
	}
	e.Gate = consent.NewGate(deps.Resolver, opts.ConsentTimeout)
	e.Alerts = alerts.NewEngine(opts.AlertRingCapacity, e.Bus)
	e.Pipeline = ingest.NewPipeline(
		ingest.Options{
			MaxClockSkew:       opts.MaxClockSkew,
			QueueDepth:         opts.QueueDepth,
			AnonymizeSalt:      opts.AnonymizeSalt,
			AllowImpersonation: opts.AllowImpersonation,
		},
		e.Limiter, e.Gate, e.States, e.Registry, e.Alerts, e.Bus, e.Cache, e.History, m,
	)
	return e
}

// Ingest satisfies the hub's Ingestor seam.
func (e *Engine) Ingest(ctx context.Context, principal core.Principal, fix core.Fix) error {
	return e.Pipeline.Ingest(ctx, principal, fix)
}

// WarmUp restores the zone snapshot and seeds live state from the hot
// cache. Failures degrade, never abort: the engine starts empty.
func (e *Engine) WarmUp(ctx context.Context) {
	if err := e.Registry.Restore(ctx); err != nil {
		e.logger.Printf("zone snapshot restore failed, starting empty: %v", err)
	}

	if !e.Cache.Enabled() {
		return
	}
	recs, err := e.Cache.LoadAll(ctx)
	if err != nil {
		e.logger.Printf("live-position warm-up failed, starting empty: %v", err)
		return
	}
	for _, rec := range recs {
		rec := rec
		e.States.Update(rec.TouristID, func(s *core.TouristState) {
			s.Name = rec.Name
			s.Fix = core.Fix{
				TouristID: rec.TouristID,
				Latitude:  rec.Lat,
				Longitude: rec.Lon,
				Accuracy:  rec.Accuracy,
				ClientTS:  rec.Timestamp,
			}
			s.Status = rec.Status
		})
	}
	if len(recs) > 0 {
		e.logger.Printf("warmed %d live positions from cache", len(recs))
	}
}

// TriggerSOS flags the tourist and emits the alert at their last known
// position.
func (e *Engine) TriggerSOS(touristID string) core.Alert {
	st := e.States.Update(touristID, func(s *core.TouristState) {
		s.SOSActive = true
		s.Status = core.StatusSOS
	})
	return e.Alerts.InjectSOS(touristID, st.Name, st.Fix.Latitude, st.Fix.Longitude)
}

// ResolveSOS clears the flag and emits the resolution alert. Status falls
// back to the zone-derived value on the next fix.
func (e *Engine) ResolveSOS(touristID string) core.Alert {
	st := e.States.Update(touristID, func(s *core.TouristState) {
		s.SOSActive = false
		s.Status = core.StatusSafe
	})
	return e.Alerts.ResolveSOS(touristID, st.Name, st.Fix.Latitude, st.Fix.Longitude)
}

// Health reports per-tier availability for the health endpoint.
type Health struct {
	CacheEnabled     bool `json:"cache_enabled"`
	CacheHealthy     bool `json:"cache_healthy"`
	HistoryEnabled   bool `json:"history_enabled"`
	HistoryAvailable bool `json:"history_available"`
	Tourists         int  `json:"tourists"`
	Zones            int  `json:"zones"`
	Sessions         int  `json:"-"`
}

// Degraded reports whether any enabled tier is down.
func (h Health) Degraded() bool {
	return (h.CacheEnabled && !h.CacheHealthy) || (h.HistoryEnabled && !h.HistoryAvailable)
}

// Health snapshots the engine's dependency state.
func (e *Engine) Health() Health {
	h := Health{
		CacheEnabled: e.Cache.Enabled(),
		CacheHealthy: e.Cache.Healthy(),
		Tourists:     e.States.Len(),
		Zones:        e.Registry.Snapshot().Len(),
	}
	if e.History != nil {
		h.HistoryEnabled = true
		h.HistoryAvailable = e.History.Available()
	}
	return h
}

// Close tears the engine down in dependency order.
func (e *Engine) Close() {
	e.Pipeline.Close()
	e.Limiter.Close()
	e.Registry.Close()
}
