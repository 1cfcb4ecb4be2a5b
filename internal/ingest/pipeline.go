// Package ingest runs the position pipeline: authorization, rate limiting,
// validation, consent, derivation, state swap, geofence evaluation, alerts,
// persistence, and fan-out. Fixes for one tourist are processed in accept
// order by a per-shard serial worker.
package ingest

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/safetrail/backend/internal/alerts"
	"github.com/safetrail/backend/internal/consent"
	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/geo"
	"github.com/safetrail/backend/internal/geofence"
	"github.com/safetrail/backend/internal/metrics"
	"github.com/safetrail/backend/internal/ratelimit"
	"github.com/safetrail/backend/internal/state"
	"github.com/safetrail/backend/internal/storage"
	"github.com/safetrail/backend/internal/zones"
)

const (
	// DefaultMaxClockSkew rejects fixes stamped too far in the future.
	DefaultMaxClockSkew = 60 * time.Second

	// DefaultQueueDepth per shard worker.
	DefaultQueueDepth = 256

	historyTimeout = 2 * time.Second
)

// Anomaly thresholds per fix.
const (
	anomalySpeed    = 50.0    // m/s
	anomalyAccuracy = 1000.0  // m
	anomalyDistance = 10000.0 // m from previous fix
	anomalyGap      = 3600.0  // seconds since previous fix
)

// Options tunes the pipeline.
type Options struct {
	MaxClockSkew       time.Duration
	QueueDepth         int
	AnonymizeSalt      string
	AllowImpersonation bool
}

// Pipeline wires the ingestion path. All dependencies are injected; nil
// cache, history, bus, and metrics degrade to no-ops.
type Pipeline struct {
	opts     Options
	limiter  *ratelimit.Limiter
	gate     *consent.Gate
	store    *state.Store
	registry *zones.Registry
	alerts   *alerts.Engine
	bus      *events.Bus
	cache    *storage.HotCache
	history  storage.HistoryStore
	metrics  *metrics.Metrics

	queues    [state.ShardCount]chan job
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *log.Logger

	now func() time.Time
}

type job struct {
	principal core.Principal
	fix       core.Fix
	decision  consent.Decision
}

// NewPipeline builds and starts the shard workers.
func NewPipeline(
	opts Options,
	limiter *ratelimit.Limiter,
	gate *consent.Gate,
	store *state.Store,
	registry *zones.Registry,
	alertEngine *alerts.Engine,
	bus *events.Bus,
	cache *storage.HotCache,
	history storage.HistoryStore,
	m *metrics.Metrics,
) *Pipeline {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	p := &Pipeline{
		opts:     opts,
		limiter:  limiter,
		gate:     gate,
		store:    store,
		registry: registry,
		alerts:   alertEngine,
		bus:      bus,
		cache:    cache,
		history:  history,
		metrics:  m,
		logger:   log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
		now:      time.Now,
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, opts.QueueDepth)
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Close drains the shard queues and stops the workers.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		for i := range p.queues {
			close(p.queues[i])
		}
	})
	p.wg.Wait()
}

// Ingest runs the synchronous gates (authorization, rate limit, validation,
// consent) and enqueues the fix for its shard worker. A nil return means the
// fix was accepted; processing completes asynchronously in accept order.
func (p *Pipeline) Ingest(ctx context.Context, principal core.Principal, fix core.Fix) error {
	if err := p.authorize(principal, fix); err != nil {
		p.reject("unauthorized")
		return err
	}

	if err := p.limiter.Allow(principal.ID, ratelimit.ClassPosition); err != nil {
		p.reject("rate_limited")
		return err
	}

	if err := p.validate(fix); err != nil {
		p.reject("validation")
		return err
	}

	decision, err := p.gate.Allow(ctx, fix.TouristID)
	if err != nil {
		p.reject("consent")
		return err
	}

	fix.IngestTS = p.now()
	j := job{principal: principal, fix: fix, decision: decision}
	select {
	case p.queues[state.ShardIndex(fix.TouristID)] <- j:
	default:
		p.reject("overload")
		return core.E(core.KindDependencyUnavailable, "ingest queue full for tourist %s", fix.TouristID)
	}

	if p.metrics != nil {
		p.metrics.FixesAccepted.WithLabelValues(string(principal.Role)).Inc()
	}
	return nil
}

func (p *Pipeline) authorize(principal core.Principal, fix core.Fix) error {
	if principal.ID == fix.TouristID {
		return nil
	}
	if principal.Role == core.RoleAuthority && principal.CanImpersonate && p.opts.AllowImpersonation {
		return nil
	}
	return core.E(core.KindUnauthorized, "principal %s may not report positions for %s", principal.ID, fix.TouristID)
}

func (p *Pipeline) validate(fix core.Fix) error {
	pt := geo.Point{Lat: fix.Latitude, Lng: fix.Longitude}
	if !pt.InRange() {
		return core.E(core.KindInvalidInput, "coordinates out of range: %f,%f", fix.Latitude, fix.Longitude)
	}
	if fix.Accuracy < 0 {
		return core.E(core.KindInvalidInput, "negative accuracy")
	}
	if fix.ClientTS.IsZero() {
		return core.E(core.KindInvalidInput, "missing timestamp")
	}
	if fix.ClientTS.After(p.now().Add(p.opts.MaxClockSkew)) {
		return core.E(core.KindInvalidInput, "timestamp too far in the future")
	}
	return nil
}

func (p *Pipeline) worker(shard int) {
	defer p.wg.Done()
	for j := range p.queues[shard] {
		p.process(j)
	}
}

// process runs the ordered tail of the pipeline for one accepted fix. Runs
// only on the fix's shard worker, so per-tourist order is the channel order.
func (p *Pipeline) process(j job) {
	started := p.now()

	prev, hadPrev := p.store.Get(j.fix.TouristID)

	// Monotonicity: an out-of-order fix is dropped without an error, the
	// caller already saw its accept.
	if hadPrev && !j.fix.ClientTS.After(prev.Fix.ClientTS) {
		p.reject("stale")
		return
	}

	fix, derived := p.derive(prev, hadPrev, j.fix)

	snap := p.registry.Snapshot()
	res := geofence.Evaluate(prev.Membership, geo.Point{Lat: fix.Latitude, Lng: fix.Longitude}, snap)

	st := p.store.Update(fix.TouristID, func(s *core.TouristState) {
		s.Name = j.principal.Name
		s.Fix = fix
		s.Membership = res.Membership
		s.SnapshotVersion = snap.Version
		s.EvaluatedAt = fix.IngestTS
		s.Status = deriveStatus(s.SOSActive, res.InRestricted)
	})

	emitted := p.alerts.ProcessEdges(fix, st.Name, res)
	if p.metrics != nil {
		for _, a := range emitted {
			p.metrics.AlertsEmitted.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		}
	}

	p.persist(st, fix, derived, j.decision, snap.Version)

	if p.cache != nil {
		p.cache.WriteLive(context.Background(), st)
		if p.metrics != nil {
			setFlag(p.metrics.CacheDegraded, !p.cache.Healthy())
		}
	}

	// Alerts go on the bus after the position events that produced them, so
	// the hub's single subscription never delivers an alert first.
	p.publish(st, fix, res)
	p.alerts.Publish(emitted)

	if p.metrics != nil {
		p.metrics.IngestLatency.WithLabelValues("ok").Observe(p.now().Sub(started).Seconds())
	}
}

// derivedFields carries the movement metrics computed against the previous
// fix.
type derivedFields struct {
	distanceM  float64
	gapSeconds float64
	quality    float64
	anomalous  bool
}

func (p *Pipeline) derive(prev core.TouristState, hadPrev bool, fix core.Fix) (core.Fix, derivedFields) {
	d := derivedFields{quality: 1.0}

	if hadPrev {
		a := geo.Point{Lat: prev.Fix.Latitude, Lng: prev.Fix.Longitude}
		b := geo.Point{Lat: fix.Latitude, Lng: fix.Longitude}
		d.distanceM = geo.Haversine(a, b)
		d.gapSeconds = fix.ClientTS.Sub(prev.Fix.ClientTS).Seconds()

		if fix.Speed == 0 && d.gapSeconds > 0 {
			fix.Speed = d.distanceM / d.gapSeconds
		}
		if fix.Heading == 0 && d.distanceM > 0 {
			fix.Heading = geo.Bearing(a, b)
		}
	}

	switch {
	case fix.Accuracy > 100:
		d.quality -= 0.3
	case fix.Accuracy >= 50:
		d.quality -= 0.1
	}
	if fix.Speed > 200/3.6 {
		d.quality -= 0.5
	}
	if d.gapSeconds > 3600 {
		d.quality -= 0.2
	}
	if d.distanceM > 50000 {
		d.quality -= 0.4
	}
	d.quality = math.Max(0, math.Min(1, d.quality))

	d.anomalous = fix.Speed > anomalySpeed ||
		fix.Accuracy > anomalyAccuracy ||
		d.distanceM > anomalyDistance ||
		d.gapSeconds > anomalyGap

	return fix, d
}

// persist appends the history row with anonymization applied. History
// failures log and continue; live tracking never depends on the trail.
func (p *Pipeline) persist(st core.TouristState, fix core.Fix, d derivedFields, dec consent.Decision, snapVersion uint64) {
	if p.history == nil {
		return
	}

	entry := storage.HistoryEntry{
		TouristID:       fix.TouristID,
		TouristName:     st.Name,
		Latitude:        fix.Latitude,
		Longitude:       fix.Longitude,
		Accuracy:        fix.Accuracy,
		Speed:           fix.Speed,
		Heading:         fix.Heading,
		ClientTS:        fix.ClientTS,
		ServerTS:        fix.IngestTS,
		DistanceM:       d.distanceM,
		GapSeconds:      d.gapSeconds,
		Quality:         d.quality,
		Anomalous:       d.anomalous,
		SnapshotVersion: snapVersion,
		Anonymized:      dec.Anonymize,
		RetentionDays:   dec.RetentionDays,
	}
	if dec.Anonymize {
		entry.TouristID = consent.HashID(p.opts.AnonymizeSalt, fix.TouristID)
		entry.TouristName = consent.MaskName(st.Name)
		entry.Latitude = consent.RoundCoord(fix.Latitude)
		entry.Longitude = consent.RoundCoord(fix.Longitude)
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	begin := p.now()
	err := p.history.Append(ctx, entry)
	if p.metrics != nil {
		p.metrics.HistoryLatency.Observe(p.now().Sub(begin).Seconds())
		setFlag(p.metrics.HistoryDegraded, !p.history.Available())
	}
	if err != nil {
		p.logger.Printf("history append failed for %s, continuing: %v", fix.TouristID, err)
		if p.metrics != nil {
			p.metrics.HistoryWrites.WithLabelValues("error").Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.HistoryWrites.WithLabelValues("ok").Inc()
	}
}

func (p *Pipeline) publish(st core.TouristState, fix core.Fix, res geofence.Result) {
	if p.bus == nil {
		return
	}

	p.bus.Publish(events.Event{
		Type:      events.TypeLocationChanged,
		TouristID: fix.TouristID,
		Time:      fix.IngestTS,
		Location: &events.LocationChanged{
			TouristID: fix.TouristID,
			Name:      st.Name,
			Lat:       fix.Latitude,
			Lon:       fix.Longitude,
			Accuracy:  fix.Accuracy,
			Timestamp: fix.ClientTS,
		},
	})

	p.bus.Publish(events.Event{
		Type:      events.TypeZoneStatus,
		TouristID: fix.TouristID,
		Time:      fix.IngestTS,
		Zone: &events.ZoneStatus{
			TouristID:       fix.TouristID,
			InRestricted:    res.InRestricted,
			InSafe:          res.InSafe,
			RestrictedZones: zoneRefs(res.RestrictedZones),
			SafeZones:       zoneRefs(res.SafeZones),
			Status:          string(st.Status),
		},
	})
}

func (p *Pipeline) reject(reason string) {
	if p.metrics != nil {
		p.metrics.FixesRejected.WithLabelValues(reason).Inc()
	}
}

func deriveStatus(sosActive, inRestricted bool) core.Status {
	switch {
	case sosActive:
		return core.StatusSOS
	case inRestricted:
		return core.StatusRisk
	default:
		return core.StatusSafe
	}
}

func zoneRefs(zs []*zones.Zone) []events.ZoneRef {
	out := make([]events.ZoneRef, 0, len(zs))
	for _, z := range zs {
		out = append(out, events.ZoneRef{ID: z.ID, Name: z.Name, Severity: z.Severity})
	}
	return out
}

func setFlag(g interface{ Set(float64) }, on bool) {
	if on {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
