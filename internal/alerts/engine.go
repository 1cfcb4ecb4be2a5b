// Package alerts materializes geofence edges and SOS signals into alerts,
// retains a bounded in-memory ring, and publishes each alert on the event
// bus for fan-out and export.
package alerts

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/geofence"
	"github.com/safetrail/backend/internal/zones"
)

const (
	// DefaultCapacity of the alert ring; overflow evicts oldest.
	DefaultCapacity = 1000

	// dedupeWindow collapses identical (tourist, kind, zone) alerts to
	// absorb GPS jitter at a zone boundary.
	dedupeWindow = 2 * time.Second
)

type dedupeKey struct {
	touristID string
	kind      core.AlertKind
	zoneID    string
}

// Engine owns the alert ring. All operations are O(1) under one mutex.
type Engine struct {
	mu     sync.Mutex
	ring   []core.Alert
	head   int // next write slot
	count  int
	recent map[dedupeKey]time.Time

	bus    *events.Bus
	logger *log.Logger
	now    func() time.Time
}

// NewEngine creates an alert engine publishing to bus. capacity <= 0 uses
// the default.
func NewEngine(capacity int, bus *events.Bus) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{
		ring:   make([]core.Alert, capacity),
		recent: make(map[dedupeKey]time.Time),
		bus:    bus,
		logger: log.New(log.Writer(), "[Alerts] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ProcessEdges applies the alert rules to an evaluation result and returns
// the alerts actually emitted (after dedupe). The alerts are recorded but not
// yet published; the caller sequences Publish after the events that produced
// them so subscribers never see an alert before its position update.
func (e *Engine) ProcessEdges(fix core.Fix, touristName string, res geofence.Result) []core.Alert {
	var out []core.Alert

	for _, z := range res.Entered {
		if z.Variant != zones.VariantRestricted {
			continue
		}
		if a, ok := e.emit(core.Alert{
			Kind:        core.AlertGeofenceBreach,
			TouristID:   fix.TouristID,
			TouristName: touristName,
			Latitude:    fix.Latitude,
			Longitude:   fix.Longitude,
			ZoneID:      z.ID,
			ZoneName:    z.Name,
			Severity:    z.Severity,
			Description: fmt.Sprintf("%s entered restricted zone %q", touristName, z.Name),
		}); ok {
			out = append(out, a)
		}
	}

	for _, z := range res.Exited {
		if z.Variant != zones.VariantSafe || res.InSafe {
			continue
		}
		if a, ok := e.emit(core.Alert{
			Kind:        core.AlertSafeZoneExit,
			TouristID:   fix.TouristID,
			TouristName: touristName,
			Latitude:    fix.Latitude,
			Longitude:   fix.Longitude,
			ZoneID:      z.ID,
			ZoneName:    z.Name,
			Severity:    core.SeverityMedium,
			Description: fmt.Sprintf("%s left safe zone %q", touristName, z.Name),
		}); ok {
			out = append(out, a)
		}
	}

	return out
}

// Publish emits recorded alerts on the bus in order.
func (e *Engine) Publish(as []core.Alert) {
	if e.bus == nil {
		return
	}
	for _, a := range as {
		a := a
		e.bus.Publish(events.Event{
			Type:      events.TypeAlert,
			TouristID: a.TouristID,
			Time:      a.Timestamp,
			Alert:     &a,
		})
	}
}

// InjectSOS is the narrow entry point for the external SOS subsystem.
func (e *Engine) InjectSOS(touristID, touristName string, lat, lon float64) core.Alert {
	a, ok := e.emit(core.Alert{
		Kind:        core.AlertSOSTriggered,
		TouristID:   touristID,
		TouristName: touristName,
		Latitude:    lat,
		Longitude:   lon,
		Severity:    core.SeverityHigh,
		Description: fmt.Sprintf("SOS triggered by %s", touristName),
	})
	if ok {
		e.Publish([]core.Alert{a})
	}
	return a
}

// ResolveSOS records the explicit resolution transition. SOS records are
// never deleted; resolution is its own alert.
func (e *Engine) ResolveSOS(touristID, touristName string, lat, lon float64) core.Alert {
	a, ok := e.emit(core.Alert{
		Kind:        core.AlertSOSResolved,
		TouristID:   touristID,
		TouristName: touristName,
		Latitude:    lat,
		Longitude:   lon,
		Severity:    core.SeverityHigh,
		Description: fmt.Sprintf("SOS resolved for %s", touristName),
	})
	if ok {
		e.Publish([]core.Alert{a})
	}
	return a
}

// Recent returns up to limit alerts, newest first.
func (e *Engine) Recent(limit int) []core.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > e.count {
		limit = e.count
	}
	out := make([]core.Alert, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (e.head - 1 - i + len(e.ring)*2) % len(e.ring)
		out = append(out, e.ring[idx])
	}
	return out
}

// Len returns the number of retained alerts.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// emit assigns id and timestamp, applies dedupe, and appends to the ring.
// Returns false when the alert was collapsed into a recent twin.
func (e *Engine) emit(a core.Alert) (core.Alert, bool) {
	now := e.now()

	e.mu.Lock()
	key := dedupeKey{touristID: a.TouristID, kind: a.Kind, zoneID: a.ZoneID}
	if last, ok := e.recent[key]; ok && now.Sub(last) < dedupeWindow {
		e.mu.Unlock()
		return core.Alert{}, false
	}
	e.recent[key] = now
	for k, ts := range e.recent {
		if now.Sub(ts) >= dedupeWindow {
			delete(e.recent, k)
		}
	}

	a.ID = uuid.NewString()
	a.Timestamp = now

	e.ring[e.head] = a
	e.head = (e.head + 1) % len(e.ring)
	if e.count < len(e.ring) {
		e.count++
	}
	e.mu.Unlock()

	e.logger.Printf("%s tourist=%s zone=%s severity=%s", a.Kind, a.TouristID, a.ZoneID, a.Severity)
	return a, true
}
