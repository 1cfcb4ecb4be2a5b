// Package zones holds the authoritative set of restricted and safe zones.
//
// The registry is copy-on-write: every mutation builds a fresh immutable
// Snapshot and atomically swaps the read pointer, so a single fix is always
// evaluated against one coherent zone set. Readers never block writers.
package zones

import (
	"context"
	"log"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/geo"
)

// Variant distinguishes restricted from safe zones. Kept for reporting;
// geometry is evaluated uniformly.
type Variant string

const (
	VariantRestricted Variant = "restricted"
	VariantSafe       Variant = "safe"
)

// Zone is a geofenced area. Geometry is immutable after creation; replacing
// it is delete+create so enter/exit edge semantics stay well defined.
type Zone struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Variant     Variant       `json:"variant"`
	Severity    core.Severity `json:"severity"`
	Geometry    geo.Polygon   `json:"geometry"`
	Circle      *geo.Circle   `json:"circle,omitempty"` // set when the zone was registered as a circle
	Active      bool          `json:"active"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`

	// DeletedAt is set on tombstones only; never serialized.
	DeletedAt time.Time `json:"-"`
}

// Snapshot is an immutable, versioned view of the registry. Deleted zones
// stay behind as tombstones until compaction so a tourist's exit edge can
// still name the zone it left.
type Snapshot struct {
	Version     uint64
	Restricted  []*Zone
	Safe        []*Zone
	LastUpdated time.Time

	byID  map[string]*Zone
	tombs map[string]*Zone
}

// Zone looks up a live zone by id within this snapshot.
func (s *Snapshot) Zone(id string) (*Zone, bool) {
	z, ok := s.byID[id]
	return z, ok
}

// ZoneOrTombstone resolves an id against live zones first, then tombstones.
// Used when materializing exit edges for zones deleted between two fixes.
func (s *Snapshot) ZoneOrTombstone(id string) (*Zone, bool) {
	if z, ok := s.byID[id]; ok {
		return z, true
	}
	z, ok := s.tombs[id]
	return z, ok
}

// Active returns all active zones of both variants.
func (s *Snapshot) Active() []*Zone {
	out := make([]*Zone, 0, len(s.Restricted)+len(s.Safe))
	for _, z := range s.Restricted {
		if z.Active {
			out = append(out, z)
		}
	}
	for _, z := range s.Safe {
		if z.Active {
			out = append(out, z)
		}
	}
	return out
}

// Len returns the total zone count, active or not.
func (s *Snapshot) Len() int { return len(s.byID) }

// Patch carries the mutable zone fields. Nil members are left unchanged.
type Patch struct {
	Name        *string
	Severity    *core.Severity
	Active      *bool
	Description *string
}

// Registry owns the zone set. Mutations are serialized by mu; reads go
// through the atomic snapshot pointer.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	store     SnapshotStore
	persistCh chan *Snapshot
	done      chan struct{}
	closeOnce sync.Once

	logger *log.Logger
}

// NewRegistry creates an empty registry (snapshot v0). The store may be nil,
// in which case zones live only in memory.
func NewRegistry(store SnapshotStore) *Registry {
	r := &Registry{
		store:     store,
		persistCh: make(chan *Snapshot, 1),
		done:      make(chan struct{}),
		logger:    log.New(log.Writer(), "[Zones] ", log.LstdFlags),
	}
	r.current.Store(&Snapshot{Version: 0, byID: map[string]*Zone{}, tombs: map[string]*Zone{}})
	if store != nil {
		go r.persistLoop()
	}
	return r
}

// Restore loads the persisted snapshot, if any. Called once at startup; a
// missing or unreachable store leaves the registry empty.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	zs, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Printf("zone snapshot restore failed, starting empty: %v", err)
		return err
	}
	if len(zs) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.rebuild(zs, nil, r.current.Load().Version+1)
	r.current.Store(next)
	slog.Info("zone registry restored", "zones", len(zs), "version", next.Version)
	return nil
}

// Close stops the write-behind persister.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Snapshot returns the current immutable view. Callers hold the version they
// sampled for the whole evaluation.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Add registers a new zone. Polygon geometry is validated; circles are
// normalized to 64-vertex rings. Duplicate names are warned, not rejected.
func (r *Registry) Add(variant Variant, name string, ring geo.Polygon, circle *geo.Circle, severity core.Severity, description string) (*Zone, error) {
	if name == "" {
		return nil, core.E(core.KindInvalidInput, "zone name is required")
	}
	switch severity {
	case core.SeverityLow, core.SeverityMedium, core.SeverityHigh:
	default:
		return nil, core.E(core.KindInvalidInput, "unknown severity %q", severity)
	}
	switch variant {
	case VariantRestricted, VariantSafe:
	default:
		return nil, core.E(core.KindInvalidInput, "unknown zone variant %q", variant)
	}

	if circle != nil {
		normalized, err := geo.CircleToPolygon(*circle, geo.DefaultCircleVertices)
		if err != nil {
			return nil, err
		}
		ring = normalized
	} else if err := geo.Validate(ring); err != nil {
		return nil, err
	}

	zone := &Zone{
		ID:          uuid.NewString(),
		Name:        name,
		Variant:     variant,
		Severity:    severity,
		Geometry:    ring,
		Circle:      circle,
		Active:      true,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	for _, existing := range cur.byID {
		if existing.Name == name {
			r.logger.Printf("duplicate zone name %q (existing id %s)", name, existing.ID)
			break
		}
	}

	next := r.withZones(cur, func(live, _ map[string]*Zone) { live[zone.ID] = zone })
	r.current.Store(next)
	r.enqueuePersist(next)
	return zone, nil
}

// Update patches the mutable fields of a zone.
func (r *Registry) Update(id string, patch Patch) (*Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	old, ok := cur.byID[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "zone %s not found", id)
	}

	updated := *old
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Severity != nil {
		switch *patch.Severity {
		case core.SeverityLow, core.SeverityMedium, core.SeverityHigh:
		default:
			return nil, core.E(core.KindInvalidInput, "unknown severity %q", *patch.Severity)
		}
		updated.Severity = *patch.Severity
	}
	if patch.Active != nil {
		updated.Active = *patch.Active
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}

	next := r.withZones(cur, func(live, _ map[string]*Zone) { live[id] = &updated })
	r.current.Store(next)
	r.enqueuePersist(next)
	return &updated, nil
}

// Delete removes a zone. Tourists recorded inside it get their exit edge on
// their next fix, evaluated against the new snapshot.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.byID[id]; !ok {
		return core.E(core.KindNotFound, "zone %s not found", id)
	}

	next := r.withZones(cur, func(live, tombs map[string]*Zone) {
		tomb := *live[id]
		tomb.DeletedAt = time.Now().UTC()
		tombs[id] = &tomb
		delete(live, id)
	})
	r.current.Store(next)
	r.enqueuePersist(next)
	return nil
}

// Get returns a zone by id from the current snapshot.
func (r *Registry) Get(id string) (*Zone, error) {
	z, ok := r.current.Load().Zone(id)
	if !ok {
		return nil, core.E(core.KindNotFound, "zone %s not found", id)
	}
	return z, nil
}

// tombstoneTTL bounds how long deleted zones stay resolvable for exit
// edges before the next snapshot rebuild compacts them away.
const tombstoneTTL = time.Hour

// withZones clones the current live and tombstone maps, applies mutate, and
// builds the next snapshot. Caller holds mu.
func (r *Registry) withZones(cur *Snapshot, mutate func(live, tombs map[string]*Zone)) *Snapshot {
	live := make(map[string]*Zone, len(cur.byID)+1)
	for k, v := range cur.byID {
		live[k] = v
	}
	tombs := make(map[string]*Zone, len(cur.tombs))
	now := time.Now().UTC()
	for k, v := range cur.tombs {
		if now.Sub(v.DeletedAt) < tombstoneTTL {
			tombs[k] = v
		}
	}
	mutate(live, tombs)

	zs := make([]*Zone, 0, len(live))
	for _, z := range live {
		zs = append(zs, z)
	}
	return r.rebuild(zs, tombs, cur.Version+1)
}

func (r *Registry) rebuild(zs []*Zone, tombs map[string]*Zone, version uint64) *Snapshot {
	if tombs == nil {
		tombs = map[string]*Zone{}
	}
	next := &Snapshot{
		Version:     version,
		LastUpdated: time.Now().UTC(),
		byID:        make(map[string]*Zone, len(zs)),
		tombs:       tombs,
	}
	// Stable order keeps list responses and persisted blobs deterministic.
	sort.Slice(zs, func(i, j int) bool { return zs[i].CreatedAt.Before(zs[j].CreatedAt) })
	for _, z := range zs {
		next.byID[z.ID] = z
		switch z.Variant {
		case VariantRestricted:
			next.Restricted = append(next.Restricted, z)
		case VariantSafe:
			next.Safe = append(next.Safe, z)
		}
	}
	return next
}

// enqueuePersist hands the snapshot to the write-behind persister, replacing
// any not-yet-written older version. The in-memory snapshot is authoritative
// during the write window.
func (r *Registry) enqueuePersist(s *Snapshot) {
	if r.store == nil {
		return
	}
	for {
		select {
		case r.persistCh <- s:
			return
		default:
			select {
			case <-r.persistCh: // drop the stale pending snapshot
			default:
			}
		}
	}
}

func (r *Registry) persistLoop() {
	for {
		select {
		case s := <-r.persistCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			zs := make([]*Zone, 0, len(s.byID))
			zs = append(zs, s.Restricted...)
			zs = append(zs, s.Safe...)
			if err := r.store.Save(ctx, zs, s.LastUpdated); err != nil {
				r.logger.Printf("zone snapshot persist failed (version %d): %v", s.Version, err)
			}
			cancel()
		case <-r.done:
			return
		}
	}
}
