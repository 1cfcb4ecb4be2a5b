// Package geofence diffs a tourist's zone membership between consecutive
// fixes against a single registry snapshot and produces enter/exit edges.
package geofence

import (
	"github.com/safetrail/backend/internal/geo"
	"github.com/safetrail/backend/internal/zones"
)

// Result of evaluating one fix against one snapshot.
type Result struct {
	// Membership is M_new: ids of active zones containing the fix.
	Membership map[string]struct{}

	Entered []*zones.Zone
	Exited  []*zones.Zone

	// Containment split by variant, for the zone_status payload and the
	// safe-exit alert rule.
	InRestricted    bool
	InSafe          bool
	RestrictedZones []*zones.Zone
	SafeZones       []*zones.Zone
}

// Evaluate computes the new membership set and its edges relative to prev.
// Every zone is tested against the same snapshot, so the evaluation is
// atomic with respect to zone mutations. A zone deleted since the previous
// fix resolves through its tombstone so the exit edge can still name it.
func Evaluate(prev map[string]struct{}, p geo.Point, snap *zones.Snapshot) Result {
	res := Result{Membership: make(map[string]struct{})}

	for _, z := range snap.Active() {
		if !geo.Contains(z.Geometry, p) {
			continue
		}
		res.Membership[z.ID] = struct{}{}
		switch z.Variant {
		case zones.VariantRestricted:
			res.InRestricted = true
			res.RestrictedZones = append(res.RestrictedZones, z)
		case zones.VariantSafe:
			res.InSafe = true
			res.SafeZones = append(res.SafeZones, z)
		}
		if _, was := prev[z.ID]; !was {
			res.Entered = append(res.Entered, z)
		}
	}

	for id := range prev {
		if _, still := res.Membership[id]; still {
			continue
		}
		if z, ok := snap.ZoneOrTombstone(id); ok {
			res.Exited = append(res.Exited, z)
		}
		// A membership id with no live zone and no tombstone was compacted
		// away; there is nothing left to report against.
	}

	return res
}
