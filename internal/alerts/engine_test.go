package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/geofence"
	"github.com/safetrail/backend/internal/zones"
)

func fixAt(tourist string, lat, lon float64) core.Fix {
	return core.Fix{TouristID: tourist, Latitude: lat, Longitude: lon, ClientTS: time.Now()}
}

func restrictedZone(id, name string, sev core.Severity) *zones.Zone {
	return &zones.Zone{ID: id, Name: name, Variant: zones.VariantRestricted, Severity: sev, Active: true}
}

func safeZone(id, name string) *zones.Zone {
	return &zones.Zone{ID: id, Name: name, Variant: zones.VariantSafe, Severity: core.SeverityLow, Active: true}
}

func TestProcessEdges_RestrictedEnterBreach(t *testing.T) {
	e := NewEngine(10, nil)

	res := geofence.Result{Entered: []*zones.Zone{restrictedZone("z1", "army camp", core.SeverityHigh)}}
	out := e.ProcessEdges(fixAt("t1", 28.6142, 77.2095), "Asha", res)

	require.Len(t, out, 1)
	a := out[0]
	assert.Equal(t, core.AlertGeofenceBreach, a.Kind)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, "z1", a.ZoneID)
	assert.Equal(t, "Asha", a.TouristName)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestProcessEdges_SafeEnterIsSilent(t *testing.T) {
	e := NewEngine(10, nil)
	res := geofence.Result{Entered: []*zones.Zone{safeZone("s1", "hotel district")}, InSafe: true}
	out := e.ProcessEdges(fixAt("t1", 28.61, 77.20), "Asha", res)
	assert.Empty(t, out)
}

func TestProcessEdges_SafeExitOnlyWhenNoSafeRemains(t *testing.T) {
	e := NewEngine(10, nil)

	// Still inside another safe zone: no alert.
	res := geofence.Result{Exited: []*zones.Zone{safeZone("s1", "hotel district")}, InSafe: true}
	assert.Empty(t, e.ProcessEdges(fixAt("t4", 28.7, 77.3), "Ravi", res))

	// Fully outside safe cover: medium-severity alert.
	res = geofence.Result{Exited: []*zones.Zone{safeZone("s1", "hotel district")}, InSafe: false}
	out := e.ProcessEdges(fixAt("t4", 28.7, 77.3), "Ravi", res)
	require.Len(t, out, 1)
	assert.Equal(t, core.AlertSafeZoneExit, out[0].Kind)
	assert.Equal(t, core.SeverityMedium, out[0].Severity)
}

func TestProcessEdges_RestrictedExitIsSilent(t *testing.T) {
	e := NewEngine(10, nil)
	res := geofence.Result{Exited: []*zones.Zone{restrictedZone("z1", "army camp", core.SeverityHigh)}}
	assert.Empty(t, e.ProcessEdges(fixAt("t1", 28.7, 77.3), "Asha", res))
}

func TestEmit_JitterDeduped(t *testing.T) {
	e := NewEngine(10, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	res := geofence.Result{Entered: []*zones.Zone{restrictedZone("z1", "army camp", core.SeverityHigh)}}

	out := e.ProcessEdges(fixAt("t5", 28.6142, 77.2095), "Asha", res)
	require.Len(t, out, 1)

	// Boundary jitter: same edge 1.5 s later collapses.
	now = now.Add(1500 * time.Millisecond)
	out = e.ProcessEdges(fixAt("t5", 28.6142, 77.2096), "Asha", res)
	assert.Empty(t, out)

	// Past the window it fires again.
	now = now.Add(time.Second)
	out = e.ProcessEdges(fixAt("t5", 28.6142, 77.2095), "Asha", res)
	assert.Len(t, out, 1)

	assert.Equal(t, 2, e.Len())
}

func TestRing_OverflowEvictsOldest(t *testing.T) {
	e := NewEngine(5, nil)
	for i := 0; i < 8; i++ {
		e.InjectSOS(fmt.Sprintf("t%d", i), "X", 0, 0)
	}

	assert.Equal(t, 5, e.Len())
	recent := e.Recent(0)
	require.Len(t, recent, 5)
	assert.Equal(t, "t7", recent[0].TouristID)
	assert.Equal(t, "t3", recent[4].TouristID)
}

func TestRecent_LimitAndOrder(t *testing.T) {
	e := NewEngine(10, nil)
	for i := 0; i < 4; i++ {
		e.InjectSOS(fmt.Sprintf("t%d", i), "X", 0, 0)
	}

	recent := e.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "t3", recent[0].TouristID)
	assert.Equal(t, "t2", recent[1].TouristID)
}

func TestPublish_SequencedByCaller(t *testing.T) {
	bus := events.NewBus(10)
	ch := bus.Subscribe(events.TypeAlert)
	e := NewEngine(10, bus)

	res := geofence.Result{Entered: []*zones.Zone{restrictedZone("z1", "army camp", core.SeverityHigh)}}
	out := e.ProcessEdges(fixAt("t1", 28.6142, 77.2095), "Asha", res)
	require.Len(t, out, 1)

	select {
	case <-ch:
		t.Fatal("alert reached the bus before the caller published it")
	default:
	}

	e.Publish(out)
	select {
	case ev := <-ch:
		require.NotNil(t, ev.Alert)
		assert.Equal(t, out[0].ID, ev.Alert.ID)
	default:
		t.Fatal("alert not published")
	}
}

func TestSOS_PublishedOnBus(t *testing.T) {
	bus := events.NewBus(10)
	ch := bus.Subscribe(events.TypeAlert)
	e := NewEngine(10, bus)

	a := e.InjectSOS("t9", "Ravi", 28.61, 77.20)
	assert.Equal(t, core.AlertSOSTriggered, a.Kind)
	assert.Equal(t, core.SeverityHigh, a.Severity)

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Alert)
		assert.Equal(t, a.ID, ev.Alert.ID)
	default:
		t.Fatal("alert not published on bus")
	}

	r := e.ResolveSOS("t9", "Ravi", 28.61, 77.20)
	assert.Equal(t, core.AlertSOSResolved, r.Kind)
}
