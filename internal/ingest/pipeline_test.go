package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/backend/internal/alerts"
	"github.com/safetrail/backend/internal/consent"
	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/geo"
	"github.com/safetrail/backend/internal/ratelimit"
	"github.com/safetrail/backend/internal/state"
	"github.com/safetrail/backend/internal/storage"
	"github.com/safetrail/backend/internal/zones"
)

type allowAllResolver struct{ anonymize bool }

func (r allowAllResolver) Lookup(context.Context, string) (*core.ConsentRecord, error) {
	return &core.ConsentRecord{
		ShareLocation: true,
		ConsentGiven:  true,
		Anonymize:     r.anonymize,
		RetentionDays: 30,
	}, nil
}

type denyResolver struct{}

func (denyResolver) Lookup(context.Context, string) (*core.ConsentRecord, error) {
	return nil, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []storage.HistoryEntry
	fail    bool
}

func (h *memHistory) Append(_ context.Context, e storage.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return core.E(core.KindDependencyUnavailable, "append location history")
	}
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) Path(context.Context, string, time.Time, time.Time, int) ([]storage.PathPoint, error) {
	return nil, nil
}

func (h *memHistory) Heatmap(context.Context, time.Time, time.Time, int) ([]storage.HeatmapCell, error) {
	return nil, nil
}

func (h *memHistory) Summary(_ context.Context, id string, _, _ time.Time) (storage.MovementSummary, error) {
	return storage.MovementSummary{TouristID: id}, nil
}

func (h *memHistory) PurgeExpired(context.Context) (int64, error) { return 0, nil }
func (h *memHistory) Ping(context.Context) error                  { return nil }

func (h *memHistory) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.fail
}

func (h *memHistory) all() []storage.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]storage.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

type fixture struct {
	pipeline *Pipeline
	store    *state.Store
	registry *zones.Registry
	alerts   *alerts.Engine
	bus      *events.Bus
	history  *memHistory
	limiter  *ratelimit.Limiter
}

func newFixture(t *testing.T, resolver consent.Resolver, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    state.NewStore(),
		registry: zones.NewRegistry(nil),
		bus:      events.NewBus(100),
		history:  &memHistory{},
		limiter:  ratelimit.NewLimiter(nil),
	}
	f.alerts = alerts.NewEngine(100, f.bus)
	f.pipeline = NewPipeline(opts, f.limiter, consent.NewGate(resolver, 0),
		f.store, f.registry, f.alerts, f.bus, storage.NewHotCache(nil), f.history, nil)
	t.Cleanup(func() {
		f.pipeline.Close()
		f.limiter.Close()
		f.registry.Close()
	})
	return f
}

func tourist(id, name string) core.Principal {
	return core.Principal{ID: id, Name: name, Role: core.RoleTourist}
}

func fixAt(id string, lat, lon float64, ts time.Time) core.Fix {
	return core.Fix{TouristID: id, Latitude: lat, Longitude: lon, ClientTS: ts}
}

func waitForState(t *testing.T, f *fixture, id string, pred func(core.TouristState) bool) core.TouristState {
	t.Helper()
	var st core.TouristState
	require.Eventually(t, func() bool {
		got, ok := f.store.Get(id)
		if ok && pred(got) {
			st = got
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestIngest_AcceptAndEvaluate(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	_, err := f.registry.Add(zones.VariantRestricted, "army camp", geo.Polygon{
		{Lat: 28.6139, Lng: 77.2090},
		{Lat: 28.6149, Lng: 77.2090},
		{Lat: 28.6149, Lng: 77.2100},
		{Lat: 28.6139, Lng: 77.2100},
		{Lat: 28.6139, Lng: 77.2090},
	}, nil, core.SeverityHigh, "")
	require.NoError(t, err)

	ts := time.Now()
	require.NoError(t, f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t1", 28.6142, 77.2095, ts)))

	st := waitForState(t, f, "t1", func(s core.TouristState) bool { return len(s.Membership) == 1 })
	assert.Equal(t, core.StatusRisk, st.Status)
	assert.Equal(t, "Asha", st.Name)

	require.Eventually(t, func() bool { return f.alerts.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	a := f.alerts.Recent(1)[0]
	assert.Equal(t, core.AlertGeofenceBreach, a.Kind)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, "army camp", a.ZoneName)
}

func TestIngest_UnauthorizedForOtherTourist(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	err := f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t2", 28.61, 77.20, time.Now()))
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
}

func TestIngest_ImpersonationGated(t *testing.T) {
	authority := core.Principal{ID: "a1", Name: "Control", Role: core.RoleAuthority, CanImpersonate: true}
	fix := fixAt("t1", 28.61, 77.20, time.Now())

	// Disabled by default even for a capable authority.
	f := newFixture(t, allowAllResolver{}, Options{})
	err := f.pipeline.Ingest(context.Background(), authority, fix)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))

	f2 := newFixture(t, allowAllResolver{}, Options{AllowImpersonation: true})
	assert.NoError(t, f2.pipeline.Ingest(context.Background(), authority, fix))
}

func TestIngest_ValidationRejects(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	now := time.Now()

	cases := map[string]core.Fix{
		"lat out of range":  fixAt("t1", 91, 77.20, now),
		"lon out of range":  fixAt("t1", 28.61, 181, now),
		"missing timestamp": fixAt("t1", 28.61, 77.20, time.Time{}),
		"future timestamp":  fixAt("t1", 28.61, 77.20, now.Add(2*time.Minute)),
	}
	for name, fix := range cases {
		err := f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"), fix)
		assert.Equal(t, core.KindInvalidInput, core.KindOf(err), name)
	}

	bad := fixAt("t1", 28.61, 77.20, now)
	bad.Accuracy = -1
	err := f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"), bad)
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}

func TestIngest_ConsentRequired(t *testing.T) {
	f := newFixture(t, denyResolver{}, Options{})
	err := f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t1", 28.61, 77.20, time.Now()))
	assert.Equal(t, core.KindConsentRequired, core.KindOf(err))
	assert.Equal(t, 0, f.store.Len())
}

func TestIngest_RateLimited(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	p := tourist("t1", "Asha")
	base := time.Now().Add(-time.Hour)

	var limited bool
	for i := 0; i < 25; i++ {
		err := f.pipeline.Ingest(context.Background(), p,
			fixAt("t1", 28.61, 77.20, base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			assert.Equal(t, core.KindRateLimited, core.KindOf(err))
			limited = true
		}
	}
	assert.True(t, limited, "position bucket should cap at 20/min")
}

func TestIngest_OutOfOrderFixDroppedSilently(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	p := tourist("t1", "Asha")
	now := time.Now()

	require.NoError(t, f.pipeline.Ingest(context.Background(), p, fixAt("t1", 28.61, 77.20, now)))
	waitForState(t, f, "t1", func(s core.TouristState) bool { return !s.Fix.ClientTS.IsZero() })

	// Older fix is accepted at the gate but never replaces state.
	require.NoError(t, f.pipeline.Ingest(context.Background(), p,
		fixAt("t1", 99, 99, now.Add(-time.Minute))))
	require.NoError(t, f.pipeline.Ingest(context.Background(), p,
		fixAt("t1", 28.62, 77.21, now.Add(time.Minute))))

	st := waitForState(t, f, "t1", func(s core.TouristState) bool { return s.Fix.Latitude == 28.62 })
	assert.Equal(t, now.Add(time.Minute).Unix(), st.Fix.ClientTS.Unix())
	assert.Len(t, f.history.all(), 2)
}

func TestIngest_DerivedSpeedHeadingAndQuality(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	p := tourist("t1", "Asha")
	now := time.Now()

	require.NoError(t, f.pipeline.Ingest(context.Background(), p, fixAt("t1", 28.6139, 77.2090, now)))
	waitForState(t, f, "t1", func(s core.TouristState) bool { return !s.Fix.ClientTS.IsZero() })

	// ~111 m north over 100 s: about 1.1 m/s heading ~0.
	require.NoError(t, f.pipeline.Ingest(context.Background(), p,
		fixAt("t1", 28.6149, 77.2090, now.Add(100*time.Second))))
	st := waitForState(t, f, "t1", func(s core.TouristState) bool { return s.Fix.Latitude == 28.6149 })

	assert.InDelta(t, 1.11, st.Fix.Speed, 0.1)
	assert.InDelta(t, 0, st.Fix.Heading, 1.0)

	rows := f.history.all()
	require.Len(t, rows, 2)
	last := rows[1]
	assert.InDelta(t, 111, last.DistanceM, 5)
	assert.InDelta(t, 100, last.GapSeconds, 0.01)
	assert.Equal(t, 1.0, last.Quality)
	assert.False(t, last.Anomalous)
}

func TestIngest_AnomalousJump(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	p := tourist("t1", "Asha")
	now := time.Now()

	require.NoError(t, f.pipeline.Ingest(context.Background(), p, fixAt("t1", 28.61, 77.20, now)))
	waitForState(t, f, "t1", func(s core.TouristState) bool { return !s.Fix.ClientTS.IsZero() })

	// Delhi to roughly Jaipur in ten seconds.
	require.NoError(t, f.pipeline.Ingest(context.Background(), p,
		fixAt("t1", 26.91, 75.79, now.Add(10*time.Second))))

	require.Eventually(t, func() bool { return len(f.history.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	row := f.history.all()[1]
	assert.True(t, row.Anomalous)
	assert.Less(t, row.Quality, 0.5)
}

func TestIngest_AnonymizedHistoryRow(t *testing.T) {
	f := newFixture(t, allowAllResolver{anonymize: true}, Options{AnonymizeSalt: "pepper"})

	require.NoError(t, f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t1", 28.6142, 77.2095, time.Now())))

	require.Eventually(t, func() bool { return len(f.history.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	row := f.history.all()[0]

	assert.True(t, row.Anonymized)
	assert.Equal(t, consent.HashID("pepper", "t1"), row.TouristID)
	assert.Equal(t, "A***", row.TouristName)
	assert.Equal(t, 28.61, row.Latitude)
	assert.Equal(t, 77.21, row.Longitude)
	assert.Equal(t, 30, row.RetentionDays)

	// Live state keeps real identity and precision.
	st, ok := f.store.Get("t1")
	require.True(t, ok)
	assert.Equal(t, 28.6142, st.Fix.Latitude)
	assert.Equal(t, "Asha", st.Name)
}

func TestIngest_HistoryOutageDoesNotBlockTracking(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	f.history.fail = true
	ch := f.bus.Subscribe()

	require.NoError(t, f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t1", 28.6142, 77.2095, time.Now())))

	// Live state and fan-out proceed; only the trail row is lost.
	st := waitForState(t, f, "t1", func(s core.TouristState) bool { return !s.Fix.ClientTS.IsZero() })
	assert.Equal(t, core.StatusSafe, st.Status)

	first := <-ch
	second := <-ch
	assert.Equal(t, events.TypeLocationChanged, first.Type)
	assert.Equal(t, events.TypeZoneStatus, second.Type)
	assert.Empty(t, f.history.all())
}

func TestIngest_PublishesLocationThenZoneStatus(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	ch := f.bus.Subscribe()

	require.NoError(t, f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t1", 28.6142, 77.2095, time.Now())))

	first := <-ch
	second := <-ch
	assert.Equal(t, events.TypeLocationChanged, first.Type)
	require.NotNil(t, first.Location)
	assert.Equal(t, "Asha", first.Location.Name)
	assert.Equal(t, events.TypeZoneStatus, second.Type)
	require.NotNil(t, second.Zone)
	assert.Equal(t, "safe", second.Zone.Status)
}

func TestIngest_AlertPublishedAfterLocation(t *testing.T) {
	f := newFixture(t, allowAllResolver{}, Options{})
	_, err := f.registry.Add(zones.VariantRestricted, "army camp", geo.Polygon{
		{Lat: 28.6139, Lng: 77.2090},
		{Lat: 28.6149, Lng: 77.2090},
		{Lat: 28.6149, Lng: 77.2100},
		{Lat: 28.6139, Lng: 77.2100},
		{Lat: 28.6139, Lng: 77.2090},
	}, nil, core.SeverityHigh, "")
	require.NoError(t, err)
	ch := f.bus.Subscribe()

	require.NoError(t, f.pipeline.Ingest(context.Background(), tourist("t1", "Asha"),
		fixAt("t1", 28.6142, 77.2095, time.Now())))

	got := []events.Type{(<-ch).Type, (<-ch).Type}
	third := <-ch
	got = append(got, third.Type)

	assert.Equal(t, []events.Type{events.TypeLocationChanged, events.TypeZoneStatus, events.TypeAlert}, got)
	require.NotNil(t, third.Alert)
	assert.Equal(t, core.AlertGeofenceBreach, third.Alert.Kind)
}
