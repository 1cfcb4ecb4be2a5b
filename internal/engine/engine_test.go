package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/storage"
)

type allowAllResolver struct{}

func (allowAllResolver) Lookup(context.Context, string) (*core.ConsentRecord, error) {
	return &core.ConsentRecord{ShareLocation: true, ConsentGiven: true, RetentionDays: 30}, nil
}

type mapHash map[string]map[string]string

func (m mapHash) HSet(_ context.Context, key, field string, value []byte) error {
	if m[key] == nil {
		m[key] = map[string]string{}
	}
	m[key][field] = string(value)
	return nil
}

func (m mapHash) HDel(_ context.Context, key string, fields ...string) error {
	for _, f := range fields {
		delete(m[key], f)
	}
	return nil
}

func (m mapHash) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return m[key], nil
}

func TestWarmUp_SeedsStateFromCache(t *testing.T) {
	hash := mapHash{}
	rec := storage.LiveRecord{
		TouristID: "t1", Name: "Asha", Lat: 28.61, Lon: 77.20,
		Status: core.StatusSafe, Timestamp: time.Now(),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, hash.HSet(context.Background(), "live_positions", "t1", data))

	e := New(Options{}, Deps{Resolver: allowAllResolver{}, CacheHash: hash}, nil)
	defer e.Close()

	e.WarmUp(context.Background())

	st, ok := e.States.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "Asha", st.Name)
	assert.Equal(t, 28.61, st.Fix.Latitude)
}

func TestSOS_LifecyclePinsStatus(t *testing.T) {
	e := New(Options{}, Deps{Resolver: allowAllResolver{}}, nil)
	defer e.Close()

	e.States.Update("t1", func(s *core.TouristState) {
		s.Name = "Asha"
		s.Fix = core.Fix{TouristID: "t1", Latitude: 28.61, Longitude: 77.20, ClientTS: time.Now()}
	})

	a := e.TriggerSOS("t1")
	assert.Equal(t, core.AlertSOSTriggered, a.Kind)
	assert.Equal(t, 28.61, a.Latitude)

	st, _ := e.States.Get("t1")
	assert.True(t, st.SOSActive)
	assert.Equal(t, core.StatusSOS, st.Status)

	r := e.ResolveSOS("t1")
	assert.Equal(t, core.AlertSOSResolved, r.Kind)
	st, _ = e.States.Get("t1")
	assert.False(t, st.SOSActive)
	assert.Equal(t, 2, e.Alerts.Len())
}

func TestHealth_ReportsDegradedTiers(t *testing.T) {
	e := New(Options{}, Deps{Resolver: allowAllResolver{}}, nil)
	defer e.Close()

	h := e.Health()
	assert.False(t, h.CacheEnabled)
	assert.False(t, h.HistoryEnabled)
	assert.False(t, h.Degraded())

	e2 := New(Options{}, Deps{Resolver: allowAllResolver{}, CacheHash: mapHash{}}, nil)
	defer e2.Close()
	h2 := e2.Health()
	assert.True(t, h2.CacheEnabled)
	assert.True(t, h2.CacheHealthy)
}
