package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/geo"
	"github.com/safetrail/backend/internal/zones"
)

func restrictedSquare(t *testing.T, r *zones.Registry) *zones.Zone {
	t.Helper()
	z, err := r.Add(zones.VariantRestricted, "army camp", geo.Polygon{
		{Lat: 28.6139, Lng: 77.2090},
		{Lat: 28.6149, Lng: 77.2090},
		{Lat: 28.6149, Lng: 77.2100},
		{Lat: 28.6139, Lng: 77.2100},
		{Lat: 28.6139, Lng: 77.2090},
	}, nil, core.SeverityHigh, "")
	require.NoError(t, err)
	return z
}

func safeCircle(t *testing.T, r *zones.Registry) *zones.Zone {
	t.Helper()
	z, err := r.Add(zones.VariantSafe, "hotel district", nil,
		&geo.Circle{Center: geo.Point{Lat: 28.6139, Lng: 77.2090}, RadiusM: 1000},
		core.SeverityLow, "")
	require.NoError(t, err)
	return z
}

func TestEvaluate_EnterBothVariants(t *testing.T) {
	r := zones.NewRegistry(nil)
	defer r.Close()
	restricted := restrictedSquare(t, r)
	safe := safeCircle(t, r)

	res := Evaluate(nil, geo.Point{Lat: 28.6142, Lng: 77.2095}, r.Snapshot())

	assert.Len(t, res.Entered, 2)
	assert.Empty(t, res.Exited)
	assert.True(t, res.InRestricted)
	assert.True(t, res.InSafe)
	assert.Contains(t, res.Membership, restricted.ID)
	assert.Contains(t, res.Membership, safe.ID)
}

func TestEvaluate_NoEdgeWhileStaying(t *testing.T) {
	r := zones.NewRegistry(nil)
	defer r.Close()
	restricted := restrictedSquare(t, r)

	prev := map[string]struct{}{restricted.ID: {}}
	res := Evaluate(prev, geo.Point{Lat: 28.6143, Lng: 77.2096}, r.Snapshot())

	assert.Empty(t, res.Entered)
	assert.Empty(t, res.Exited)
	assert.Contains(t, res.Membership, restricted.ID)
}

func TestEvaluate_ExitOnLeaving(t *testing.T) {
	r := zones.NewRegistry(nil)
	defer r.Close()
	restricted := restrictedSquare(t, r)

	prev := map[string]struct{}{restricted.ID: {}}
	res := Evaluate(prev, geo.Point{Lat: 28.7000, Lng: 77.3000}, r.Snapshot())

	assert.Empty(t, res.Entered)
	require.Len(t, res.Exited, 1)
	assert.Equal(t, restricted.ID, res.Exited[0].ID)
	assert.Empty(t, res.Membership)
}

func TestEvaluate_ZoneAddedBetweenFixes(t *testing.T) {
	r := zones.NewRegistry(nil)
	defer r.Close()

	// First fix: no zones yet.
	res := Evaluate(nil, geo.Point{Lat: 28.6142, Lng: 77.2095}, r.Snapshot())
	require.Empty(t, res.Membership)

	// A zone appears around a stationary tourist: first fix after the
	// addition fires the enter edge.
	restricted := restrictedSquare(t, r)
	res = Evaluate(res.Membership, geo.Point{Lat: 28.6142, Lng: 77.2095}, r.Snapshot())
	require.Len(t, res.Entered, 1)
	assert.Equal(t, restricted.ID, res.Entered[0].ID)
}

func TestEvaluate_DeletedZoneExitsViaTombstone(t *testing.T) {
	r := zones.NewRegistry(nil)
	defer r.Close()
	safe := safeCircle(t, r)

	prev := map[string]struct{}{safe.ID: {}}
	require.NoError(t, r.Delete(safe.ID))

	res := Evaluate(prev, geo.Point{Lat: 28.6139, Lng: 77.2090}, r.Snapshot())
	require.Len(t, res.Exited, 1)
	assert.Equal(t, safe.ID, res.Exited[0].ID)
	assert.Equal(t, "hotel district", res.Exited[0].Name)
	assert.False(t, res.InSafe)
}

func TestEvaluate_InactiveZoneIgnored(t *testing.T) {
	r := zones.NewRegistry(nil)
	defer r.Close()
	restricted := restrictedSquare(t, r)

	off := false
	_, err := r.Update(restricted.ID, zones.Patch{Active: &off})
	require.NoError(t, err)

	res := Evaluate(nil, geo.Point{Lat: 28.6142, Lng: 77.2095}, r.Snapshot())
	assert.Empty(t, res.Membership)
	assert.False(t, res.InRestricted)
}
