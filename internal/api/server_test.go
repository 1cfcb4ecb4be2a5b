package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrail/backend/internal/consent"
	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/engine"
)

type allowAllResolver struct{}

func (allowAllResolver) Lookup(context.Context, string) (*core.ConsentRecord, error) {
	return &core.ConsentRecord{ShareLocation: true, ConsentGiven: true, RetentionDays: 30}, nil
}

type denyResolver struct{}

func (denyResolver) Lookup(context.Context, string) (*core.ConsentRecord, error) {
	return nil, nil
}

type staticVerifier map[string]core.Principal

func (v staticVerifier) Verify(token string) (core.Principal, error) {
	p, ok := v[token]
	if !ok {
		return core.Principal{}, core.E(core.KindUnauthenticated, "invalid token")
	}
	return p, nil
}

func testVerifier() staticVerifier {
	return staticVerifier{
		"tourist-token":   {ID: "t1", Name: "Asha", Role: core.RoleTourist},
		"authority-token": {ID: "a1", Name: "Control", Role: core.RoleAuthority},
	}
}

func newTestServer(t *testing.T, deps engine.Deps) (*Server, *engine.Engine) {
	t.Helper()
	if deps.Resolver == nil {
		deps.Resolver = allowAllResolver{}
	}
	e := engine.New(engine.Options{}, deps, nil)
	t.Cleanup(e.Close)
	return NewServer(e, testVerifier(), nil), e
}

func doRequest(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "GET", "/geofencing/zones", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthenticated")
}

func TestPostPosition_Accepted(t *testing.T) {
	s, e := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "POST", "/position", "tourist-token", positionRequest{
		Lat: 28.6142, Lon: 77.2095, Accuracy: 5, Timestamp: time.Now(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, ok := e.States.Get("t1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPostPosition_ValidationAndConsent(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "POST", "/position", "tourist-token", positionRequest{
		Lat: 91, Lon: 77.20, Timestamp: time.Now(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s2, _ := newTestServer(t, engine.Deps{Resolver: denyResolver{}})
	rec = doRequest(t, s2, "POST", "/position", "tourist-token", positionRequest{
		Lat: 28.61, Lon: 77.20, Timestamp: time.Now(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "consent_required")
}

func TestLivePositions_AuthorityOnly(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "GET", "/position/live", "tourist-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, s, "GET", "/position/live", "authority-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestZones_CreateListDelete(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})

	rec := doRequest(t, s, "POST", "/geofencing/zones/restricted", "authority-token", polygonZoneRequest{
		Name: "army camp",
		Coordinates: [][2]float64{
			{77.2090, 28.6139}, {77.2090, 28.6149}, {77.2100, 28.6149},
			{77.2100, 28.6139}, {77.2090, 28.6139},
		},
		AlertLevel: "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created zoneView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, core.SeverityHigh, created.AlertLevel)
	assert.Equal(t, [2]float64{77.2090, 28.6139}, created.Coordinates[0])

	rec = doRequest(t, s, "POST", "/geofencing/zones/circular", "authority-token", circularZoneRequest{
		Name: "hotel district", Center: [2]float64{77.2090, 28.6139},
		Radius: 1000, Type: "safe", AlertLevel: "low",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, "GET", "/geofencing/zones", "tourist-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Restricted []zoneView `json:"restricted"`
		Safe       []zoneView `json:"safe"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Restricted, 1)
	assert.Len(t, listing.Safe, 1)

	rec = doRequest(t, s, "DELETE", "/geofencing/zones/"+created.ID, "authority-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "DELETE", "/geofencing/zones/nope", "authority-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestZones_ListETag(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})

	rec := doRequest(t, s, "GET", "/geofencing/zones", "tourist-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest("GET", "/geofencing/zones", nil)
	req.Header.Set("Authorization", "Bearer tourist-token")
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	// A mutation bumps the snapshot version and invalidates the tag.
	doRequest(t, s, "POST", "/geofencing/zones/circular", "authority-token", circularZoneRequest{
		Name: "hotel district", Center: [2]float64{77.2090, 28.6139},
		Radius: 1000, Type: "safe", AlertLevel: "low",
	})
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, etag, rec.Header().Get("ETag"))
}

func TestZones_InvalidGeometryRejected(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "POST", "/geofencing/zones/restricted", "authority-token", polygonZoneRequest{
		Name:        "broken",
		Coordinates: [][2]float64{{77.20, 28.61}, {77.21, 28.62}},
		AlertLevel:  "high",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_geometry")
}

func TestZones_UnknownAlertLevelRejected(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})

	rec := doRequest(t, s, "POST", "/geofencing/zones/restricted", "authority-token", polygonZoneRequest{
		Name: "army camp",
		Coordinates: [][2]float64{
			{77.2090, 28.6139}, {77.2090, 28.6149}, {77.2100, 28.6149},
			{77.2100, 28.6139}, {77.2090, 28.6139},
		},
		AlertLevel: "catastrophic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "alertLevel")

	rec = doRequest(t, s, "POST", "/geofencing/zones/circular", "authority-token", circularZoneRequest{
		Name: "hotel district", Center: [2]float64{77.2090, 28.6139},
		Radius: 500, Type: "safe", AlertLevel: "severe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestZones_TouristCannotAdminister(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "POST", "/geofencing/zones/restricted", "tourist-token", polygonZoneRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAlerts_LimitClamped(t *testing.T) {
	s, e := newTestServer(t, engine.Deps{})
	for i := 0; i < 5; i++ {
		e.Alerts.InjectSOS(fmt.Sprintf("t%d", i), "X", 0, 0)
	}

	rec := doRequest(t, s, "GET", "/geofencing/alerts?limit=2", "authority-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Alerts []core.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Alerts, 2)

	rec = doRequest(t, s, "GET", "/geofencing/alerts?limit=0", "authority-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSOS_TriggerAndResolve(t *testing.T) {
	s, e := newTestServer(t, engine.Deps{})

	rec := doRequest(t, s, "POST", "/sos/trigger", "tourist-token", sosRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	var alert core.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, core.AlertSOSTriggered, alert.Kind)
	assert.Equal(t, core.SeverityHigh, alert.Severity)

	st, _ := e.States.Get("t1")
	assert.True(t, st.SOSActive)
	assert.Equal(t, core.StatusSOS, st.Status)

	// A tourist cannot raise SOS for someone else.
	rec = doRequest(t, s, "POST", "/sos/trigger", "tourist-token", sosRequest{TouristID: "t2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, s, "POST", "/sos/resolve", "authority-token", sosRequest{TouristID: "t1"})
	require.Equal(t, http.StatusOK, rec.Code)
	st, _ = e.States.Get("t1")
	assert.False(t, st.SOSActive)
}

func TestAnalytics_UnavailableWithoutHistory(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "GET", "/analytics/summary?tourist_id=t1", "authority-token", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConsent_SelfServiceFlow(t *testing.T) {
	store := consent.NewMemoryStore()
	e := engine.New(engine.Options{}, engine.Deps{Resolver: store}, nil)
	t.Cleanup(e.Close)
	s := NewServer(e, testVerifier(), nil)
	s.SetConsentStore(store)

	// No record yet: position rejected.
	rec := doRequest(t, s, "POST", "/position", "tourist-token", positionRequest{
		Lat: 28.61, Lon: 77.20, Timestamp: time.Now(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, s, "POST", "/consent", "tourist-token", consentRequest{
		ShareLocation: true, RetentionDays: 90,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "POST", "/position", "tourist-token", positionRequest{
		Lat: 28.61, Lon: 77.20, Timestamp: time.Now(),
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Authorities have no consent records of their own.
	rec = doRequest(t, s, "POST", "/consent", "authority-token", consentRequest{ShareLocation: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, s, "DELETE", "/consent", "tourist-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, s, "POST", "/position", "tourist-token", positionRequest{
		Lat: 28.61, Lon: 77.20, Timestamp: time.Now().Add(time.Second),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, engine.Deps{})
	rec := doRequest(t, s, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
