package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/geo"
	"github.com/safetrail/backend/internal/zones"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
)

type positionRequest struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Accuracy    float64   `json:"accuracy,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceInfo  string    `json:"device_info,omitempty"`
	NetworkInfo string    `json:"network_info,omitempty"`

	// TouristID is honored only for authority impersonation.
	TouristID string `json:"tourist_id,omitempty"`
}

func (s *Server) handlePostPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.KindInvalidInput, "malformed body"))
		return
	}

	principal := principalFrom(r)
	touristID := req.TouristID
	if touristID == "" {
		touristID = principal.ID
	}

	fix := core.Fix{
		TouristID:   touristID,
		Latitude:    req.Lat,
		Longitude:   req.Lon,
		Accuracy:    req.Accuracy,
		ClientTS:    req.Timestamp,
		DeviceInfo:  req.DeviceInfo,
		NetworkInfo: req.NetworkInfo,
	}
	if err := s.engine.Ingest(r.Context(), principal, fix); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleLivePositions(w http.ResponseWriter, r *http.Request) {
	states := s.engine.States.All()
	out := make(map[string]interface{}, len(states))
	for _, st := range states {
		out[st.TouristID] = map[string]interface{}{
			"name":      st.Name,
			"lat":       st.Fix.Latitude,
			"lon":       st.Fix.Longitude,
			"accuracy":  st.Fix.Accuracy,
			"timestamp": st.Fix.ClientTS,
			"status":    st.Status,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// zoneView is the wire shape of a zone: coordinates ride as [lng, lat]
// pairs, matching the GeoJSON-style clients.
type zoneView struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Type        zones.Variant `json:"type"`
	AlertLevel  core.Severity `json:"alertLevel"`
	Coordinates [][2]float64  `json:"coordinates"`
	Center      *[2]float64   `json:"center,omitempty"`
	Radius      float64       `json:"radius,omitempty"`
	Active      bool          `json:"active"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

func viewOf(z *zones.Zone) zoneView {
	v := zoneView{
		ID:          z.ID,
		Name:        z.Name,
		Type:        z.Variant,
		AlertLevel:  z.Severity,
		Active:      z.Active,
		Description: z.Description,
		CreatedAt:   z.CreatedAt,
	}
	for _, p := range z.Geometry {
		v.Coordinates = append(v.Coordinates, [2]float64{p.Lng, p.Lat})
	}
	if z.Circle != nil {
		v.Center = &[2]float64{z.Circle.Center.Lng, z.Circle.Center.Lat}
		v.Radius = z.Circle.RadiusM
	}
	return v
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Registry.Snapshot()
	etag := fmt.Sprintf("\"zones-v%d\"", snap.Version)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	restricted := make([]zoneView, 0, len(snap.Restricted))
	for _, z := range snap.Restricted {
		restricted = append(restricted, viewOf(z))
	}
	safe := make([]zoneView, 0, len(snap.Safe))
	for _, z := range snap.Safe {
		safe = append(safe, viewOf(z))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"restricted":   restricted,
		"safe":         safe,
		"last_updated": snap.LastUpdated,
	})
}

type polygonZoneRequest struct {
	Name        string       `json:"name"`
	Coordinates [][2]float64 `json:"coordinates"` // [lng, lat]
	AlertLevel  string       `json:"alertLevel"`
	Description string       `json:"description,omitempty"`
}

func (s *Server) handleCreatePolygonZone(w http.ResponseWriter, r *http.Request) {
	var req polygonZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.KindInvalidInput, "malformed body"))
		return
	}

	variant := zones.VariantRestricted
	if pathSuffix(r) == "safe" {
		variant = zones.VariantSafe
	}

	severity, err := severityOf(req.AlertLevel)
	if err != nil {
		writeError(w, err)
		return
	}

	ring := make(geo.Polygon, 0, len(req.Coordinates))
	for _, c := range req.Coordinates {
		ring = append(ring, geo.Point{Lat: c[1], Lng: c[0]})
	}

	z, err := s.engine.Registry.Add(variant, req.Name, ring, nil, severity, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(z))
}

type circularZoneRequest struct {
	Name        string     `json:"name"`
	Center      [2]float64 `json:"center"` // [lng, lat]
	Radius      float64    `json:"radius"` // meters
	Type        string     `json:"type"`   // restricted | safe
	AlertLevel  string     `json:"alertLevel"`
	Description string     `json:"description,omitempty"`
}

func (s *Server) handleCreateCircularZone(w http.ResponseWriter, r *http.Request) {
	var req circularZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.KindInvalidInput, "malformed body"))
		return
	}

	variant := zones.Variant(req.Type)
	if variant != zones.VariantRestricted && variant != zones.VariantSafe {
		writeError(w, core.E(core.KindInvalidInput, "type must be restricted or safe"))
		return
	}

	severity, err := severityOf(req.AlertLevel)
	if err != nil {
		writeError(w, err)
		return
	}

	circle := &geo.Circle{
		Center:  geo.Point{Lat: req.Center[1], Lng: req.Center[0]},
		RadiusM: req.Radius,
	}
	z, err := s.engine.Registry.Add(variant, req.Name, nil, circle, severity, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(z))
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z, err := s.engine.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(z))
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Registry.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, core.E(core.KindInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.engine.Alerts.Recent(limit),
	})
}

type sosRequest struct {
	TouristID string `json:"tourist_id,omitempty"`
}

func (s *Server) handleTriggerSOS(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req sosRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	touristID := principal.ID
	if req.TouristID != "" && req.TouristID != principal.ID {
		// Only an authority may raise SOS on someone else's behalf.
		if principal.Role != core.RoleAuthority {
			writeError(w, core.E(core.KindUnauthorized, "cannot trigger SOS for another tourist"))
			return
		}
		touristID = req.TouristID
	}

	alert := s.engine.TriggerSOS(touristID)
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveSOS(w http.ResponseWriter, r *http.Request) {
	var req sosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TouristID == "" {
		writeError(w, core.E(core.KindInvalidInput, "tourist_id required"))
		return
	}
	alert := s.engine.ResolveSOS(req.TouristID)
	writeJSON(w, http.StatusOK, alert)
}

type consentRequest struct {
	ShareLocation bool `json:"share_location"`
	Anonymize     bool `json:"anonymize"`
	RetentionDays int  `json:"retention_days,omitempty"`
}

func (s *Server) handleSetConsent(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Role != core.RoleTourist {
		writeError(w, core.E(core.KindUnauthorized, "consent is set by the tourist"))
		return
	}
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.KindInvalidInput, "malformed body"))
		return
	}
	s.consents.Set(core.ConsentRecord{
		TouristID:     principal.ID,
		ShareLocation: req.ShareLocation,
		RetentionDays: req.RetentionDays,
		Anonymize:     req.Anonymize,
		ConsentGiven:  true,
		ConsentAt:     time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Role != core.RoleTourist {
		writeError(w, core.E(core.KindUnauthorized, "consent is set by the tourist"))
		return
	}
	s.consents.Revoke(principal.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// severityOf maps the wire alertLevel. Empty means medium; anything else
// unrecognized is a client error.
func severityOf(alertLevel string) (core.Severity, error) {
	switch alertLevel {
	case "low":
		return core.SeverityLow, nil
	case "", "medium":
		return core.SeverityMedium, nil
	case "high":
		return core.SeverityHigh, nil
	default:
		return "", core.E(core.KindInvalidInput, "unknown alertLevel %q", alertLevel)
	}
}

func pathSuffix(r *http.Request) string {
	path := r.URL.Path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
