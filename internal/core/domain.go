package core

import "time"

// Role of an authenticated principal.
type Role string

const (
	RoleTourist   Role = "tourist"
	RoleAuthority Role = "authority"
)

// Principal is the opaque identity handed to the engine by the session layer.
// Token issuance and verification of upstream claims are external concerns.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`

	// CanImpersonate lets an authority ingest fixes on behalf of a tourist.
	// Disabled by default.
	CanImpersonate bool `json:"-"`
}

// Status of a tourist as derived from zone membership and SOS state.
type Status string

const (
	StatusSafe Status = "safe"
	StatusRisk Status = "risk"
	StatusSOS  Status = "sos"
)

// Severity of a zone or alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Fix is a single accepted position update. Immutable once accepted.
type Fix struct {
	TouristID string    `json:"tourist_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"` // meters, 0 when unreported
	Speed     float64   `json:"speed,omitempty"`    // m/s, derived when absent
	Heading   float64   `json:"heading,omitempty"`  // degrees [0,360), derived
	ClientTS  time.Time `json:"timestamp"`
	IngestTS  time.Time `json:"ingest_timestamp"`

	DeviceInfo  string `json:"device_info,omitempty"`
	NetworkInfo string `json:"network_info,omitempty"`
}

// TouristState is the engine-owned live view of one tourist.
type TouristState struct {
	TouristID string `json:"tourist_id"`
	Name      string `json:"name"`
	Fix       Fix    `json:"fix"`

	// Zone ids containing Fix, evaluated against the registry snapshot
	// identified by SnapshotVersion.
	Membership      map[string]struct{} `json:"-"`
	SnapshotVersion uint64              `json:"snapshot_version"`
	EvaluatedAt     time.Time           `json:"evaluated_at"`

	Status    Status `json:"status"`
	SOSActive bool   `json:"sos_active"`
}

// InMembership reports whether the tourist was inside the given zone.
func (s *TouristState) InMembership(zoneID string) bool {
	_, ok := s.Membership[zoneID]
	return ok
}

// AlertKind enumerates the alert types the engine emits.
type AlertKind string

const (
	AlertGeofenceBreach AlertKind = "geofence_breach"
	AlertSafeZoneExit   AlertKind = "safe_zone_exit"
	AlertSOSTriggered   AlertKind = "sos_triggered"
	AlertSOSResolved    AlertKind = "sos_resolved"
)

// Alert is a materialized safety event.
type Alert struct {
	ID          string    `json:"id"`
	Kind        AlertKind `json:"kind"`
	TouristID   string    `json:"tourist_id"`
	TouristName string    `json:"tourist_name"`
	Latitude    float64   `json:"lat"`
	Longitude   float64   `json:"lon"`
	ZoneID      string    `json:"zone_id,omitempty"`
	ZoneName    string    `json:"zone_name,omitempty"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConsentRecord holds a tourist's privacy preferences. Absence of a record
// means no consent.
type ConsentRecord struct {
	TouristID     string    `json:"tourist_id"`
	ShareLocation bool      `json:"share_location"`
	RetentionDays int       `json:"retention_days"` // [1,365]
	Anonymize     bool      `json:"anonymize"`
	ConsentGiven  bool      `json:"consent_given"`
	ConsentAt     time.Time `json:"consent_at"`
}
