package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/safetrail/backend/internal/core"
)

// HistoryEntry is one durable row of the location trail. Derived fields
// (distance, gap, quality, anomaly flags) are computed at ingest time so the
// analytics queries stay pure reads.
type HistoryEntry struct {
	TouristID   string    `json:"tourist_id"`
	TouristName string    `json:"tourist_name"`
	Latitude    float64   `json:"lat"`
	Longitude   float64   `json:"lon"`
	Accuracy    float64   `json:"accuracy"`
	Speed       float64   `json:"speed"`
	Heading     float64   `json:"heading"`
	ClientTS    time.Time `json:"client_ts"`
	ServerTS    time.Time `json:"server_ts"`

	DistanceM  float64 `json:"distance_m"`
	GapSeconds float64 `json:"gap_seconds"`
	Quality    float64 `json:"quality"`
	Anomalous  bool    `json:"anomalous"`

	SnapshotVersion uint64 `json:"snapshot_version"`
	Anonymized      bool   `json:"anonymized"`
	RetentionDays   int    `json:"retention_days"`
}

// PathPoint is the slim projection returned by path queries.
type PathPoint struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Speed     float64   `json:"speed"`
	ClientTS  time.Time `json:"timestamp"`
}

// HeatmapCell aggregates fixes onto a rounded coordinate grid.
type HeatmapCell struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Count     int64   `json:"count"`
}

// MovementSummary is the per-tourist aggregate over a time range.
type MovementSummary struct {
	TouristID     string    `json:"tourist_id"`
	Fixes         int64     `json:"fixes"`
	TotalDistance float64   `json:"total_distance_m"`
	AvgSpeed      float64   `json:"avg_speed"`
	MaxSpeed      float64   `json:"max_speed"`
	Anomalies     int64     `json:"anomalies"`
	First         time.Time `json:"first"`
	Last          time.Time `json:"last"`
}

// HistoryStore is the durable tier. Implemented by PostgresHistory and by
// test fakes.
type HistoryStore interface {
	Append(ctx context.Context, e HistoryEntry) error
	Path(ctx context.Context, touristID string, from, to time.Time, limit int) ([]PathPoint, error)
	Heatmap(ctx context.Context, from, to time.Time, precision int) ([]HeatmapCell, error)
	Summary(ctx context.Context, touristID string, from, to time.Time) (MovementSummary, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Available() bool
}

const historySchema = `
CREATE TABLE IF NOT EXISTS location_history (
	id               BIGSERIAL PRIMARY KEY,
	tourist_id       TEXT NOT NULL,
	tourist_name     TEXT NOT NULL DEFAULT '',
	lat              DOUBLE PRECISION NOT NULL,
	lon              DOUBLE PRECISION NOT NULL,
	accuracy         DOUBLE PRECISION NOT NULL DEFAULT 0,
	speed            DOUBLE PRECISION NOT NULL DEFAULT 0,
	heading          DOUBLE PRECISION NOT NULL DEFAULT 0,
	client_ts        TIMESTAMPTZ NOT NULL,
	server_ts        TIMESTAMPTZ NOT NULL,
	distance_m       DOUBLE PRECISION NOT NULL DEFAULT 0,
	gap_seconds      DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality          DOUBLE PRECISION NOT NULL DEFAULT 0,
	anomalous        BOOLEAN NOT NULL DEFAULT FALSE,
	snapshot_version BIGINT NOT NULL DEFAULT 0,
	anonymized       BOOLEAN NOT NULL DEFAULT FALSE,
	retention_days   INT NOT NULL DEFAULT 30
);
CREATE INDEX IF NOT EXISTS idx_location_history_tourist_ts
	ON location_history (tourist_id, client_ts);
CREATE INDEX IF NOT EXISTS idx_location_history_server_ts
	ON location_history (server_ts);
`

// PostgresHistory persists the location trail in Postgres via lib/pq. When
// the database drops out the store flips to unavailable and ingest keeps
// running memory-only; Ping restores availability.
type PostgresHistory struct {
	db        *sql.DB
	available atomic.Bool
	logger    *log.Logger
}

// NewPostgresHistory opens the pool and ensures the schema. dsn is a
// standard lib/pq connection string.
func NewPostgresHistory(dsn string) (*PostgresHistory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	h := &PostgresHistory{
		db:     db,
		logger: log.New(log.Writer(), "[History] ", log.LstdFlags),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure location_history schema: %w", err)
	}

	h.available.Store(true)
	return h, nil
}

// Available reports whether the last database operation succeeded.
func (h *PostgresHistory) Available() bool { return h.available.Load() }

// Close releases the pool.
func (h *PostgresHistory) Close() error { return h.db.Close() }

// Ping probes the database and updates availability.
func (h *PostgresHistory) Ping(ctx context.Context) error {
	err := h.db.PingContext(ctx)
	h.observe(err)
	return err
}

// Append writes one row. Errors flip the store to unavailable; the caller
// treats history as best-effort during degradation.
func (h *PostgresHistory) Append(ctx context.Context, e HistoryEntry) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO location_history (
			tourist_id, tourist_name, lat, lon, accuracy, speed, heading,
			client_ts, server_ts, distance_m, gap_seconds, quality,
			anomalous, snapshot_version, anonymized, retention_days
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.TouristID, e.TouristName, e.Latitude, e.Longitude, e.Accuracy,
		e.Speed, e.Heading, e.ClientTS, e.ServerTS, e.DistanceM,
		e.GapSeconds, e.Quality, e.Anomalous, int64(e.SnapshotVersion),
		e.Anonymized, e.RetentionDays,
	)
	h.observe(err)
	if err != nil {
		return core.Wrap(core.KindDependencyUnavailable, err, "append location history")
	}
	return nil
}

// Path returns the ordered trail for one tourist within [from, to].
func (h *PostgresHistory) Path(ctx context.Context, touristID string, from, to time.Time, limit int) ([]PathPoint, error) {
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT lat, lon, speed, client_ts
		FROM location_history
		WHERE tourist_id = $1 AND client_ts BETWEEN $2 AND $3
		ORDER BY client_ts ASC
		LIMIT $4`,
		touristID, from, to, limit,
	)
	h.observe(err)
	if err != nil {
		return nil, core.Wrap(core.KindDependencyUnavailable, err, "query path")
	}
	defer rows.Close()

	var out []PathPoint
	for rows.Next() {
		var p PathPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Speed, &p.ClientTS); err != nil {
			return nil, fmt.Errorf("scan path point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Heatmap buckets fixes onto a grid of coordinates rounded to precision
// decimal places. precision is clamped to [0, 4].
func (h *PostgresHistory) Heatmap(ctx context.Context, from, to time.Time, precision int) ([]HeatmapCell, error) {
	if precision < 0 {
		precision = 0
	}
	if precision > 4 {
		precision = 4
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT ROUND(lat::numeric, $3)::float8 AS cell_lat,
		       ROUND(lon::numeric, $3)::float8 AS cell_lon,
		       COUNT(*) AS n
		FROM location_history
		WHERE client_ts BETWEEN $1 AND $2
		GROUP BY cell_lat, cell_lon
		ORDER BY n DESC`,
		from, to, precision,
	)
	h.observe(err)
	if err != nil {
		return nil, core.Wrap(core.KindDependencyUnavailable, err, "query heatmap")
	}
	defer rows.Close()

	var out []HeatmapCell
	for rows.Next() {
		var c HeatmapCell
		if err := rows.Scan(&c.Latitude, &c.Longitude, &c.Count); err != nil {
			return nil, fmt.Errorf("scan heatmap cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Summary aggregates one tourist's movement over [from, to].
func (h *PostgresHistory) Summary(ctx context.Context, touristID string, from, to time.Time) (MovementSummary, error) {
	s := MovementSummary{TouristID: touristID}
	var first, last sql.NullTime
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(distance_m), 0),
		       COALESCE(AVG(speed), 0),
		       COALESCE(MAX(speed), 0),
		       COUNT(*) FILTER (WHERE anomalous),
		       MIN(client_ts),
		       MAX(client_ts)
		FROM location_history
		WHERE tourist_id = $1 AND client_ts BETWEEN $2 AND $3`,
		touristID, from, to,
	).Scan(&s.Fixes, &s.TotalDistance, &s.AvgSpeed, &s.MaxSpeed, &s.Anomalies, &first, &last)
	h.observe(err)
	if err != nil {
		return s, core.Wrap(core.KindDependencyUnavailable, err, "query summary")
	}
	if first.Valid {
		s.First = first.Time
	}
	if last.Valid {
		s.Last = last.Time
	}
	return s, nil
}

// PurgeExpired deletes rows older than their per-row retention window and
// returns the number removed.
func (h *PostgresHistory) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
		DELETE FROM location_history
		WHERE server_ts < NOW() - (retention_days || ' days')::interval`)
	h.observe(err)
	if err != nil {
		return 0, core.Wrap(core.KindDependencyUnavailable, err, "purge expired history")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		h.logger.Printf("purged %d expired history rows", n)
	}
	return n, nil
}

func (h *PostgresHistory) observe(err error) {
	if err != nil {
		if h.available.Swap(false) {
			h.logger.Printf("postgres unavailable: %v", err)
		}
		return
	}
	if !h.available.Swap(true) {
		h.logger.Printf("postgres recovered")
	}
}
