package storage

import (
	"context"
	"time"

	"github.com/safetrail/backend/internal/circuitbreaker"
	"github.com/safetrail/backend/internal/core"
)

// GuardedHistory wraps a HistoryStore with a circuit breaker so a database
// outage fails writes fast instead of stalling every shard worker on the
// full I/O deadline.
type GuardedHistory struct {
	inner   HistoryStore
	breaker *circuitbreaker.Breaker
}

// NewGuardedHistory wraps the store. A zero Config gets defaults.
func NewGuardedHistory(inner HistoryStore, cfg circuitbreaker.Config) *GuardedHistory {
	if cfg.Name == "" {
		cfg.Name = "history"
	}
	return &GuardedHistory{inner: inner, breaker: circuitbreaker.New(cfg)}
}

var errShortCircuit = core.E(core.KindDependencyUnavailable, "history store circuit open")

func (g *GuardedHistory) Append(ctx context.Context, e HistoryEntry) error {
	if !g.breaker.Allow() {
		return errShortCircuit
	}
	err := g.inner.Append(ctx, e)
	g.breaker.Record(err)
	return err
}

func (g *GuardedHistory) Path(ctx context.Context, touristID string, from, to time.Time, limit int) ([]PathPoint, error) {
	if !g.breaker.Allow() {
		return nil, errShortCircuit
	}
	out, err := g.inner.Path(ctx, touristID, from, to, limit)
	g.breaker.Record(err)
	return out, err
}

func (g *GuardedHistory) Heatmap(ctx context.Context, from, to time.Time, precision int) ([]HeatmapCell, error) {
	if !g.breaker.Allow() {
		return nil, errShortCircuit
	}
	out, err := g.inner.Heatmap(ctx, from, to, precision)
	g.breaker.Record(err)
	return out, err
}

func (g *GuardedHistory) Summary(ctx context.Context, touristID string, from, to time.Time) (MovementSummary, error) {
	if !g.breaker.Allow() {
		return MovementSummary{TouristID: touristID}, errShortCircuit
	}
	out, err := g.inner.Summary(ctx, touristID, from, to)
	g.breaker.Record(err)
	return out, err
}

func (g *GuardedHistory) PurgeExpired(ctx context.Context) (int64, error) {
	if !g.breaker.Allow() {
		return 0, errShortCircuit
	}
	n, err := g.inner.PurgeExpired(ctx)
	g.breaker.Record(err)
	return n, err
}

// Ping bypasses the breaker; a successful probe is how the circuit closes
// again from the health path.
func (g *GuardedHistory) Ping(ctx context.Context) error {
	err := g.inner.Ping(ctx)
	if g.breaker.Allow() {
		g.breaker.Record(err)
	}
	return err
}

func (g *GuardedHistory) Available() bool {
	return g.inner.Available() && g.breaker.State() != circuitbreaker.StateOpen
}
