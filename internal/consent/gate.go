// Package consent resolves per-tourist privacy preferences and applies
// anonymization before anything is persisted.
package consent

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/safetrail/backend/internal/core"
)

// DefaultLookupTimeout bounds the consent lookup. Expiry fails closed: a fix
// we cannot verify consent for is rejected.
const DefaultLookupTimeout = 500 * time.Millisecond

// Resolver looks up a tourist's consent record. A nil record with nil error
// means no record exists.
type Resolver interface {
	Lookup(ctx context.Context, touristID string) (*core.ConsentRecord, error)
}

// Decision is the outcome of a successful consent check.
type Decision struct {
	Anonymize     bool
	RetentionDays int
}

// Gate wraps a Resolver with the fail-closed policy and retention clamping.
type Gate struct {
	resolver Resolver
	timeout  time.Duration
	logger   *log.Logger
}

// NewGate creates a consent gate. Zero timeout gets the default.
func NewGate(resolver Resolver, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Gate{
		resolver: resolver,
		timeout:  timeout,
		logger:   log.New(log.Writer(), "[Consent] ", log.LstdFlags),
	}
}

// Allow returns the consent decision for a tourist. Absent records, withheld
// consent, and lookup failures all reject with consent_required.
func (g *Gate) Allow(ctx context.Context, touristID string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.resolver.Lookup(ctx, touristID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.logger.Printf("consent lookup timed out for %s, failing closed", touristID)
		} else {
			g.logger.Printf("consent lookup failed for %s: %v", touristID, err)
		}
		return Decision{}, core.Wrap(core.KindConsentRequired, err, "consent could not be verified")
	}
	if rec == nil || !rec.ConsentGiven || !rec.ShareLocation {
		return Decision{}, core.E(core.KindConsentRequired, "tourist %s has not consented to location sharing", touristID)
	}

	return Decision{
		Anonymize:     rec.Anonymize,
		RetentionDays: clampRetention(rec.RetentionDays),
	}, nil
}

func clampRetention(days int) int {
	switch {
	case days < 1:
		return 30
	case days > 365:
		return 365
	default:
		return days
	}
}
