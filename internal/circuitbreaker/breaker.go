// Package circuitbreaker protects slow dependencies from being hammered
// while they are down. Used to short-circuit history writes during database
// outages so ingestion latency stays flat.
package circuitbreaker

import (
	"log"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Counts per evaluation window.
type Counts struct {
	Requests            uint32
	Failures            uint32
	ConsecutiveFailures uint32
}

// Config tunes the breaker.
type Config struct {
	Name string

	// FailureThreshold of consecutive failures that trips the breaker.
	FailureThreshold uint32

	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration

	// HalfOpenProbes allowed before the breaker decides.
	HalfOpenProbes uint32
}

// DefaultConfig trips after 5 consecutive failures and probes after 30 s.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   uint32

	logger *log.Logger
	now    func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 2
	}
	return &Breaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[Breaker] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. In the open state it returns
// false until the cool-down elapses, then admits a limited number of probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probes = 1
		return true
	default: // half-open
		if b.probes >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probes++
		return true
	}
}

// Record feeds the outcome of an admitted request back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	if err == nil {
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
			b.counts = Counts{}
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		b.openedAt = b.now()
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Printf("%s: %s -> %s", b.cfg.Name, b.state, to)
	b.state = to
}
