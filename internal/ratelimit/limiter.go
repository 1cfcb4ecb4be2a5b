// Package ratelimit enforces per-principal, per-endpoint-class request
// limits with independent sliding windows per bucket.
package ratelimit

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/safetrail/backend/internal/core"
)

// Class groups logical endpoints under one limit.
type Class string

const (
	ClassGeneral         Class = "general"
	ClassAuth            Class = "auth"
	ClassPosition        Class = "position"
	ClassSOS             Class = "sos"
	ClassGeofencingAdmin Class = "geofencing-admin"
)

// Limit is max requests per window.
type Limit struct {
	Max int
	Per time.Duration
}

// DefaultLimits returns the stock per-class limits.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassGeneral:        {Max: 2000, Per: 15 * time.Minute},
		ClassAuth:           {Max: 5, Per: 15 * time.Minute},
		ClassPosition:       {Max: 20, Per: time.Minute},
		ClassSOS:            {Max: 10, Per: 5 * time.Minute},
		ClassGeofencingAdmin: {Max: 20, Per: 15 * time.Minute},
	}
}

type window struct {
	count int
	start time.Time
}

// Limiter tracks one window per (principal, class) bucket. Windows are
// garbage-collected once idle for two periods.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	limits  map[Class]Limit

	done      chan struct{}
	closeOnce sync.Once
	logger    *log.Logger

	// now is swappable so tests control the clock.
	now func() time.Time
}

// NewLimiter creates a limiter. Nil limits get the defaults.
func NewLimiter(limits map[Class]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	l := &Limiter{
		windows: make(map[string]*window),
		limits:  limits,
		done:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Allow checks the bucket for (principalID, class). On rejection it returns
// a rate_limited error carrying the suggested retry delay.
func (l *Limiter) Allow(principalID string, class Class) error {
	limit, ok := l.limits[class]
	if !ok || limit.Max <= 0 {
		return nil
	}
	key := principalID + "|" + string(class)
	now := l.now()

	// Fast path: bump an active window under the read lock. The count
	// increment races benignly; limits are soft by a request or two.
	l.mu.RLock()
	w, exists := l.windows[key]
	if exists && now.Sub(w.start) < limit.Per {
		w.count++
		count := w.count
		start := w.start
		l.mu.RUnlock()
		if count > limit.Max {
			retry := start.Add(limit.Per).Sub(now)
			l.logger.Printf("limit exceeded: key=%s count=%d max=%d", key, count, limit.Max)
			return core.RateLimited(retry)
		}
		return nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists = l.windows[key]
	if exists && now.Sub(w.start) < limit.Per {
		w.count++
		if w.count > limit.Max {
			return core.RateLimited(w.start.Add(limit.Per).Sub(now))
		}
		return nil
	}
	l.windows[key] = &window{count: 1, start: now}
	return nil
}

// Middleware enforces a class limit on an HTTP route. keyFn extracts the
// principal id from the request (after authentication middleware has run).
func (l *Limiter) Middleware(class Class, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.Allow(keyFn(r), class); err != nil {
				var retry time.Duration
				if te, ok := err.(*core.Error); ok {
					retry = te.RetryAfter
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":{"kind":"rate_limited","message":"rate limit exceeded"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cleanup drops windows idle for two periods so the map stays bounded.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := l.now()
			l.mu.Lock()
			for key, w := range l.windows {
				// The longest class period is 15 minutes.
				if now.Sub(w.start) > 30*time.Minute {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}
