// Package events carries the engine's typed event stream: location changes,
// zone status updates, and alerts. The subscription hub is the primary
// consumer; exporters (Pub/Sub, Redis) tap the same bus.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/safetrail/backend/internal/core"
)

// Type tags an engine event.
type Type string

const (
	TypeLocationChanged Type = "location_changed"
	TypeZoneStatus      Type = "zone_status"
	TypeAlert           Type = "alert"
)

// LocationChanged is broadcast to watchers of a tourist.
type LocationChanged struct {
	TouristID string    `json:"tourist_id"`
	Name      string    `json:"name"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ZoneRef is a zone reference inside a status payload.
type ZoneRef struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Severity core.Severity `json:"severity"`
}

// ZoneStatus is delivered privately to the tourist after each evaluation.
type ZoneStatus struct {
	TouristID       string    `json:"tourist_id"`
	InRestricted    bool      `json:"in_restricted"`
	InSafe          bool      `json:"in_safe"`
	RestrictedZones []ZoneRef `json:"restricted_zones"`
	SafeZones       []ZoneRef `json:"safe_zones"`
	Status          string    `json:"status"`
}

// Event is the bus envelope. Exactly one payload field is set, matching Type.
type Event struct {
	Type      Type      `json:"type"`
	TouristID string    `json:"tourist_id"`
	Time      time.Time `json:"time"`

	Location *LocationChanged `json:"location,omitempty"`
	Zone     *ZoneStatus      `json:"zone_status,omitempty"`
	Alert    *core.Alert      `json:"alert,omitempty"`
}

// JSON serializes the event envelope.
func (e Event) JSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Bus is an in-process pub/sub fan-out. Publishing never blocks: a
// subscriber with a full channel misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	allSubs     []chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer (default 100).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(types ...Type) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

// Publish delivers the event to matching subscribers without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}
