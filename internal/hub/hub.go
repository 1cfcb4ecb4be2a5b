// Package hub manages the long-lived websocket sessions: tourists stream
// position updates in, authorities watch tourists and receive alerts. Rooms
// are joined implicitly by role and explicitly by watch verbs.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/metrics"
	"github.com/safetrail/backend/internal/state"
)

// Verbs on the wire.
const (
	VerbPositionUpdate  = "position:update"
	VerbWatchStart      = "watch:start"
	VerbWatchStop       = "watch:stop"
	VerbLocationChanged = "location:changed"
	VerbAlert           = "alert"
	VerbZoneStatus      = "zone_status"
	VerbError           = "error"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Ingestor accepts position fixes; implemented by the ingest pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, principal core.Principal, fix core.Fix) error
}

// Verifier resolves bearer tokens; implemented by the auth registry.
type Verifier interface {
	Verify(token string) (core.Principal, error)
}

// Hub owns all sessions and rooms and consumes the engine event bus on a
// single subscription so delivery order matches publish order.
type Hub struct {
	verifier Verifier
	ingestor Ingestor
	store    *state.Store
	bus      *events.Bus
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}

	upgrader  websocket.Upgrader
	done      chan struct{}
	closeOnce sync.Once
	logger    *log.Logger
}

// NewHub creates the hub and starts the bus consumer.
func NewHub(verifier Verifier, ingestor Ingestor, store *state.Store, bus *events.Bus, m *metrics.Metrics) *Hub {
	h := &Hub{
		verifier: verifier,
		ingestor: ingestor,
		store:    store,
		bus:      bus,
		metrics:  m,
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[string]map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done:   make(chan struct{}),
		logger: log.New(log.Writer(), "[Hub] ", log.LstdFlags),
	}
	if bus != nil {
		go h.consume(bus.Subscribe())
	}
	return h
}

// Close stops the bus consumer and disconnects every session.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// HandleWS upgrades the connection after verifying the bearer token from
// the Authorization header or the token query parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticate(r)
	if err != nil {
		http.Error(w, `{"error":{"kind":"unauthenticated","message":"invalid token"}}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	s := newSession(h, conn, principal)
	h.register(s)

	go s.writePump()
	go s.readPump()
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize returns the membership of one room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) authenticate(r *http.Request) (core.Principal, error) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return h.verifier.Verify(token)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	// Tourists always hear their own status; authorities join the global
	// alert stream.
	switch s.principal.Role {
	case core.RoleTourist:
		h.join(s, "user:"+s.principal.ID)
	case core.RoleAuthority:
		h.join(s, "authorities")
	}

	if h.metrics != nil {
		h.metrics.HubSessions.Set(float64(h.SessionCount()))
	}
	h.logger.Printf("session connected: %s (%s)", s.principal.ID, s.principal.Role)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	for room, members := range h.rooms {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.HubSessions.Set(float64(h.SessionCount()))
	}
	h.logger.Printf("session disconnected: %s", s.principal.ID)
}

func (h *Hub) join(s *Session, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Session]struct{})
	}
	h.rooms[room][s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(s *Session, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// broadcast sends a message to every member of a room. Delivery is
// at-most-once: a session with a full send buffer is dropped.
func (h *Hub) broadcast(room, verb string, payload interface{}) {
	h.broadcastExcept(room, "", verb, payload)
}

// broadcastExcept skips room members that also belong to except, so a
// session subscribed through two rooms receives one copy.
func (h *Hub) broadcastExcept(room, except, verb string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("marshal %s payload: %v", verb, err)
		return
	}
	msg, err := json.Marshal(Message{Type: verb, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	skip := h.rooms[except]
	var stale []*Session
	for s := range h.rooms[room] {
		if _, dup := skip[s]; dup {
			continue
		}
		if !s.trySend(msg) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		s.close()
	}
	if h.metrics != nil {
		h.metrics.HubDelivered.WithLabelValues(verb).Inc()
	}
}

// consume fans bus events out to rooms. One subscription covers all types so
// an alert is never delivered before the location change that produced it.
func (h *Hub) consume(ch chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeLocationChanged:
				h.broadcast("watch:"+ev.TouristID, VerbLocationChanged, ev.Location)
			case events.TypeZoneStatus:
				h.broadcast("user:"+ev.TouristID, VerbZoneStatus, ev.Zone)
			case events.TypeAlert:
				h.broadcast("authorities", VerbAlert, ev.Alert)
				h.broadcastExcept("watch:"+ev.TouristID, "authorities", VerbAlert, ev.Alert)
			}
		case <-h.done:
			return
		}
	}
}

// replayLatest sends the tourist's current position to a fresh watcher.
func (h *Hub) replayLatest(s *Session, touristID string) {
	st, ok := h.store.Get(touristID)
	if !ok {
		return
	}
	payload := events.LocationChanged{
		TouristID: st.TouristID,
		Name:      st.Name,
		Lat:       st.Fix.Latitude,
		Lon:       st.Fix.Longitude,
		Accuracy:  st.Fix.Accuracy,
		Timestamp: st.Fix.ClientTS,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg, _ := json.Marshal(Message{Type: VerbLocationChanged, Data: data})
	s.trySend(msg)
}

// handleMessage dispatches one client verb.
func (h *Hub) handleMessage(s *Session, msg Message) {
	switch msg.Type {
	case VerbPositionUpdate:
		h.handlePosition(s, msg.Data)
	case VerbWatchStart:
		h.handleWatch(s, msg.Data, true)
	case VerbWatchStop:
		h.handleWatch(s, msg.Data, false)
	default:
		s.sendError("unknown verb %q", msg.Type)
	}
}

type positionPayload struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Accuracy    float64   `json:"accuracy,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceInfo  string    `json:"deviceInfo,omitempty"`
	NetworkInfo string    `json:"networkInfo,omitempty"`
}

func (h *Hub) handlePosition(s *Session, data json.RawMessage) {
	var p positionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.sendError("malformed position payload")
		return
	}

	fix := core.Fix{
		TouristID:   s.principal.ID,
		Latitude:    p.Lat,
		Longitude:   p.Lon,
		Accuracy:    p.Accuracy,
		ClientTS:    p.Timestamp,
		DeviceInfo:  p.DeviceInfo,
		NetworkInfo: p.NetworkInfo,
	}
	if err := h.ingestor.Ingest(s.ctx, s.principal, fix); err != nil {
		s.sendError("%s", err.Error())
	}
}

type watchPayload struct {
	TouristID string `json:"tourist_id"`
}

func (h *Hub) handleWatch(s *Session, data json.RawMessage, start bool) {
	if s.principal.Role != core.RoleAuthority {
		s.sendError("watch requires authority role")
		return
	}
	var p watchPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TouristID == "" {
		s.sendError("malformed watch payload")
		return
	}

	room := "watch:" + p.TouristID
	if !start {
		h.leave(s, room)
		return
	}
	h.join(s, room)
	h.replayLatest(s, p.TouristID)
}
