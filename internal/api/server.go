// Package api exposes the tracking engine over REST/JSON and mounts the
// websocket hub and Prometheus endpoints.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/engine"
	"github.com/safetrail/backend/internal/hub"
	"github.com/safetrail/backend/internal/ratelimit"
)

type contextKey string

const principalKey contextKey = "principal"

// Verifier resolves bearer tokens; implemented by the auth registry.
type Verifier interface {
	Verify(token string) (core.Principal, error)
}

// ConsentStore is the mutable consent surface; implemented by
// consent.MemoryStore.
type ConsentStore interface {
	Set(rec core.ConsentRecord)
	Revoke(touristID string)
}

// Server is the HTTP surface over one engine.
type Server struct {
	engine   *engine.Engine
	verifier Verifier
	hub      *hub.Hub
	consents ConsentStore
	logger   *log.Logger

	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(e *engine.Engine, verifier Verifier, h *hub.Hub) *Server {
	s := &Server{
		engine:   e,
		verifier: verifier,
		hub:      h,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	return s
}

// SetConsentStore enables the consent endpoints.
func (s *Server) SetConsentStore(store ConsentStore) { s.consents = store }

// Router assembles all routes with their middleware chains.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.HandleWS)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.Use(s.limitMiddleware(ratelimit.ClassGeneral))

	// Position. The position rate class is enforced inside the pipeline.
	authed.HandleFunc("/position", s.handlePostPosition).Methods("POST")
	authed.Handle("/position/live", s.requireAuthority(s.handleLivePositions)).Methods("GET")

	// Geofencing.
	authed.HandleFunc("/geofencing/zones", s.handleListZones).Methods("GET")
	authed.HandleFunc("/geofencing/zones/{id}", s.handleGetZone).Methods("GET")

	admin := authed.PathPrefix("/geofencing").Subrouter()
	admin.Use(s.limitMiddleware(ratelimit.ClassGeofencingAdmin))
	admin.Handle("/zones/restricted", s.requireAuthority(s.handleCreatePolygonZone)).Methods("POST")
	admin.Handle("/zones/safe", s.requireAuthority(s.handleCreatePolygonZone)).Methods("POST")
	admin.Handle("/zones/circular", s.requireAuthority(s.handleCreateCircularZone)).Methods("POST")
	admin.Handle("/zones/{id}", s.requireAuthority(s.handleDeleteZone)).Methods("DELETE")

	authed.Handle("/geofencing/alerts", s.requireAuthority(s.handleRecentAlerts)).Methods("GET")

	// Consent self-service.
	if s.consents != nil {
		authed.HandleFunc("/consent", s.handleSetConsent).Methods("POST")
		authed.HandleFunc("/consent", s.handleRevokeConsent).Methods("DELETE")
	}

	// SOS.
	sos := authed.PathPrefix("/sos").Subrouter()
	sos.Use(s.limitMiddleware(ratelimit.ClassSOS))
	sos.HandleFunc("/trigger", s.handleTriggerSOS).Methods("POST")
	sos.Handle("/resolve", s.requireAuthority(s.handleResolveSOS)).Methods("POST")

	// Analytics.
	analytics := authed.PathPrefix("/analytics").Subrouter()
	analytics.Handle("/path", s.requireAuthority(s.handlePath)).Methods("GET")
	analytics.Handle("/heatmap", s.requireAuthority(s.handleHeatmap)).Methods("GET")
	analytics.Handle("/summary", s.requireAuthority(s.handleSummary)).Methods("GET")

	return r
}

// Start serves until the listener fails.
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	s.logger.Printf("listening on :%s", port)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies the bearer token and stores the principal on the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		principal, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limitMiddleware(class ratelimit.Class) func(http.Handler) http.Handler {
	return s.engine.Limiter.Middleware(class, func(r *http.Request) string {
		return principalFrom(r).ID
	})
}

func (s *Server) requireAuthority(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r).Role != core.RoleAuthority {
			writeError(w, core.E(core.KindUnauthorized, "authority role required"))
			return
		}
		next(w, r)
	})
}

func principalFrom(r *http.Request) core.Principal {
	p, _ := r.Context().Value(principalKey).(core.Principal)
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health()
	status := http.StatusOK
	body := map[string]interface{}{
		"status": "ok",
		"health": h,
	}
	if h.Degraded() {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
