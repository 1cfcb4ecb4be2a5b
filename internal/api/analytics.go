package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/safetrail/backend/internal/core"
)

// timeRange parses from/to query params (RFC 3339). Defaults cover the last
// 24 hours.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from, to := now.Add(-24*time.Hour), now

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, core.E(core.KindInvalidInput, "from must be RFC 3339")
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, core.E(core.KindInvalidInput, "to must be RFC 3339")
		}
		to = t
	}
	if to.Before(from) {
		return from, to, core.E(core.KindInvalidInput, "to precedes from")
	}
	return from, to, nil
}

func (s *Server) historyOrError(w http.ResponseWriter) bool {
	if s.engine.History == nil {
		writeError(w, core.E(core.KindDependencyUnavailable, "history store not configured"))
		return false
	}
	return true
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	if !s.historyOrError(w) {
		return
	}
	touristID := r.URL.Query().Get("tourist_id")
	if touristID == "" {
		writeError(w, core.E(core.KindInvalidInput, "tourist_id required"))
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	points, err := s.engine.History.Path(r.Context(), touristID, from, to, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tourist_id": touristID,
		"points":     points,
	})
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	if !s.historyOrError(w) {
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	precision := 3
	if raw := r.URL.Query().Get("precision"); raw != "" {
		precision, _ = strconv.Atoi(raw)
	}

	cells, err := s.engine.History.Heatmap(r.Context(), from, to, precision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cells": cells})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !s.historyOrError(w) {
		return
	}
	touristID := r.URL.Query().Get("tourist_id")
	if touristID == "" {
		writeError(w, core.E(core.KindInvalidInput, "tourist_id required"))
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	summary, err := s.engine.History.Summary(r.Context(), touristID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
