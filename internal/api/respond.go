package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/safetrail/backend/internal/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindInvalidInput, core.KindInvalidGeometry:
		return http.StatusBadRequest
	case core.KindUnauthenticated:
		return http.StatusUnauthorized
	case core.KindUnauthorized, core.KindConsentRequired:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	if kind == core.KindRateLimited {
		var te *core.Error
		if errors.As(err, &te) {
			w.Header().Set("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())+1))
		}
	}
	msg := err.Error()
	if kind == core.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: errorDetail{Kind: string(kind), Message: msg}})
}
