package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/cluster"
)

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="bioreactor"`)
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeDomainError maps automation and cluster errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrJobNotFound), errors.Is(err, automation.ErrUnknownSetting),
		errors.Is(err, cluster.ErrUnknownUnit):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, automation.ErrInvalidSetting), errors.Is(err, automation.ErrInvalidJobName),
		errors.Is(err, cluster.ErrInvalidCommand), errors.Is(err, bus.ErrInvalidTopic):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, automation.ErrInvalidTransition), errors.Is(err, automation.ErrTerminated),
		errors.Is(err, cluster.ErrCoordinationPaused):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, cluster.ErrNotLeader), errors.Is(err, bus.ErrUnauthorized):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, bus.ErrNotConnected):
		writeUnavailable(w, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
