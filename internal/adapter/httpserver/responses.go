// Package httpserver contains the HTTP handlers and middleware of the chat
// API: /v1/chat (JSON and SSE), /v1/chat/stop, /v1/autocomplete, /v1/models,
// and the health and admin surface. Business logic stays in the usecase and
// service packages; this package translates HTTP to pipeline calls and error
// kinds to status codes.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/observability"
)

type errorEnvelope struct {
	Error     apiError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to its HTTP status and stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingSession):
		return http.StatusBadRequest, "MISSING_SESSION"
	case errors.Is(err, domain.ErrAdapterNotFound):
		return http.StatusBadRequest, "ADAPTER_NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrPoolSaturated):
		return http.StatusServiceUnavailable, "POOL_SATURATED"
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "CIRCUIT_OPEN"
	case errors.Is(err, domain.ErrAdapterLoad):
		return http.StatusServiceUnavailable, "ADAPTER_LOAD_FAILED"
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	status, code := statusFor(err)
	writeJSON(w, status, errorEnvelope{
		Error:     apiError{Code: code, Message: err.Error(), Details: details},
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}
