package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/latticeworks/lattice/affordance"
	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/health"
	"github.com/latticeworks/lattice/query"
)

// errorEnvelope is the JSON error shape for every API endpoint.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeJSON writes v as the response body with the given status.
func (s *GraphAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps err onto the error envelope. Server-side failures are
// logged and counted; client errors are only returned.
func (s *GraphAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := describeError(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"pattern", r.Pattern,
			"status", status,
			"error", err,
		)
		if s.registry != nil {
			s.registry.CoreMetrics().RecordError(s.name, code)
		}
	}

	s.writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// describeError translates an error into status, machine code, client
// message and optional details. Client errors carry err.Error();
// server errors carry generic text so internals never leak.
func describeError(err error) (status int, code, message string, details any) {
	var maxBytes *http.MaxBytesError
	if stderrors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, "request_too_large",
			"request body exceeds limit", nil
	}

	// Rate limiting classifies as transient, so it must be recognized
	// before the transient bucket below.
	if stderrors.Is(err, errors.ErrRateLimited) {
		return http.StatusTooManyRequests, "rate_limited",
			"rate limit exceeded", nil
	}

	var parseErr *query.ParseError
	if stderrors.As(err, &parseErr) {
		if parseErr.Token != "" {
			details = map[string]any{
				"token":    parseErr.Token,
				"position": parseErr.Position,
			}
		}
		return http.StatusBadRequest, "query_parse_error", parseErr.Error(), details
	}

	var validationErr *query.ValidationError
	if stderrors.As(err, &validationErr) {
		if validationErr.Field != "" {
			details = map[string]any{"field": validationErr.Field}
		}
		return http.StatusBadRequest, "query_validation_error", validationErr.Error(), details
	}

	var execErr *affordance.ExecutionError
	if stderrors.As(err, &execErr) {
		return http.StatusInternalServerError, "action_failed",
			health.SanitizeMessage(execErr.Error()), nil
	}

	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound, "not_found", err.Error(), nil
	case errors.IsInvalid(err):
		return http.StatusBadRequest, "invalid_request", err.Error(), nil
	case errors.IsTransient(err):
		if stderrors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, "timeout", "request timed out", nil
		}
		return http.StatusServiceUnavailable, "unavailable",
			"service temporarily unavailable", nil
	default:
		return http.StatusInternalServerError, "internal", "internal error", nil
	}
}
