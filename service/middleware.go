package service

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/graph"
	"github.com/latticeworks/lattice/query"
)

// statusRecorder captures the response status for metrics and logging.
// Only JSON endpoints are wrapped with it; the streaming endpoints get
// the raw ResponseWriter because SSE needs Flusher and WebSocket needs
// Hijacker.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrap is the middleware for JSON endpoints: request id, CORS headers,
// project scope, body size cap, and per-route metrics.
func (s *GraphAPI) wrap(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ensureRequestID(w, r)
		s.applyCORS(w, r)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			elapsed := time.Since(start)
			s.metrics.observe(r.Pattern, rec.status, elapsed)
			s.RecordRequest()
			s.logger.Debug("request",
				"method", r.Method,
				"pattern", r.Pattern,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		}()

		ctx, err := s.scopeContext(r)
		if err != nil {
			s.writeError(rec, r, err)
			return
		}
		r = r.WithContext(ctx)
		r.Body = http.MaxBytesReader(rec, r.Body, s.maxBody)

		next(rec, r)
	})
}

// limited adds rate limiting in front of wrap. The limiter is shared
// across all query-shaped endpoints.
func (s *GraphAPI) limited(next http.HandlerFunc) http.Handler {
	return s.wrap(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.rateLimited()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, errors.ErrRateLimited)
			return
		}
		next(w, r)
	})
}

// stream is the thin middleware for the long-lived endpoints: request
// id, CORS and scope only, no recorder and no body cap.
func (s *GraphAPI) stream(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ensureRequestID(w, r)
		s.applyCORS(w, r)

		ctx, err := s.scopeContext(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.RecordRequest()
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureRequestID echoes the client's X-Request-ID or generates one.
func ensureRequestID(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
		r.Header.Set("X-Request-ID", id)
	}
	w.Header().Set("X-Request-ID", id)
}

// applyCORS sets CORS headers when the request origin is allowed. An
// empty allowlist disables CORS entirely.
func (s *GraphAPI) applyCORS(w http.ResponseWriter, r *http.Request) {
	if len(s.cors) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.cors {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Project-Scope")
	h.Set("Access-Control-Max-Age", "3600")
}

// scopeContext attaches the X-Project-Scope header to the request
// context. Scoped requests are confined to that project by the engine
// and the transports.
func (s *GraphAPI) scopeContext(r *http.Request) (context.Context, error) {
	scope := r.Header.Get("X-Project-Scope")
	if scope == "" {
		return r.Context(), nil
	}
	if !graph.ValidProjectID(scope) {
		return nil, &query.ValidationError{Field: "X-Project-Scope", Reason: "invalid project id"}
	}
	return graph.WithProjectScope(r.Context(), scope), nil
}

// handlePreflight answers CORS preflight for every route.
func (s *GraphAPI) handlePreflight(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	w.WriteHeader(http.StatusNoContent)
}
