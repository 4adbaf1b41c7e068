// Package web provides the HTTP boundary for the review case engine: the
// JSON API, the review-page endpoints, and the SSE and WebSocket event
// transports.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openhitl/reviewd/internal/metrics"
	"github.com/openhitl/reviewd/internal/review"
)

// SpecVersion is the HITL protocol version this service speaks.
const SpecVersion = "0.5"

// pollInterval is the recommended client poll interval, surfaced via
// Retry-After headers and the discovery document.
const pollInterval = 30 * time.Second

// Config holds configuration for the web server.
type Config struct {
	Addr string

	// BaseURL is the externally reachable base used when building review
	// and poll URLs. Defaults to http://localhost + Addr.
	BaseURL string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:    ":3458",
		BaseURL: "http://localhost:3458",
	}
}

// Server is the HTTP server for the review case API.
type Server struct {
	engine  *review.Store
	baseURL string
	addr    string
	mux     *http.ServeMux
	srv     *http.Server
}

// NewServer creates a new web server around the given engine.
func NewServer(cfg *Config, engine *review.Store) *Server {
	s := &Server{
		engine:  engine,
		baseURL: cfg.BaseURL,
		addr:    cfg.Addr,
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()

	return s
}

// registerRoutes registers all routes.
func (s *Server) registerRoutes() {
	// CORS middleware for API routes.
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods",
					"GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers",
					"Content-Type, Authorization, If-None-Match")
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next(w, r)
		}
	}

	// JSON middleware for API routes.
	jsonMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next(w, r)
		}
	}

	// api combines the middlewares and the per-route metrics recorder.
	api := func(route string, handler http.HandlerFunc) http.Handler {
		return metrics.Middleware(route,
			corsMiddleware(jsonMiddleware(handler)))
	}

	// stream skips the JSON middleware: SSE and WebSocket handlers set
	// their own framing.
	stream := func(route string, handler http.HandlerFunc) http.Handler {
		return metrics.Middleware(route, corsMiddleware(handler))
	}

	s.mux.Handle("POST /api/reviews",
		api("/api/reviews", s.handleCreateReview))
	s.mux.Handle("POST /api/demo",
		api("/api/demo", s.handleCreateDemo))
	s.mux.Handle("GET /api/reviews/{case_id}/status",
		api("/api/reviews/{case_id}/status", s.handlePollStatus))
	s.mux.Handle("GET /api/reviews/{case_id}/events",
		stream("/api/reviews/{case_id}/events", s.handleEventStream))
	s.mux.Handle("GET /api/reviews/{case_id}/ws",
		stream("/api/reviews/{case_id}/ws", s.handleWebSocket))
	s.mux.Handle("POST /api/reviews/{case_id}/submit",
		api("/api/reviews/{case_id}/submit", s.handleInlineSubmit))
	s.mux.Handle("POST /api/reviews/{case_id}/cancel",
		api("/api/reviews/{case_id}/cancel", s.handleCancel))
	s.mux.Handle("POST /reviews/{case_id}/begin",
		api("/reviews/{case_id}/begin", s.handleBegin))
	s.mux.Handle("POST /reviews/{case_id}/respond",
		api("/reviews/{case_id}/respond", s.handleRespond))
	s.mux.Handle("GET /review/{case_id}",
		api("/review/{case_id}", s.handleReviewPage))
	s.mux.Handle("GET /.well-known/hitl.json",
		api("/.well-known/hitl.json", s.handleDiscovery))
	s.mux.Handle("GET /healthz",
		api("/healthz", s.handleHealth))
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		ReadTimeout: 15 * time.Second,

		// No WriteTimeout: the SSE stream writes for as long as the
		// client stays connected.
		IdleTimeout: 60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("starting web server")
	return s.srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// APIError represents an API error response.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail contains error details.
type APIErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetails(w, status, code, message, nil)
}

// writeErrorDetails writes an error response with extra details.
func writeErrorDetails(w http.ResponseWriter, status int, code, message string,
	details map[string]any) {

	writeJSON(w, status, APIError{
		Error: APIErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeEngineError maps an engine taxonomy error onto its HTTP status and
// error body.
func writeEngineError(w http.ResponseWriter, err error) {
	code := review.CodeOf(err)

	var e *review.Error
	message := err.Error()
	if errors.As(err, &e) {
		message = e.Message
	}

	writeError(w, statusForCode(code), string(code), message)
}

// statusForCode maps engine error codes to HTTP statuses.
func statusForCode(code review.Code) int {
	switch code {
	case review.CodeInvalidToken:
		return http.StatusUnauthorized
	case review.CodeCaseNotFound:
		return http.StatusNotFound
	case review.CodeCaseExpired:
		return http.StatusGone
	case review.CodeDuplicateSubmission:
		return http.StatusConflict
	case review.CodeActionNotInline:
		return http.StatusForbidden
	case review.CodeRateLimited:
		return http.StatusTooManyRequests
	case review.CodeMissingAction, review.CodeInvalidType:
		return http.StatusBadRequest
	case review.CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
