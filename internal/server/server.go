// Package server exposes the runner over HTTP: a batch endpoint, a
// server-sent event stream, and a duplex websocket, plus liveness and
// metrics surfaces.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/internal/invocations"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/runner"
	"github.com/haasonsaas/conductor/internal/sessions"
)

// defaultUserID scopes requests that carry no user id.
const defaultUserID = "default"

// AppState holds the shared collaborators behind every handler.
type AppState struct {
	Runner   *runner.Runner
	Sessions sessions.Service
	Tracker  *invocations.Tracker
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Server routes HTTP traffic to the runner.
type Server struct {
	state  AppState
	router chi.Router
}

// New builds the router. Tracker and Logger fall back to the process
// defaults when nil; Metrics may be nil to disable the /metrics surface.
func New(state AppState) *Server {
	if state.Logger == nil {
		state.Logger = slog.Default()
	}
	if state.Tracker == nil {
		state.Tracker = invocations.Default()
	}

	s := &Server{state: state}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	if state.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readiness", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("READY"))
	})
	if state.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(state.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/run/sse", s.handleRunSSE)
		r.Get("/run/ws", s.handleRunWS)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// corsMiddleware is permissive by default.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.state.Metrics.HTTPRequestsTotal.
			WithLabelValues(r.Method, route, http.StatusText(ww.Status())).Inc()
		s.state.Metrics.HTTPRequestSeconds.
			WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
