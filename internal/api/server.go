// Package api provides the HTTP surface for Kiln: an OpenAI-compatible
// API (/v1/*) plus health, status, and metrics endpoints. It is a thin
// translation layer — each inference route (/v1/completions,
// /v1/chat/completions, /v1/embeddings) maps 1:1 to a task request
// handed to the core server.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilnlabs/kiln/internal/server"
)

// Server is the Kiln HTTP API server.
type Server struct {
	core           *server.Server
	metricsEnabled bool
}

// NewServer wraps the core server.
func NewServer(core *server.Server) *Server {
	return &Server{core: core}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Pool and store introspection.
	r.Get("/api/ps", s.handlePs)

	// OpenAI-compatible endpoints.
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
		r.Post("/completions", s.handleCompletions)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handlePs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": s.core.Pool().Snapshot(),
		"models":    s.core.Store().Status(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "invalid_request_error"},
	})
}
