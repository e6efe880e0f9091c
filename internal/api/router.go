// Package api is the Control API: thin JSON endpoints exposing the Session
// Store and Request Queue to the operator UI (spec §4.9/§6). Router
// wiring follows the teacher's handlers.go registration style but swaps
// net/http's bare mux for go-chi/chi, the pack's ecosystem router, and adds
// go-chi/cors for the operator UI's cross-origin calls.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FROSTR-ORG/igloo-broker/internal/auth"
	"github.com/FROSTR-ORG/igloo-broker/internal/broker"
	"github.com/FROSTR-ORG/igloo-broker/internal/logging"
	"github.com/FROSTR-ORG/igloo-broker/internal/queue"
	"github.com/FROSTR-ORG/igloo-broker/internal/session"
)

// Server wires the Control API's dependencies.
type Server struct {
	Core        *broker.Core
	Sessions    *session.Store
	Queue       *queue.Queue
	Gateway     *auth.Gateway
	Onboarder   *auth.Onboarder
	Users       auth.UserStore
	RateLimiter auth.RateLimiter
	RateWindow  time.Duration
	RateMax     int
	IdleTimeout time.Duration
	AbsTimeout  time.Duration
	APIKey      string
	Headless    bool
	Relays      []string
}

// NewRouter builds the chi router exposing every endpoint in spec §6's
// Operator HTTP API table.
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.With(s.rateLimited).Post("/login", s.handleLogin)
		r.With(s.requireAuth).Post("/logout", s.handleLogout)
		r.Get("/status", s.handleAuthStatus)
		r.With(s.rateLimited).Post("/onboard", s.handleOnboard)
	})

	r.Route("/api/nip46", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleUpsertSession)
		r.Put("/sessions/{cpk}/policy", s.handleUpdatePolicy)
		r.Put("/sessions/{cpk}/status", s.handleUpdateStatus)
		r.Delete("/sessions/{cpk}", s.handleRevokeSession)

		r.Get("/requests", s.handleListRequests)
		r.Post("/requests/{id}/approve", s.handleApprove)
		r.Post("/requests/{id}/deny", s.handleDeny)

		r.Get("/transport", s.handleTransport)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"headless": s.Headless,
	})
}
