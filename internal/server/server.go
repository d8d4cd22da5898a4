// Package server implements Ash's public REST+SSE surface and its
// internal runner<->coordinator API, wired against either a local
// Session Orchestrator (solo/runner node) or a Coordinator proxy
// (coordinator node).
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ash-run/ash/internal/auth"
	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/coordinator"
	"github.com/ash-run/ash/internal/db"
	"github.com/ash-run/ash/internal/filestore"
	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/session"
)

// Server composes the HTTP surface over whichever of Orchestrator+Pool
// (solo, runner) or Coordinator (coordinator) this node's Mode wires up.
// Exactly one of {Orchestrator+Pool, Coordinator} is non-nil.
type Server struct {
	Mode    config.Mode
	Repo    db.Repository
	Auth    *auth.Auth
	Metrics *metrics.Registry
	DataDir string

	Orchestrator *session.Orchestrator
	Pool         *pool.Pool

	Coordinator    *coordinator.Coordinator
	InternalSecret string

	Files filestore.Store
}

// Router builds the complete chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/docs", s.handleDocs)
	r.Get("/docs/*", s.handleDocs)
	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.Auth.Middleware)

			r.Post("/agents", s.handleDeployAgent)
			r.Get("/agents", s.handleListAgents)
			r.Get("/agents/{name}", s.handleGetAgent)
			r.Delete("/agents/{name}", s.handleDeleteAgent)

			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleEndSession)
			r.Post("/sessions/{id}/pause", s.handlePauseSession)
			r.Post("/sessions/{id}/resume", s.handleResumeSession)
			r.Post("/sessions/{id}/fork", s.handleForkSession)
			r.Patch("/sessions/{id}/config", s.handleUpdateSessionConfig)
			r.Post("/sessions/{id}/messages", s.handleSendMessage)
			r.Get("/sessions/{id}/messages", s.handleListMessages)
			r.Get("/sessions/{id}/events", s.handleListEvents)
			r.Get("/sessions/{id}/files", s.handleListFiles)
			r.Get("/sessions/{id}/files/*", s.handleGetFile)
			r.Post("/sessions/{id}/exec", s.handleExec)
			r.Get("/sessions/{id}/logs", s.handleLogs)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(auth.InternalSecretMiddleware(s.InternalSecret))
			r.Post("/runners/register", s.handleRunnerRegister)
			r.Post("/runners/{id}/heartbeat", s.handleRunnerHeartbeat)
			r.Post("/runners/{id}/deregister", s.handleRunnerDeregister)
			r.Get("/runners", s.handleListRunners)
			if s.Mode == config.ModeRunner {
				r.Mount("/runner", s.runnerAPIRouter())
			}
		})
	})

	return r
}

// runnerAPIRouter mounts the same session-management surface a tenant
// would hit directly, but authenticated by the shared internal secret
// instead of a bearer API key, for the coordinator's proxy to target.
// These are the same operations — pause/resume/end/messages/files/logs/
// exec — reachable over the internal channel.
func (s *Server) runnerAPIRouter() chi.Router {
	r := chi.NewRouter()
	r.Post("/sessions", s.handleCreateSession)
	r.Post("/sessions/{id}/messages", s.handleSendMessage)
	r.Post("/sessions/{id}/pause", s.handlePauseSession)
	r.Post("/sessions/{id}/resume", s.handleResumeSession)
	r.Post("/sessions/{id}/fork", s.handleForkSession)
	r.Delete("/sessions/{id}", s.handleEndSession)
	r.Get("/sessions/{id}/messages", s.handleListMessages)
	r.Get("/sessions/{id}/events", s.handleListEvents)
	r.Get("/sessions/{id}/files", s.handleListFiles)
	r.Get("/sessions/{id}/files/*", s.handleGetFile)
	r.Post("/sessions/{id}/exec", s.handleExec)
	r.Get("/sessions/{id}/logs", s.handleLogs)
	r.Post("/agents", s.handleDeployAgent)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok", "mode": s.Mode}
	if s.Pool != nil {
		resp["pool"] = s.Pool.Stats()
	}
	if s.Coordinator != nil {
		runners, err := s.Coordinator.ListRunners(r.Context())
		if err == nil {
			resp["runners"] = len(runners)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestTenant resolves the effective tenant for a request: the Bearer
// key's tenant on the public surface, or the X-Tenant-Id header the
// coordinator's proxy attaches when forwarding to a runner's internal
// surface (which authenticates by shared secret, not by tenant key).
func requestTenant(r *http.Request) string {
	if h := r.Header.Get("X-Tenant-Id"); h != "" {
		return h
	}
	return auth.TenantFromContext(r.Context())
}
