// Package api wires the HTTP front door: chi for the chat/session/
// clarification surface, huma for the typed /monitoring/* endpoints, and
// tmaxmax/go-sse for response-stream delivery.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atoms-tech/maice/internal/authshim"
	"github.com/atoms-tech/maice/internal/evaluation"
	"github.com/atoms-tech/maice/internal/health"
	"github.com/atoms-tech/maice/internal/llm"
	"github.com/atoms-tech/maice/internal/logging"
	"github.com/atoms-tech/maice/internal/metrics"
	"github.com/atoms-tech/maice/internal/orchestrator"
	"github.com/atoms-tech/maice/internal/session"
	"github.com/atoms-tech/maice/internal/streampipe"
)

// Server bundles the collaborators the HTTP layer routes requests to.
type Server struct {
	orch       *orchestrator.Orchestrator
	sessions   *session.Store
	pipeline   *streampipe.Pipeline
	sidecar    *metrics.Sidecar
	evaluation *evaluation.Workflow
	health     *health.Checker
	auth       *authshim.Verifier
	model      llm.Client
	logger     *logging.Logger
}

func New(orch *orchestrator.Orchestrator, sessions *session.Store, pipeline *streampipe.Pipeline,
	sidecar *metrics.Sidecar, eval *evaluation.Workflow, checker *health.Checker, auth *authshim.Verifier,
	model llm.Client) *Server {
	return &Server{
		orch: orch, sessions: sessions, pipeline: pipeline, sidecar: sidecar,
		evaluation: eval, health: checker, auth: auth, model: model, logger: logging.GetLogger("api"),
	}
}

// Router builds the complete HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Group(func(pub chi.Router) {
		pub.Get("/healthz", s.handleLivez)
		pub.Method(http.MethodGet, "/monitoring/metrics",
			promhttp.HandlerFor(s.sidecar.Registry(), promhttp.HandlerOpts{}))
	})

	r.Group(func(priv chi.Router) {
		if s.auth != nil {
			priv.Use(s.auth.Middleware)
		}
		priv.Post("/chat", s.handleChat)
		priv.Post("/clarification", s.handleClarification)
		priv.Post("/image_to_latex", s.handleImageToLatex)
		priv.Post("/session", s.handleCreateSession)
		priv.Delete("/session/{id}", s.handleCloseSession)
	})

	s.mountMonitoring(r)

	return r
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
