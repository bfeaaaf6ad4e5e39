// Package server provides the HTTP adapter over the execution core. It
// is glue only: identity, rate limiting, JSON in and out. The core
// stays transport-free.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carepilot-io/carepilot/internal/agent"
	"github.com/carepilot-io/carepilot/internal/clinical"
	"github.com/carepilot-io/carepilot/internal/consent"
	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
	"github.com/carepilot-io/carepilot/internal/otel"
	"github.com/carepilot-io/carepilot/internal/policy"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router    *chi.Mux
	executor  *agent.Executor
	actions   *lifecycle.Store
	consents  *consent.Store
	clinical  *clinical.Store
	audit     *evidence.Store
	engine    *policy.Engine
	limiter   *RateLimiter
	apiKeys   map[string]string // key -> user_id
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter sets the per-user rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// NewServer builds a Server with the required dependencies.
func NewServer(
	executor *agent.Executor,
	actions *lifecycle.Store,
	consents *consent.Store,
	clinicalStore *clinical.Store,
	audit *evidence.Store,
	engine *policy.Engine,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		executor:  executor,
		actions:   actions,
		consents:  consents,
		clinical:  clinicalStore,
		audit:     audit,
		engine:    engine,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/actions/execute", s.handleExecute)
		r.Get("/v1/actions", s.handleActionsList)
		r.Get("/v1/actions/{id}", s.handleActionGet)
		r.Get("/v1/actions/{id}/history", s.handleActionHistory)

		r.Post("/v1/consent/tokens", s.handleConsentIssue)

		r.Get("/v1/profile", s.handleProfile)
		r.Post("/v1/profile/symptoms", s.handleSymptomRecord)
		r.Post("/v1/profile/symptoms/{id}/confirm", s.handleSymptomConfirm)
		r.Post("/v1/profile/symptoms/{id}/resolve", s.handleSymptomResolve)

		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)

		r.Get("/v1/policy", s.handlePolicyGet)
	})

	return r
}
