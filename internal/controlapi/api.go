// Package controlapi implements the REST authoring API of the Plangate Control Plane.
package controlapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/plangate/internal/catalog"
	"github.com/rafaeljc/plangate/internal/store"
)

// Catalog lists the identifiers an author may target in a rule.
// Implemented by *catalog.Service.
type Catalog interface {
	List(ctx context.Context) ([]catalog.Entry, error)
	Unknown(ctx context.Context, ids []string) ([]string, error)
	Invalidate()
}

// Publisher propagates writes to the data plane. Implemented by cache.Service.
type Publisher interface {
	PushUpdate(ctx context.Context, elementID string, version int64) error
	DeleteMemberships(ctx context.Context, viewerID string) error
}

// Dependencies groups the collaborators of the API.
type Dependencies struct {
	Plans       store.PlanRepository
	Memberships store.MembershipRepository
	Rules       store.RuleRepository
	Catalog     Catalog
	Publisher   Publisher
	Logger      *slog.Logger
}

// Config tunes authentication and write propagation.
type Config struct {
	// APIKeyHash is the SHA-256 hex digest of the accepted API key.
	APIKeyHash string

	// SkipAuth disables authentication (tests and local development only).
	SkipAuth bool

	// NotifyMaxRetries bounds the attempts to enqueue a sync event.
	NotifyMaxRetries uint

	// NotifyTimeout bounds the whole notification, retries included.
	NotifyTimeout time.Duration
}

// API holds the router and dependencies of the Control Plane.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	plans       store.PlanRepository
	memberships store.MembershipRepository
	rules       store.RuleRepository
	catalog     Catalog
	publisher   Publisher
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// NewAPI creates the API and registers its routes.
//
// Panics if a repository, the catalog or the publisher is nil, or if
// authentication is enabled without an API key hash.
func NewAPI(deps Dependencies, cfg Config) *API {
	// Interfaces are checked explicitly: a typed nil would slip through later.
	switch {
	case deps.Plans == nil:
		panic("controlapi: plan repository cannot be nil")
	case deps.Memberships == nil:
		panic("controlapi: membership repository cannot be nil")
	case deps.Rules == nil:
		panic("controlapi: rule repository cannot be nil")
	case deps.Catalog == nil:
		panic("controlapi: catalog cannot be nil")
	case deps.Publisher == nil:
		panic("controlapi: publisher cannot be nil")
	}

	if !cfg.SkipAuth && cfg.APIKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}
	if cfg.NotifyMaxRetries == 0 {
		cfg.NotifyMaxRetries = 4
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 20 * time.Second
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	api := &API{
		Router:      chi.NewRouter(),
		plans:       deps.Plans,
		memberships: deps.Memberships,
		rules:       deps.Rules,
		catalog:     deps.Catalog,
		publisher:   deps.Publisher,
		logger:      log,
		cfg:         cfg,
		now:         time.Now,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(Metrics)
	a.Router.Use(RequestLogger(a.logger))
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Route not found"})
	})
	a.Router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrorResponse{Code: "ERR_METHOD_NOT_ALLOWED", Message: "Method not allowed"})
	})

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Get("/plans", a.handleListPlans)
		r.Put("/plans/{slug}", a.handleUpsertPlan)

		r.Get("/elements", a.handleListElements)
		r.Get("/elements/{elementID}/visibility", a.handleGetVisibility)
		r.Put("/elements/{elementID}/visibility", a.handlePutVisibility)
		r.Delete("/elements/{elementID}/visibility", a.handleDeleteVisibility)

		r.Get("/viewers/{viewerID}/memberships", a.handleListMemberships)
		r.Put("/viewers/{viewerID}/memberships/{slug}", a.handleGrantMembership)
		r.Delete("/viewers/{viewerID}/memberships/{slug}", a.handleRevokeMembership)

		r.Post("/evaluate", a.handleEvaluate)
	})
}

// handleHealthCheck reports that the HTTP server is serving.
// Dependency checks live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// writeError renders a structured error with the given status.
func writeError(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func internalError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, ErrorResponse{Code: "ERR_INTERNAL", Message: message})
}
