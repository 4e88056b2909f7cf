package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/maintflow/internal/config"
	"github.com/pitabwire/maintflow/internal/definition"
	"github.com/pitabwire/maintflow/internal/events"
	"github.com/pitabwire/maintflow/internal/observability"
	"github.com/pitabwire/maintflow/internal/openapi"
	"github.com/pitabwire/maintflow/internal/workflow"
	"github.com/pitabwire/maintflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Registry     *definition.Registry
	Drafts       *definition.DraftDecoder
	Engine       *workflow.Engine
	API          *openapi.Index
	Publisher    events.Publisher
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(MaxBodySize(deps.Config.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		if deps.API != nil {
			r.Use(deps.API.Middleware(WriteError))
		}

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", handleDefinitionList(deps.Registry))
			r.Post("/", handleDefinitionCreate(deps))
			r.Post("/validate", handleDefinitionValidate(deps.Drafts))
			r.Get("/{definitionId}", handleDefinitionGet(deps.Registry))
			r.Put("/{definitionId}", handleDefinitionUpdate(deps))
			r.Post("/{definitionId}/activate", handleDefinitionActivate(deps))
			r.Post("/{definitionId}/archive", handleDefinitionArchive(deps))
			r.Post("/{definitionId}/instances", handleInstanceCreate(deps.Engine))
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", handleInstanceList(deps.Engine))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine))
			r.Post("/{instanceId}/transitions", handleInstanceTransition(deps.Engine))
			r.Post("/{instanceId}/cancel", handleInstanceCancel(deps.Engine))
			r.Get("/{instanceId}/sla", handleInstanceSLA(deps.Engine))
			r.Get("/{instanceId}/history", handleInstanceHistory(deps.Engine))
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: &model.ErrorEnvelope{
			Code:    model.ErrBadRequest,
			Message: "method not allowed",
		}})
	})

	return r
}
