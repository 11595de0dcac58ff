package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stocktake/internal/observability"
	"github.com/odyssey-erp/stocktake/internal/platform/httpx"
	"github.com/odyssey-erp/stocktake/internal/stocktake"
	"github.com/odyssey-erp/stocktake/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	StocktakeHandler *stocktake.Handler
	JobHandler       *jobs.Handler
	LiveHandler      http.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.Respond(w, http.StatusOK, httpx.Envelope{Status: httpx.StatusOK, Message: "healthy"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.LiveHandler != nil {
		r.Method(http.MethodGet, "/ws", params.LiveHandler)
	}

	r.Group(func(r chi.Router) {
		for _, mw := range APIStack(params.Config) {
			r.Use(mw)
		}
		if params.StocktakeHandler != nil {
			r.Route("/api", params.StocktakeHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Fail(w, httpx.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Respond(w, http.StatusMethodNotAllowed, httpx.Envelope{
			Status:  httpx.StatusValidation,
			Message: "method not allowed",
		})
	})

	return r
}
