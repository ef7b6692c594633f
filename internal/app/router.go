package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ostrovmarket/ostrov/internal/ledger"
	"github.com/ostrovmarket/ostrov/internal/loyalty"
	"github.com/ostrovmarket/ostrov/internal/observability"
	"github.com/ostrovmarket/ostrov/internal/segments"
	"github.com/ostrovmarket/ostrov/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	LedgerHandler   *ledger.Handler
	LoyaltyHandler  *loyalty.Handler
	SegmentsHandler *segments.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Ostrov defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(tenantMiddleware(params.Logger))
		if params.LedgerHandler != nil {
			r.Route("/warehouse", params.LedgerHandler.MountRoutes)
		}
		if params.LoyaltyHandler != nil {
			r.Route("/loyalty", params.LoyaltyHandler.MountRoutes)
		}
		if params.SegmentsHandler != nil {
			params.SegmentsHandler.MountRoutes(r)
		}
	})

	return r
}
