package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/larder-erp/larder/internal/documents/counts"
	"github.com/larder-erp/larder/internal/documents/orders"
	"github.com/larder-erp/larder/internal/documents/production"
	"github.com/larder-erp/larder/internal/documents/receipts"
	"github.com/larder-erp/larder/internal/documents/returns"
	"github.com/larder-erp/larder/internal/documents/transfers"
	"github.com/larder-erp/larder/internal/documents/waste"
	"github.com/larder-erp/larder/internal/masterdata/locations"
	"github.com/larder-erp/larder/internal/masterdata/products"
	"github.com/larder-erp/larder/internal/observability"
	"github.com/larder-erp/larder/internal/stock"
	"github.com/larder-erp/larder/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger *slog.Logger
	Config *Config

	StockHandler      *stock.Handler
	ProductsHandler   *products.Handler
	LocationsHandler  *locations.Handler
	ReceiptsHandler   *receipts.Handler
	TransfersHandler  *transfers.Handler
	ProductionHandler *production.Handler
	WasteHandler      *waste.Handler
	ReturnsHandler    *returns.Handler
	CountsHandler     *counts.Handler
	OrdersHandler     *orders.Handler
	JobHandler        *jobs.Handler

	Metrics *observability.Metrics
}

// NewRouter constructs the chi.Router with Larder defaults.
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

	r.Route("/stock", params.StockHandler.MountRoutes)
	if params.ProductsHandler != nil {
		r.Route("/masterdata/products", params.ProductsHandler.MountRoutes)
	}
	if params.LocationsHandler != nil {
		r.Route("/masterdata/locations", params.LocationsHandler.MountRoutes)
	}
	r.Route("/documents", func(r chi.Router) {
		r.Route("/receipts", params.ReceiptsHandler.MountRoutes)
		r.Route("/transfers", params.TransfersHandler.MountRoutes)
		r.Route("/production", params.ProductionHandler.MountRoutes)
		r.Route("/waste", params.WasteHandler.MountRoutes)
		r.Route("/returns", params.ReturnsHandler.MountRoutes)
		r.Route("/counts", params.CountsHandler.MountRoutes)
		r.Route("/orders", params.OrdersHandler.MountRoutes)
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
