package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradewind-erp/tradewind/internal/platform/httpx"
)

// Handlers groups the per-module routers mounted under /api/v1.
type Handlers struct {
	SalesOrders  chi.Router
	Deliveries   chi.Router
	GoodIssues   chi.Router
	ReturnOrders chi.Router
	Procurement  chi.Router
	Finance      chi.Router
	Stock        chi.Router
}

// NewRouter assembles the HTTP surface: middleware stack, health probe and
// the versioned API.
func NewRouter(cfg *Config, h Handlers) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(cfg) {
		r.Use(mw)
	}
	r.Use(ResolveActor)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if h.SalesOrders != nil {
			r.Mount("/sales-orders", h.SalesOrders)
		}
		if h.Deliveries != nil {
			r.Mount("/deliveries", h.Deliveries)
		}
		if h.GoodIssues != nil {
			r.Mount("/good-issues", h.GoodIssues)
		}
		if h.ReturnOrders != nil {
			r.Mount("/return-orders", h.ReturnOrders)
		}
		if h.Procurement != nil {
			r.Mount("/procurement", h.Procurement)
		}
		if h.Finance != nil {
			r.Mount("/finance", h.Finance)
		}
		if h.Stock != nil {
			r.Mount("/stock", h.Stock)
		}
	})

	return r
}
