package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tradewind/internal/observability"
)

// NewRouter assembles the order service HTTP surface. metrics may be nil; the
// /metrics endpoint is only mounted when it is not.
func NewRouter(handler *Handler, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/orders", handler.CreateOrder)
	r.Get("/orders/{id}", handler.GetOrder)
	r.Post("/orders/{id}/cancel", handler.CancelOrder)
	r.Get("/ws", handler.Subscribe)
	r.Get("/healthz", handler.Healthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(metrics))
	}
	return r
}
