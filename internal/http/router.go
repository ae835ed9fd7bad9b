package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/OP0007/shelf-to-door/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

func NewRouter(h *Handler, m *metrics.Metrics, limiter *RateLimiter, log *slog.Logger, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(m))
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/carts", func(r chi.Router) {
			r.Post("/", h.CreateCart)
			r.Route("/{cart_id}", func(r chi.Router) {
				r.Get("/", h.GetCart)
				r.Get("/lines", h.ListLines)
				r.Delete("/lines/{line_id}", h.RemoveLine)
				r.With(limiter.Handler).Post("/scans", h.Scan)
				r.Post("/resync", h.Resync)
				r.Post("/reactivate", h.Reactivate)
				r.Post("/checkout", h.Checkout)
			})
		})
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{product_id}", h.GetProduct)
			r.Patch("/{product_id}", h.UpdateProduct)
			r.Post("/{product_id}/restock", h.Restock)
		})
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Get("/{transaction_id}", h.GetTransaction)
		})
	})

	return otelhttp.NewHandler(r, "cart-engine")
}
