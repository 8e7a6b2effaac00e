package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/promotion-engine/internal/service"
	"github.com/utafrali/promotion-engine/pkg/health"
	"github.com/utafrali/promotion-engine/pkg/middleware"
)

// tracerName names the spans opened for inbound requests.
const tracerName = "promotion-engine/http"

// RouterConfig carries the optional pieces of the router.
type RouterConfig struct {
	// Metrics records request counts and latencies. Nil disables it.
	Metrics *middleware.HTTPMetrics
	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer
	// Timeout bounds a whole request. Zero uses 30s.
	Timeout time.Duration
	// AuditSecret verifies admin bearer tokens on the audit trail. Empty
	// leaves it unauthenticated.
	AuditSecret string
	// RateLimitRPS and RateLimitBurst bound each client on the promotion
	// endpoints. Zero RPS disables the limit.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter creates a chi router with all promotion engine routes registered.
func NewRouter(
	promotionService *service.PromotionService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(CORS)
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(tracerName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recovery(logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(cfg.Timeout))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	// Promotion API endpoints
	promotionHandler := NewPromotionHandler(promotionService, logger)

	r.Route("/api/v1/promotions", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		if cfg.RateLimitRPS > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
		}

		r.Post("/evaluate", promotionHandler.Evaluate)
		r.Post("/apply", promotionHandler.Apply)
	})

	r.Route("/api/v1/campaigns", func(r chi.Router) {
		if cfg.AuditSecret != "" {
			r.Use(middleware.RequireRole(cfg.AuditSecret, logger, "admin"))
		}
		r.Get("/{id}/audit", promotionHandler.ListAudits)
	})

	return r
}
