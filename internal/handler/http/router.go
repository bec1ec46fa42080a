package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valenisgroo/reviews-service/internal/service"
	"github.com/valenisgroo/reviews-service/pkg/health"
	"github.com/valenisgroo/reviews-service/pkg/middleware"
)

const serviceName = "reviews"

// RouterConfig carries the HTTP-only knobs of the router.
type RouterConfig struct {
	PprofCIDRs       []string
	SubmitRateLimit  int64
	SubmitRatePeriod time.Duration
}

// NewRouter creates a chi router with all review service routes registered.
func NewRouter(
	reviewService *service.ReviewService,
	sweeper Sweeper,
	healthHandler *health.Handler,
	logger *slog.Logger,
	cfg RouterConfig,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(middleware.RequestLogging(logger, "/health", "/metrics"))
	r.Use(middleware.PrometheusMetrics(serviceName))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.GatewayIdentity())

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)

	reviewHandler := NewReviewHandler(reviewService, logger)
	adminHandler := NewAdminHandler(reviewService, sweeper, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))

			r.Get("/reviews", reviewHandler.ListReviews)
			r.Get("/reviews/{id}", reviewHandler.GetReview)
			r.Get("/products/{productId}/reviews", reviewHandler.ListProductReviews)
			r.With(middleware.CacheControl(60)).Get("/products/{productId}/rating", reviewHandler.GetProductRating)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireIdentity())

				r.With(middleware.RateLimit(cfg.SubmitRateLimit, cfg.SubmitRatePeriod, logger)).
					Post("/reviews", reviewHandler.SubmitReview)
				r.Patch("/reviews/{id}", reviewHandler.EditReview)
				r.Delete("/reviews/{id}", reviewHandler.DeleteReview)
			})
		})

		// Sweeps may outlive the public request timeout.
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Use(middleware.NoStore)

			r.Get("/reviews/status/{status}", adminHandler.ListByStatus)
			r.Post("/reviews/{id}/moderate", adminHandler.ModerateReview)
			r.Post("/reviews/{id}/auto-moderate", adminHandler.AutoModerateReview)
			r.Post("/reviews/{id}/verify", adminHandler.VerifyPurchase)
			r.Post("/moderation/run", adminHandler.RunModeration)
			r.Post("/ratings/reconcile", adminHandler.ReconcileRatings)
			r.Post("/ratings/{productId}/recompute", adminHandler.RecomputeRating)
		})
	})

	return r
}
