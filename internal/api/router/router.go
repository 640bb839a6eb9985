package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/http/respond"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// RouteMounter is implemented by every domain handler.
type RouteMounter interface {
	Routes(r chi.Router)
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	AuthJWTSecret  string
	CORS           httpmiddleware.CORSConfig
	RateLimiter    *httpmiddleware.RateLimiter
	MetricsHandler http.Handler

	// Authenticated API surface
	Doctors      RouteMounter
	Insurance    RouteMounter
	Appointments RouteMounter
	Payments     RouteMounter

	// Public provider callbacks
	StripeWebhook http.Handler
	FakePayments  http.Handler

	// Health reports readiness; nil means always healthy.
	Health func(r *http.Request) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.CORS.Enabled() {
		r.Use(httpmiddleware.CORS(cfg.CORS))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Health))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/webhooks/stripe", cfg.StripeWebhook.ServeHTTP)
		}
		if cfg.FakePayments != nil {
			public.Get("/payments/fake/{appointmentID}", cfg.FakePayments.ServeHTTP)
		}
	})

	// Everything else requires a caller identity.
	r.Group(func(api chi.Router) {
		api.Use(httpmiddleware.RequirePrincipal(cfg.AuthJWTSecret))
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}
		for _, h := range []RouteMounter{cfg.Doctors, cfg.Insurance, cfg.Appointments, cfg.Payments} {
			if h != nil {
				h.Routes(api)
			}
		}
	})

	return r
}

func healthHandler(check func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r); err != nil {
				respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
