package handler

import (
	"net/http"

	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/middleware"
	"farmlokal-api/internal/publisher"
	"farmlokal-api/internal/service"
	"farmlokal-api/internal/upstream"

	"github.com/go-chi/chi/v5"
)

// Deps are the wired components behind the HTTP surface.
type Deps struct {
	Store        Pinger
	StoreBackend string
	Metrics      *metrics.Registry
	Limiter      *service.Limiter
	Coordinator  *service.Coordinator
	Fetcher      *service.Fetcher
	Credentials  *service.CredentialCache
	Upstream     *upstream.Client
	Publisher    publisher.Publisher

	// JWTSecret enables the admin routes when set.
	JWTSecret []byte
	JWTIssuer string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.RequestSizeLimit(middleware.MaxRequestSize))
	r.Use(middleware.RateLimit(d.Limiter, d.Metrics))

	var breaker func() service.CircuitState
	if d.Upstream != nil {
		breaker = d.Upstream.BreakerState
	}
	health := NewHealthHandler(d.Store, d.StoreBackend, breaker)

	r.Get("/", health.Root)
	r.Get("/health", health.Liveness)
	r.Get("/ready", health.Readiness)
	r.Get("/status", health.Status)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Get("/oauth-token", TokenHandler(d.Credentials))
	if d.Upstream != nil {
		r.Get("/external/a", ExternalHandler(d.Upstream))
	}
	r.Post("/webhook/external", NewWebhookHandler(d.Coordinator, d.Publisher).ServeHTTP)
	r.Get("/products", NewProductsHandler(d.Fetcher).ServeHTTP)

	if len(d.JWTSecret) > 0 {
		admin := NewAdminHandler(d.Coordinator)
		rbac := middleware.NewRBACMiddleware(middleware.DefaultRolePermissions())
		r.Route("/admin/events", func(ar chi.Router) {
			ar.Use(middleware.NewJWTMiddleware(d.JWTSecret, d.JWTIssuer))
			ar.Use(rbac.Handler())
			admin.Routes(ar)
		})
	}
	return r
}
