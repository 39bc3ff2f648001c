package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/fastcrud/userapi/internal/api/handlers"
	mw "github.com/fastcrud/userapi/internal/api/middleware"
	"github.com/fastcrud/userapi/pkg/metrics"
)

type Dependencies struct {
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Only enable behind a proxy that overwrites those headers.
	TrustProxy    bool
	Tokens        mw.TokenParser
	Limiter       *mw.Limiter
	HealthHandler *handlers.HealthHandler
	AuthHandler   *handlers.AuthHandler
	UsersHandler  *handlers.UsersHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	if dep.TrustProxy {
		r.Use(chimid.RealIP)
	}
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(metrics.InstrumentHandler)
	r.Use(mw.CORS)
	if dep.Limiter != nil {
		r.Use(dep.Limiter.Middleware)
	}
	r.Use(chimid.StripSlashes)
	r.Use(chimid.Compress(5))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	// Health and metrics endpoints
	r.Get("/health", dep.HealthHandler.Health)
	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/users", func(ur chi.Router) {
			uh := dep.UsersHandler
			ur.Get("/", handlers.Wrap(uh.List))
			ur.Post("/", handlers.Wrap(uh.Create))
			ur.Post("/batch", handlers.Wrap(uh.Batch))
			if uh.CanImport() {
				ur.Post("/import", handlers.Wrap(uh.Import))
			}
			ur.Get("/{id}", handlers.Wrap(uh.Get))
			ur.Put("/{id}", handlers.Wrap(uh.Update))
			ur.Delete("/{id}", handlers.Wrap(uh.Delete))
		})

		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/login", handlers.Wrap(dep.AuthHandler.Login))
			ar.With(mw.Auth(dep.Tokens)).Get("/me", handlers.Wrap(dep.AuthHandler.Me))
		})
	})

	return r
}
