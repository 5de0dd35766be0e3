package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, checker *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - no cookies or credentials in this API, so any origin is fine
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	// Health checks (no auth required)
	r.Get("/health", checker.HandleHealth)
	r.Get("/health/live", checker.HandleLiveness)
	r.Get("/health/ready", checker.HandleReadiness)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.StartRun)
			r.Get("/latest", h.GetLatestRun)
			r.Get("/{runID}", h.GetRun)
		})

		r.Get("/queue", h.GetQueueSummary)
		r.Get("/lists", h.GetLists)
	})

	return r
}
