package gateway

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gradesync/backend/internal/gateway/handlers"
	"gradesync/backend/internal/shared"
)

// SetupRoutes configures the Chi router, middleware, and route handlers.
func SetupRoutes(h *handlers.ReconcileHandler, config shared.HTTPConfig) *chi.Mux {
	r := chi.NewRouter()

	// 1. Global Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout(config)))

	// CORS Configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.CORS.AllowedOrigins,
		AllowedMethods:   config.CORS.AllowedMethods,
		AllowedHeaders:   config.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: config.CORS.AllowCredentials,
		MaxAge:           config.CORS.MaxAge,
	}))

	r.Get("/healthz", h.Healthz)

	// 2. Define Routes
	r.Route("/api", func(r chi.Router) {
		// Reconciliation entrypoints
		r.Post("/bulk-upload-grades", h.BulkUploadGrades)
		r.Post("/delete-all-grades", h.DeleteAllGrades)
		r.Get("/grade-counters", h.GradeCounters)

		// Namespace management
		r.Post("/sync", h.Sync)
		r.Post("/namespace", h.SwitchNamespace)

		// Cache reads and student moves
		r.Get("/grades", h.ListGrades)
		r.Route("/students/{id}", func(r chi.Router) {
			r.Get("/assignments", h.GetStudentAssignments)
			r.Post("/assignments", h.AssignStudent)
		})
	})

	return r
}

// requestTimeout bounds a request by the server write timeout
func requestTimeout(config shared.HTTPConfig) time.Duration {
	if config.WriteTimeout <= 0 {
		return 60 * time.Second
	}
	return config.WriteTimeout
}
