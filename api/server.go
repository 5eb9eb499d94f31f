/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/students/*   Student, lot, and balance operations
  /api/lessons/*    Lesson lifecycle
  /api/hazards/*    Hazard scans and resolutions
  /metrics          Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Student routes
		r.Route("/students", func(r chi.Router) {
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
			r.Post("/{id}/status", h.SetStudentStatus)
			r.Get("/{id}/lots", h.GetStudentLots)
			r.Post("/{id}/lots", h.CreateLot)
			r.Get("/{id}/balance", h.GetStudentBalance)
			r.Get("/{id}/lessons", h.GetStudentLessons)
			r.Post("/{id}/award-minutes", h.AwardMinutes)
			r.Post("/{id}/settle-overdraft", h.SettleOverdraft)
			r.Post("/{id}/write-off", h.WriteOffBalance)
		})

		// Lesson routes
		r.Route("/lessons", func(r chi.Router) {
			r.Post("/", h.CreateLesson)
			r.Get("/{id}", h.GetLesson)
			r.Put("/{id}", h.EditLesson)
			r.Post("/{id}/preview", h.PreviewLesson)
			r.Post("/{id}/confirm", h.ConfirmLesson)
			r.Post("/{id}/decline", h.DeclineLesson)
			r.Get("/{id}/hazards", h.GetLessonHazards)
		})

		// Hazard routes
		r.Route("/hazards", func(r chi.Router) {
			r.Get("/", h.ListHazards)
			r.Post("/resolve", h.ResolveHazard)
		})

		r.Get("/health", h.Health)
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}
