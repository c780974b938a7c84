package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/faceguard/internal/web/handlers"
	"github.com/kozaktomas/faceguard/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	enrollmentHandler := handlers.NewEnrollmentHandler(s.engine, s.log)
	verifyHandler := handlers.NewVerifyHandler(s.engine, s.log)
	identitiesHandler := handlers.NewIdentitiesHandler(s.store, s.engine, s.log)
	configHandler := handlers.NewConfigHandler(s.config)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)
		r.Get("/config", configHandler.Get)

		// Enrollment
		r.Post("/enrollments/{key}/frames", enrollmentHandler.SubmitFrame)
		r.Get("/enrollments/{key}", enrollmentHandler.Status)
		r.Post("/enrollments/{key}/finalize", enrollmentHandler.Finalize)
		r.Delete("/enrollments/{key}", enrollmentHandler.Abort)

		// Login
		r.Post("/verify", verifyHandler.Verify)

		r.Get("/identities/count", identitiesHandler.Count)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminToken(s.config.Web.AdminToken))

			r.Get("/identities", identitiesHandler.List)
			r.Get("/identities/{id}", identitiesHandler.Get)
			r.Delete("/identities/{id}", identitiesHandler.Delete)
			r.Post("/identities/nearest", identitiesHandler.Nearest)
			r.Post("/identities/rebuild-index", identitiesHandler.RebuildIndex)
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})
}
