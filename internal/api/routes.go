package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	timeout := middleware.Timeout(60 * time.Second)

	// Health check
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Active session
		r.Route("/session", func(r chi.Router) {
			// Live updates outlive the request timeout
			r.Get("/events", s.HandleSessionEvents)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", s.HandleGetActiveSession)
				r.Delete("/", s.HandleStopSession)
				r.Post("/controller", s.HandleStartController)
				r.Post("/controlee", s.HandleStartControlee)
				r.Get("/position", s.HandleGetPosition)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(timeout)

			r.Get("/me", s.HandleGetCurrentUser)

			// Session history
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.HandleListSessions)
				r.Get("/{id}", s.HandleGetSession)
			})

			// Events
			r.Get("/events", s.HandleListEvents)
		})
	})
}
