package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Operational endpoints (no auth required)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	// Realtime (auth handled by the hub: token query, header or auth message)
	if s.realtime != nil {
		r.Handle(s.realtimePath, s.realtime)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices/{id}", func(r chi.Router) {
				r.Get("/snapshot", s.handleDeviceSnapshot)
				r.Post("/commands", s.handleDeviceCommand)
				r.Put("/config", s.handleDeviceConfig)
				r.Get("/audit", s.handleListDeviceAudit)
			})
		})
	})

	return r
}
