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
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Device endpoints
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/stats", s.handleDeviceStats)
				r.Get("/status", s.handleWorkerStatusAll)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAdmin)
					r.Post("/", s.handleCreateDevice)
				})

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/status", s.handleWorkerStatus)

					r.Group(func(r chi.Router) {
						r.Use(s.requireAdmin)
						r.Patch("/", s.handleUpdateDevice)
						r.Delete("/", s.handleDeleteDevice)
						r.Post("/start", s.handleStartDevice)
						r.Post("/stop", s.handleStopDevice)
						r.Post("/discover", s.handleDiscoverTags)
						r.Post("/adopt-tags", s.handleAdoptTags)
					})
				})
			})

			// Virtual device endpoints
			r.Route("/virtual-devices", func(r chi.Router) {
				r.Get("/", s.handleListVirtualDevices)
				r.Get("/{id}", s.handleGetVirtualDevice)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAdmin)
					r.Post("/", s.handleCreateVirtualDevice)
					r.Patch("/{id}", s.handleUpdateVirtualDevice)
					r.Delete("/{id}", s.handleDeleteVirtualDevice)
				})
			})

			// System endpoints
			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.handleSystemStatus)

				r.Route("/broker", func(r chi.Router) {
					r.Get("/", s.handleGetBrokerConfig)

					r.Group(func(r chi.Router) {
						r.Use(s.requireAdmin)
						r.Put("/", s.handleUpdateBrokerConfig)
						r.Post("/reconnect", s.handleBrokerReconnect)
					})
				})
			})

			// WebSocket (auth via ticket, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
