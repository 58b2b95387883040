package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required). Peer links carry no bearer
		// token: hints are advisory, payload-free, and tenant-filtered on
		// receipt.
		r.Get("/health", h.Health)
		r.Get("/peer", h.peers.Handler())

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/status", h.Status)
			r.Get("/license", h.License)

			r.Post("/sync", h.TriggerSync)
			r.Get("/sync/log", h.ListSyncLog)
			r.Delete("/sync/log", h.ClearSyncLog)

			r.Get("/records/{collection}", h.ListRecords)
			r.Get("/records/{collection}/{id}", h.GetRecord)
			r.Put("/records/{collection}/{id}", h.PutRecord)
			r.Delete("/records/{collection}/{id}", h.DeleteRecord)
		})
	})

	return r
}
