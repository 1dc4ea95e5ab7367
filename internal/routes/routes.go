package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/halcyonhq/halcyon-backend/internal/handlers"
)

func SetupRoutes(r *chi.Mux, api *handlers.API) {
	// Auth routes
	r.Post("/api/auth/signup", api.Signup)
	r.Post("/api/auth/signin", api.Signin)
	r.Post("/api/auth/signout", api.Signout)

	// Chat routes
	r.Get("/api/chat/history", api.History)
	r.Post("/api/upload", api.Upload)

	// Admin routes (admin accounts must be created directly in database)
	r.Get("/api/admin/identities", api.ListIdentityRecords)
	r.Delete("/api/admin/identities", api.DeleteIdentityRecord)
	r.Get("/api/admin/audit", api.ListAuditLog)
	r.Get("/api/admin/sessions", api.ListActiveSessions)
	r.Put("/api/admin/unblock-ip", api.UnblockIP)

	// Realtime gateway
	r.Get("/ws/chat", api.Gateway)
}
