package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/ftpbroker/internal/middleware"
)

// APIRoutes mounts the owner-scoped API under r.
func APIRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOwner)

		r.Get("/stats", GetStats)

		r.Get("/connections", ListConnections)
		r.Post("/connections", CreateConnection)
		r.Get("/connections/{id}", GetConnection)
		r.Delete("/connections/{id}", DeleteConnection)

		r.Get("/connections/{id}/files", ListFiles)
		r.Get("/connections/{id}/files/content", DownloadFile)
		r.Put("/connections/{id}/files/content", UploadFile)
		r.Delete("/connections/{id}/files", DeleteFile)
		r.Post("/connections/{id}/files/mkdir", CreateDirectory)
		r.Post("/connections/{id}/files/rename", RenameFile)

		r.Get("/events", ListEvents)
		r.Get("/events/ws", StreamEvents)
		r.Get("/audit", GetAuditLogs)
		r.Get("/logs", GetServerLogs)
	})
}
