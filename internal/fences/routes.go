package fences

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes mounts the fence endpoints. The remediation endpoints run behind admin.
func SetupRoutes(h *Handler, admin ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.ListFences)
	r.Get("/validation", h.Validation)
	r.Get("/duplicates", h.Duplicates)
	r.Get("/export.zip", h.Export)
	r.Get("/{id}", h.GetFence)

	r.Group(func(r chi.Router) {
		r.Use(admin...)
		r.Post("/repair", h.Repair)
		r.Post("/deactivate-invalid", h.DeactivateInvalid)
		r.Post("/deactivate-duplicates", h.DeactivateDuplicates)
	})

	return r
}
