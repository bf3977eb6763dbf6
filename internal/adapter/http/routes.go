package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Delete("/runs/purge", h.PurgeRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/audit", h.GetRunAudit)
		r.Post("/runs/{id}/approve", h.ApproveRun)
		r.Post("/runs/{id}/stop", h.StopRun)
	})

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}
