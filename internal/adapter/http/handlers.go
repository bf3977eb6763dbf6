package http

import (
	"net/http"
	"strconv"

	"github.com/mkarren/webpilot/internal/adapter/ws"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/service"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	runs *service.RunService
	hub  *ws.Hub
}

func NewHandlers(runs *service.RunService, hub *ws.Hub) *Handlers {
	return &Handlers{runs: runs, hub: hub}
}

// CreateRun handles POST /api/v1/runs.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}

	created, err := h.runs.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListRuns handles GET /api/v1/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.runs.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	found, err := h.runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// GetRunAudit handles GET /api/v1/runs/{id}/audit.
func (h *Handlers) GetRunAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := h.runs.Audit(r.Context(), urlParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ApproveRun handles POST /api/v1/runs/{id}/approve. It grants the pending
// approval and requeues the run.
func (h *Handlers) ApproveRun(w http.ResponseWriter, r *http.Request) {
	updated, err := h.runs.Approve(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// StopRun handles POST /api/v1/runs/{id}/stop.
func (h *Handlers) StopRun(w http.ResponseWriter, r *http.Request) {
	updated, err := h.runs.Stop(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// PurgeRuns handles DELETE /api/v1/runs/purge. It removes all terminal runs
// and their artifacts.
func (h *Handlers) PurgeRuns(w http.ResponseWriter, r *http.Request) {
	count, err := h.runs.Purge(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.hub != nil {
		resp["ws_connections"] = h.hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
