package handlers

import (
	"net/http"
	"strconv"
	"time"

	"vidforge/internal/httpkit"
	"vidforge/internal/job"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListJobs returns recent jobs, newest first, optionally filtered by
// status. Operator-facing; result bytes are never inlined here.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := job.Status(r.URL.Query().Get("status"))
	switch status {
	case "", job.StatusQueued, job.StatusProcessing, job.StatusCompleted, job.StatusFailed:
	default:
		httpkit.WriteErr(w, 400, "INVALID_INPUT", "unknown status filter", map[string]any{"status": string(status)})
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpkit.WriteErr(w, 400, "INVALID_INPUT", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	jobs, err := h.store.List(ctx, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary(j))
	}
	httpkit.WriteJSON(w, 200, map[string]any{"jobs": out})
}

func jobSummary(j job.Job) map[string]any {
	s := map[string]any{
		"id":         j.ID,
		"status":     string(j.Status),
		"overlays":   len(j.Overlays),
		"attempts":   j.Attempts,
		"created_at": j.CreatedAt.Format(time.RFC3339),
	}
	if j.Status == job.StatusFailed {
		s["error_kind"] = string(j.ErrorKind)
	}
	if j.FinishedAt != nil {
		s["finished_at"] = j.FinishedAt.Format(time.RFC3339)
	}
	return s
}
