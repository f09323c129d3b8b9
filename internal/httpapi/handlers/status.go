package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vidforge/internal/httpkit"
	"vidforge/internal/job"
)

// Status reports the lifecycle state of a job. Failed jobs include a
// safe error message; internal diagnostics stay in the job record.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")

	j, err := h.store.Get(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{"status": string(j.Status)}
	if j.Status == job.StatusFailed {
		body["error"] = failureMessage(j)
	}

	httpkit.WriteJSON(w, 200, body)
}

// failureMessage renders a client-safe description of why a job failed.
func failureMessage(j job.Job) string {
	switch j.ErrorKind {
	case job.ErrKindDecode:
		return "the uploaded video could not be decoded"
	case job.ErrKindRenderTimeout:
		return "rendering exceeded the time limit"
	case job.ErrKindWorkerCrash:
		return "rendering was interrupted and could not be retried"
	case job.ErrKindStorage:
		return "stored assets for this job could not be read or written"
	default:
		if j.ErrorText != "" {
			return j.ErrorText
		}
		return "rendering failed"
	}
}
