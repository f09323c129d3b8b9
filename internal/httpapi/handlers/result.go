package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vidforge/internal/pkg/errors"
)

// Result streams the rendered video of a completed job. A job that is
// still queued or processing yields a conflict, not an error page; the
// client is expected to poll status first.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)
	jobID := chi.URLParam(r, "jobID")

	j, err := h.store.Get(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if j.ResultKey == "" {
		writeError(w, errors.NotReady(jobID, string(j.Status)))
		return
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, j.ResultKey)
	if err != nil {
		log.Error("result object unreadable", "job_id", jobID, "object_key", j.ResultKey, "error", err.Error())
		writeError(w, errors.StorageFailure(err, "result.get"))
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.mp4"`)

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		log.Warn("result stream aborted", "job_id", jobID, "error", err.Error())
	}
}
