package handlers

import (
	"net/http"

	"vidforge/internal/httpkit"
)

// Health reports service liveness plus the current render queue depth,
// which doubles as the backpressure signal operators watch.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := map[string]any{
		"status":  "ok",
		"service": "vidforge-api",
	}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		body["status"] = "degraded"
		body["queue_error"] = err.Error()
		h.log.FromContext(ctx).Warn("health check degraded", "error", err.Error())
	} else {
		body["queue_depth"] = depth
	}

	httpkit.WriteJSON(w, 200, body)
}
