package admin

import (
	"net/http"

	"github.com/llamafleet/llamafleet/internal/store"
)

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	backends, err := h.deps.Store.ListBackends()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var running, stopped, crashed int
	for _, b := range backends {
		switch b.Status {
		case store.StatusRunning:
			running++
		case store.StatusCrashed:
			crashed++
		default:
			stopped++
		}
	}

	models, err := h.deps.Catalog.Scan()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"servers": map[string]int{
			"total": len(backends), "running": running, "stopped": stopped, "crashed": crashed,
		},
		"models": len(models),
		"jobs":   len(h.deps.Downloads.List()),
	})
}
