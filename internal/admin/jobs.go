package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Downloads.List())
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Downloads.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Downloads.Cancel(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
