package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/store"
)

type modelResponse struct {
	Filename     string   `json:"filename"`
	Path         string   `json:"path"`
	Size         int64    `json:"size"`
	IsSharded    bool     `json:"isSharded"`
	ShardCount   int      `json:"shardCount,omitempty"`
	Exists       bool     `json:"exists"`
	DependentIDs []string `json:"dependentIds"`
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.deps.Catalog.Scan()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	backends, err := h.deps.Store.ListBackends()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{
			Filename: m.Filename, Path: m.Path, Size: m.Size,
			IsSharded: m.IsSharded, ShardCount: m.ShardCount, Exists: m.Exists,
			DependentIDs: dependentIDs(backends, m.Path, m.ShardPaths),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func dependentIDs(backends []*store.BackendConfig, path string, shardPaths []string) []string {
	var ids []string
	for _, b := range backends {
		if b.ModelPath == path {
			ids = append(ids, b.ID)
			continue
		}
		for _, shard := range shardPaths {
			if b.ModelPath == shard {
				ids = append(ids, b.ID)
				break
			}
		}
	}
	return ids
}

func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	model, err := h.deps.Catalog.Find(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	backends, err := h.deps.Store.ListBackends()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{
		Filename: model.Filename, Path: model.Path, Size: model.Size,
		IsSharded: model.IsSharded, ShardCount: model.ShardCount, Exists: model.Exists,
		DependentIDs: dependentIDs(backends, model.Path, model.ShardPaths),
	})
}

func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cascade := r.URL.Query().Get("cascade") == "true"

	result, err := h.deps.Models.Delete(r.Context(), name, cascade)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removedBackendIds": result.RemovedBackendIDs,
		"unlinkedFiles":     result.UnlinkedFiles,
	})
}

// searchModels is a thin client to the external model hub, used by the
// admin UI's "download a model" flow.
func (h *handlers) searchModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if q == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "q is required")
		return
	}

	resp, err := http.Get(fmt.Sprintf("https://huggingface.co/api/models?search=%s&limit=%d", url.QueryEscape(q), limit))
	if err != nil {
		writeServiceError(w, apperr.UpstreamFailure(err))
		return
	}
	defer resp.Body.Close()

	var results any
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		writeServiceError(w, apperr.UpstreamFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) downloadModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Repo     string `json:"repo"`
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Repo == "" || body.Filename == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "repo and filename are required")
		return
	}

	jobID, err := h.deps.Downloads.Create(body.Repo, body.Filename)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}
