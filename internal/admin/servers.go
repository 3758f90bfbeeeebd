package admin

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/configsvc"
	"github.com/llamafleet/llamafleet/internal/lifecycle"
	"github.com/llamafleet/llamafleet/internal/portalloc"
	"github.com/llamafleet/llamafleet/internal/store"
)

func (h *handlers) listServers(w http.ResponseWriter, r *http.Request) {
	backends, err := h.deps.Store.ListBackends()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backends)
}

func (h *handlers) getServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	backend, err := h.deps.Store.GetBackend(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backend)
}

type createServerRequest struct {
	ModelName   string   `json:"modelName"`
	Alias       string   `json:"alias"`
	Port        *int     `json:"port"`
	Host        string   `json:"host"`
	Threads     int      `json:"threads"`
	CtxSize     int      `json:"ctxSize"`
	GPULayers   int      `json:"gpuLayers"`
	Verbose     bool     `json:"verbose"`
	Embeddings  bool     `json:"embeddings"`
	Jinja       bool     `json:"jinja"`
	CustomFlags []string `json:"customFlags"`
}

func (h *handlers) createServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	modelPath, err := h.deps.Catalog.Resolve(req.ModelName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if existing, _ := h.deps.Store.ServerExistsForModel(modelPath); existing != nil {
		writeError(w, http.StatusConflict, "MODEL_ALREADY_SERVED", "a backend already serves this model")
		return
	}

	id := store.Sanitize(req.ModelName)
	if _, err := h.deps.Store.GetBackend(id); err == nil {
		writeError(w, http.StatusConflict, "ID_CONFLICT", "a backend with this id already exists")
		return
	}

	ports := portalloc.New(h.deps.Store)
	port := 0
	if req.Port != nil {
		if err := portalloc.Validate(*req.Port); err != nil {
			writeServiceError(w, err)
			return
		}
		used, err := h.deps.Store.GetUsedPorts()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if used[*req.Port] {
			writeError(w, http.StatusConflict, "PORT_CONFLICT", "port already in use")
			return
		}
		port = *req.Port
	} else {
		p, err := ports.FindAvailable()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		port = p
	}

	if req.Alias != "" {
		if !store.ValidAliasFormat(req.Alias) || store.IsReservedAlias(req.Alias) {
			writeError(w, http.StatusBadRequest, "VALIDATION", "invalid alias")
			return
		}
		existing, err := h.deps.Store.ListBackends()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		for _, b := range existing {
			if strings.EqualFold(b.Alias, req.Alias) {
				writeError(w, http.StatusConflict, "ALIAS_CONFLICT", "alias already in use")
				return
			}
		}
	}

	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}

	paths := h.deps.Store.Paths()
	now := time.Now()
	cfg := &store.BackendConfig{
		ID: id, Alias: req.Alias, ModelPath: modelPath, ModelName: req.ModelName,
		Port: port, Host: host, Threads: req.Threads, CtxSize: req.CtxSize, GPULayers: req.GPULayers,
		Verbose: req.Verbose, Embeddings: req.Embeddings, Jinja: req.Jinja, CustomFlags: req.CustomFlags,
		Status:      store.StatusStopped,
		StdoutPath:  filepath.Join(paths.LogsDir, id+".stdout"),
		StderrPath:  filepath.Join(paths.LogsDir, id+".stderr"),
		HTTPLogPath: filepath.Join(paths.LogsDir, id+".http"),
		CreatedAt:   now, UpdatedAt: now,
	}

	// The unit file itself is written on first Start (Lifecycle.regenerateUnit),
	// which is also where argv is rendered from final tuning values.
	if err := h.deps.Store.SaveBackend(cfg); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

func (h *handlers) patchServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		ModelName       *string  `json:"modelName"`
		Alias           *string  `json:"alias"`
		Port            *int     `json:"port"`
		Host            *string  `json:"host"`
		Threads         *int     `json:"threads"`
		CtxSize         *int     `json:"ctxSize"`
		GPULayers       *int     `json:"gpuLayers"`
		Verbose         *bool    `json:"verbose"`
		Embeddings      *bool    `json:"embeddings"`
		Jinja           *bool    `json:"jinja"`
		CustomFlags     []string `json:"customFlags"`
		RestartIfNeeded bool     `json:"restart"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	result, err := h.deps.Config.Apply(r.Context(), id, configsvc.Patch{
		ModelName: body.ModelName, Alias: body.Alias, Port: body.Port, Host: body.Host,
		Threads: body.Threads, CtxSize: body.CtxSize, GPULayers: body.GPULayers,
		Verbose: body.Verbose, Embeddings: body.Embeddings, Jinja: body.Jinja,
		CustomFlags: body.CustomFlags, RestartIfNeeded: body.RestartIfNeeded,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backend":  result.Backend,
		"migrated": result.Migrated,
		"oldId":    result.OldID,
		"newId":    result.NewID,
	})
}

func (h *handlers) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := h.deps.Store.GetBackend(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cfg.Status == store.StatusRunning {
		if _, err := h.deps.Lifecycle.Stop(r.Context(), id); err != nil && !apperr.HasCode(err, lifecycle.CodeAlreadyStopped) {
			writeServiceError(w, err)
			return
		}
	}
	_ = h.deps.Supervisor.Delete(cfg.UnitPath)
	if err := h.deps.Store.DeleteBackend(id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) startServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Lifecycle.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) stopServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Lifecycle.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) restartServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Lifecycle.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) serverLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := h.deps.Store.GetBackend(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	logType := r.URL.Query().Get("type")
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	path := cfg.StdoutPath
	switch logType {
	case "stderr":
		path = cfg.StderrPath
	case "http":
		path = cfg.HTTPLogPath
	}

	tail, err := tailFile(path, lines)
	if err != nil {
		writeServiceError(w, apperr.NotFound("log file not available: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}
