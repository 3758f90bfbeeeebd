package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/portalloc"
	"github.com/llamafleet/llamafleet/internal/store"
)

const startupTimeout = 10 * time.Second

// The Router is a singleton, not a BackendConfig, so its start/stop/logs
// operations talk to the Supervisor Adapter directly rather than through
// the Lifecycle Engine's per-backend interlock.

func (h *handlers) getRouterSingleton(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Store.RouterConfig()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) startRouterSingleton(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.doStartRouter(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) doStartRouter(r *http.Request) (*store.RouterConfig, error) {
	cfg, err := h.deps.Store.RouterConfig()
	if err != nil {
		return nil, err
	}
	if err := h.deps.Supervisor.Load(cfg.PlistPath); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := h.deps.Supervisor.Start(cfg.Label); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := h.deps.Supervisor.WaitForStart(r.Context(), cfg.Label, startupTimeout); err != nil {
		return nil, apperr.Internal(err)
	}
	cfg.Status = store.StatusRunning
	if err := h.deps.Store.SaveRouterConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// patchRouterSingleton updates the router's persisted settings. Changes
// take effect on the router's next start, not immediately.
func (h *handlers) patchRouterSingleton(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Port                  *int    `json:"port"`
		Host                  *string `json:"host"`
		RequestTimeoutSeconds *int    `json:"requestTimeoutSeconds"`
		Verbose               *bool   `json:"verbose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	cfg, err := h.deps.Store.RouterConfig()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if body.Port != nil {
		if err := portalloc.ValidateForUpdate(cfg.Port, *body.Port); err != nil {
			writeServiceError(w, err)
			return
		}
		cfg.Port = *body.Port
	}
	if body.Host != nil {
		cfg.Host = *body.Host
	}
	if body.RequestTimeoutSeconds != nil {
		cfg.RequestTimeoutSeconds = *body.RequestTimeoutSeconds
	}
	if body.Verbose != nil {
		cfg.Verbose = *body.Verbose
	}
	if err := h.deps.Store.SaveRouterConfig(cfg); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) stopRouterSingleton(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.doStopRouter()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) doStopRouter() (*store.RouterConfig, error) {
	cfg, err := h.deps.Store.RouterConfig()
	if err != nil {
		return nil, err
	}
	_ = h.deps.Supervisor.Stop(cfg.Label)
	_ = h.deps.Supervisor.Unload(cfg.PlistPath)
	cfg.Status = store.StatusStopped
	if err := h.deps.Store.SaveRouterConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (h *handlers) restartRouterSingleton(w http.ResponseWriter, r *http.Request) {
	if _, err := h.doStopRouter(); err != nil {
		writeServiceError(w, err)
		return
	}
	cfg, err := h.doStartRouter(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) getAdminSingleton(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Store.AdminConfig()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// rotateAdminKey replaces the admin API key. The caller must already
// hold the previous key to reach this handler; the response carries the
// new one.
func (h *handlers) rotateAdminKey(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Store.RotateAPIKey()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) routerSingletonLogs(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Store.RouterConfig()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	tail, err := tailFile(cfg.StdoutPath, lines)
	if err != nil {
		writeServiceError(w, apperr.NotFound("log file not available: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}
