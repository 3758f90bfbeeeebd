// Package admin is the authenticated control-plane HTTP server exposing
// backend, model, download-job, and router management, plus the static
// admin UI.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/catalog"
	"github.com/llamafleet/llamafleet/internal/configsvc"
	"github.com/llamafleet/llamafleet/internal/download"
	"github.com/llamafleet/llamafleet/internal/lifecycle"
	"github.com/llamafleet/llamafleet/internal/modelmgmt"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

// Deps bundles every collaborator the Admin API dispatches to. Only
// Supervisor is an interface; the other services are passed as their
// concrete types.
type Deps struct {
	Store      *store.Store
	Catalog    *catalog.Catalog
	Supervisor supervisor.Adapter
	Lifecycle  *lifecycle.Engine
	Config     *configsvc.Service
	Models     *modelmgmt.Service
	Downloads  *download.Manager
	StaticDir  string
	Logger     *slog.Logger
}

type adminKeySource struct{ store *store.Store }

func (a adminKeySource) APIKey() (string, error) {
	cfg, err := a.store.AdminConfig()
	if err != nil {
		return "", err
	}
	return cfg.APIKey, nil
}

func NewHandler(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(authMiddleware(adminKeySource{store: deps.Store}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &handlers{deps: deps}

	r.Route("/api/servers", func(r chi.Router) {
		r.Get("/", h.listServers)
		r.Post("/", h.createServer)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getServer)
			r.Patch("/", h.patchServer)
			r.Delete("/", h.deleteServer)
			r.Post("/start", h.startServer)
			r.Post("/stop", h.stopServer)
			r.Post("/restart", h.restartServer)
			r.Get("/logs", h.serverLogs)
		})
	})

	r.Route("/api/models", func(r chi.Router) {
		r.Get("/", h.listModels)
		r.Get("/search", h.searchModels)
		r.Post("/download", h.downloadModel)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.getModel)
			r.Delete("/", h.deleteModel)
		})
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.cancelJob)
		})
	})

	r.Route("/api/router", func(r chi.Router) {
		r.Get("/", h.getRouterSingleton)
		r.Patch("/", h.patchRouterSingleton)
		r.Post("/start", h.startRouterSingleton)
		r.Post("/stop", h.stopRouterSingleton)
		r.Post("/restart", h.restartRouterSingleton)
		r.Get("/logs", h.routerSingletonLogs)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/", h.getAdminSingleton)
		r.Post("/rotate-key", h.rotateAdminKey)
	})

	r.Get("/api/status", h.status)

	if deps.StaticDir != "" {
		r.NotFound(spaHandler(deps.StaticDir).ServeHTTP)
	}

	return r
}

type handlers struct {
	deps *Deps
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": message, "code": code})
}

// writeServiceError maps a service-boundary error to its HTTP status via
// apperr.StatusCode.
func writeServiceError(w http.ResponseWriter, err error) {
	status := apperr.StatusCode(err)
	code := "INTERNAL"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	writeError(w, status, code, err.Error())
}
