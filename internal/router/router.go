// Package router is the front-door HTTP server: a loopback listener
// exposing an OpenAI-and-Anthropic-compatible surface over one or more
// supervised inference backends, with translation delegated to
// internal/translate.
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/llamafleet/llamafleet/internal/store"
)

// BackendSource is the narrow store seam the Router reads from; it never
// writes backend state.
type BackendSource interface {
	ListBackends() ([]*store.BackendConfig, error)
}

const defaultProxyTimeout = 120 * time.Second

type Server struct {
	store   BackendSource
	logger  *slog.Logger
	reqLog  *RequestLogger
	client  *http.Client
	started time.Time
}

// New builds a Server. requestTimeout bounds each proxied upstream
// request; zero means the 120s default.
func New(st BackendSource, logger *slog.Logger, reqLog *RequestLogger, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = defaultProxyTimeout
	}
	return &Server{
		store:   st,
		logger:  logger,
		reqLog:  reqLog,
		client:  &http.Client{Timeout: requestTimeout},
		started: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/models/{id}", s.handleGetModel)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Post("/v1/messages", s.handleMessages)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "router"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": time.Since(s.started).Seconds(),
		"timestamp":     time.Now().UTC(),
	})
}
