package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/llamafleet/llamafleet/internal/store"
)

// backendView is the subset of BackendConfig the router cares about,
// kept separate from the store type so proxy/matching logic only
// depends on the fields it actually reads.
type backendView struct {
	ID         string
	ModelName  string
	Host       string
	Port       int
	Embeddings bool
}

func (s *Server) runningBackends() ([]backendView, error) {
	running, _, err := s.backendViews()
	return running, err
}

// backendViews reads the persisted backend set fresh on every call (no
// long-lived cache: backends can change while the router is live) and
// splits it by lifecycle state.
func (s *Server) backendViews() (running, notRunning []backendView, err error) {
	all, err := s.store.ListBackends()
	if err != nil {
		return nil, nil, err
	}
	for _, b := range all {
		view := backendView{
			ID: b.ID, ModelName: b.ModelName, Host: b.Host, Port: b.Port, Embeddings: b.Embeddings,
		}
		if b.Status == store.StatusRunning {
			running = append(running, view)
		} else {
			notRunning = append(notRunning, view)
		}
	}
	return running, notRunning, nil
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	backends, err := s.runningBackends()
	if err != nil {
		writeGenericError(w, http.StatusInternalServerError, "failed to list backends", err)
		return
	}
	data := make([]modelDescriptor, 0, len(backends))
	for _, b := range backends {
		data = append(data, descriptorFor(b.ModelName))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// A plausible descriptor is returned even with no matching local
	// backend, to accommodate clients probing cloud model names.
	writeJSON(w, http.StatusOK, descriptorFor(id))
}

type modelDescriptor struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func descriptorFor(id string) modelDescriptor {
	return modelDescriptor{ID: id, Object: "model", Created: time.Now().Unix(), OwnedBy: "local"}
}
