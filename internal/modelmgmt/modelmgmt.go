// Package modelmgmt deletes model files, with an optional cascade over
// the backends that depend on them.
package modelmgmt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/catalog"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

// Store is the narrow seam this service needs.
type Store interface {
	ListBackends() ([]*store.BackendConfig, error)
	DeleteBackend(id string) error
}

// Stopper is the subset of lifecycle.Engine used to best-effort stop a
// dependent backend before its config is removed.
type Stopper interface {
	Stop(ctx context.Context, id string) (*store.BackendConfig, error)
}

type Service struct {
	store      Store
	catalog    *catalog.Catalog
	supervisor supervisor.Adapter
	lifecycle  Stopper
}

func New(st Store, cat *catalog.Catalog, sup supervisor.Adapter, lc Stopper) *Service {
	return &Service{store: st, catalog: cat, supervisor: sup, lifecycle: lc}
}

// Result reports what Delete actually removed.
type Result struct {
	RemovedBackendIDs []string
	UnlinkedFiles     []string
}

// Delete removes a model (or an entire shard set), cascading over
// dependent backends when asked. Dependent backends are found by exact
// ModelPath/ShardPaths equality, never by filename, so two models
// sharing a basename in different directories are never confused.
func (s *Service) Delete(ctx context.Context, identifier string, cascade bool) (*Result, error) {
	model, err := s.catalog.Find(identifier)
	if err != nil {
		return nil, err
	}

	backends, err := s.store.ListBackends()
	if err != nil {
		return nil, err
	}

	var dependents []*store.BackendConfig
	for _, b := range backends {
		if dependsOn(b, model) {
			dependents = append(dependents, b)
		}
	}

	if len(dependents) > 0 && !cascade {
		return nil, apperr.Conflict("MODEL_IN_USE", "used by %d server(s)", len(dependents))
	}

	result := &Result{}
	if cascade {
		for _, b := range dependents {
			_, _ = s.lifecycle.Stop(ctx, b.ID) // best-effort
			_ = s.supervisor.Delete(b.UnitPath)
			if err := s.store.DeleteBackend(b.ID); err != nil {
				return nil, fmt.Errorf("delete dependent backend %s: %w", b.ID, err)
			}
			result.RemovedBackendIDs = append(result.RemovedBackendIDs, b.ID)
		}
	}

	if model.IsSharded {
		for _, shard := range model.ShardPaths {
			if err := os.Remove(shard); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("unlink shard %s: %w", shard, err)
			}
			result.UnlinkedFiles = append(result.UnlinkedFiles, shard)
		}
		_ = os.Remove(filepath.Dir(model.Path)) // ignored if non-empty
	} else {
		if err := os.Remove(model.Path); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("unlink model file: %w", err)
		}
		result.UnlinkedFiles = append(result.UnlinkedFiles, model.Path)
	}

	return result, nil
}

func dependsOn(b *store.BackendConfig, model *catalog.ModelInfo) bool {
	if model.IsSharded {
		for _, shard := range model.ShardPaths {
			if b.ModelPath == shard {
				return true
			}
		}
		return false
	}
	return b.ModelPath == model.Path
}
