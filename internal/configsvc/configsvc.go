// Package configsvc validates and applies patches to a BackendConfig,
// including the identity migration that follows a model rename.
package configsvc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/catalog"
	"github.com/llamafleet/llamafleet/internal/lifecycle"
	"github.com/llamafleet/llamafleet/internal/portalloc"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

// Restarter is the subset of lifecycle.Engine this service calls into
// to bring a migrated or patched backend back up.
type Restarter interface {
	Start(ctx context.Context, id string) (*store.BackendConfig, error)
	Stop(ctx context.Context, id string) (*store.BackendConfig, error)
}

// Patch carries only the fields a caller wants to change; nil/zero
// means "leave as-is" except where noted.
type Patch struct {
	ModelName       *string
	Alias           *string
	Port            *int
	Host            *string
	Threads         *int
	CtxSize         *int
	GPULayers       *int
	Verbose         *bool
	Embeddings      *bool
	Jinja           *bool
	CustomFlags     []string
	RestartIfNeeded bool
}

// Result is what Apply returns: the backend's new state and whether an
// identity migration occurred.
type Result struct {
	Backend  *store.BackendConfig
	Migrated bool
	OldID    string
	NewID    string
}

type Service struct {
	store           *store.Store
	catalog         *catalog.Catalog
	supervisor      supervisor.Adapter
	lifecycle       Restarter
	inferenceBinary func() (string, error)
}

func New(st *store.Store, cat *catalog.Catalog, sup supervisor.Adapter, lc Restarter, inferenceBinary func() (string, error)) *Service {
	return &Service{store: st, catalog: cat, supervisor: sup, lifecycle: lc, inferenceBinary: inferenceBinary}
}

// Apply validates patch and applies it to the backend named id,
// performing an identity migration if the model rename changes the
// sanitized id.
func (s *Service) Apply(ctx context.Context, id string, patch Patch) (*Result, error) {
	cfg, err := s.store.GetBackend(id)
	if err != nil {
		return nil, err
	}

	if err := s.validate(cfg, patch); err != nil {
		return nil, err
	}

	newModelPath := cfg.ModelPath
	newModelName := cfg.ModelName
	if patch.ModelName != nil {
		path, err := s.catalog.Resolve(*patch.ModelName)
		if err != nil {
			return nil, err
		}
		if err := s.checkModelPathUnique(cfg.ID, path); err != nil {
			return nil, err
		}
		newModelPath = path
		newModelName = *patch.ModelName
	}
	newID := store.Sanitize(newModelName)

	if newID != cfg.ID {
		return s.migrate(ctx, cfg, newID, newModelName, newModelPath, patch)
	}
	return s.applyInPlace(ctx, cfg, newModelPath, newModelName, patch)
}

func (s *Service) validate(cfg *store.BackendConfig, patch Patch) error {
	if patch.Alias != nil && *patch.Alias != "" {
		if !store.ValidAliasFormat(*patch.Alias) {
			return apperr.Validation("alias %q has invalid format", *patch.Alias)
		}
		if store.IsReservedAlias(*patch.Alias) {
			return apperr.Validation("alias %q is reserved", *patch.Alias)
		}
		if err := s.checkAliasUnique(cfg.ID, *patch.Alias); err != nil {
			return err
		}
	}
	if patch.Port != nil {
		if err := portalloc.ValidateForUpdate(cfg.Port, *patch.Port); err != nil {
			return err
		}
		if err := s.checkPortUnique(cfg.ID, *patch.Port); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkAliasUnique(excludeID, alias string) error {
	backends, err := s.store.ListBackends()
	if err != nil {
		return err
	}
	for _, b := range backends {
		if b.ID != excludeID && strings.EqualFold(b.Alias, alias) {
			return apperr.Conflict("ALIAS_CONFLICT", "alias %q already in use", alias)
		}
	}
	return nil
}

// checkModelPathUnique enforces the at-most-one-backend-per-model-file
// invariant by exact absolute path, never basename.
func (s *Service) checkModelPathUnique(excludeID, modelPath string) error {
	backends, err := s.store.ListBackends()
	if err != nil {
		return err
	}
	for _, b := range backends {
		if b.ID != excludeID && b.ModelPath == modelPath {
			return apperr.Conflict("MODEL_ALREADY_SERVED", "model %s is already served by backend %q", modelPath, b.ID)
		}
	}
	return nil
}

func (s *Service) checkPortUnique(excludeID string, port int) error {
	backends, err := s.store.ListBackends()
	if err != nil {
		return err
	}
	for _, b := range backends {
		if b.ID != excludeID && b.Port == port {
			return apperr.Conflict("PORT_CONFLICT", "port %d already in use", port)
		}
	}
	return nil
}

// applyInPlace is the non-migrating update path: write the patch into
// the config, regenerate the unit file, and restart if the backend is
// running and asked to.
func (s *Service) applyInPlace(ctx context.Context, cfg *store.BackendConfig, modelPath, modelName string, patch Patch) (*Result, error) {
	applyPatchFields(cfg, modelPath, modelName, patch)
	cfg.UpdatedAt = time.Now()

	binary, err := s.inferenceBinary()
	if err != nil {
		return nil, fmt.Errorf("resolve inference binary: %w", err)
	}
	unitPath, err := s.supervisor.Create(supervisor.UnitSpec{
		Label:      cfg.Label(),
		Argv:       lifecycle.BuildArgv(binary, cfg),
		WorkingDir: filepath.Dir(cfg.ModelPath),
		StdoutPath: cfg.StdoutPath,
		StderrPath: cfg.StderrPath,
	})
	if err != nil {
		return nil, fmt.Errorf("regenerate unit file: %w", err)
	}
	cfg.UnitPath = unitPath

	if err := s.store.SaveBackend(cfg); err != nil {
		return nil, fmt.Errorf("persist updated backend: %w", err)
	}

	if cfg.Status == store.StatusRunning && patch.RestartIfNeeded {
		if _, err := s.lifecycle.Stop(ctx, cfg.ID); err != nil && !apperr.HasCode(err, lifecycle.CodeAlreadyStopped) {
			return nil, fmt.Errorf("restart after update: stop failed: %w", err)
		}
		started, err := s.lifecycle.Start(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("restart after update: start failed: %w", err)
		}
		cfg = started
	}

	return &Result{Backend: cfg}, nil
}

// migrate rebuilds a backend under its new sanitized id: stop and
// remove the old unit and config, persist the new pair, and optionally
// bring the backend back up. The new persisted config is authoritative
// from the moment it is written.
func (s *Service) migrate(ctx context.Context, oldCfg *store.BackendConfig, newID, newModelName, newModelPath string, patch Patch) (*Result, error) {
	if _, err := s.store.GetBackend(newID); err == nil {
		return nil, apperr.Conflict("ID_CONFLICT", "a backend with id %q already exists", newID)
	}

	wasRunning := oldCfg.Status == store.StatusRunning
	if wasRunning && patch.RestartIfNeeded {
		_ = s.supervisor.Unload(oldCfg.UnitPath) // best-effort, migration proceeds regardless
		time.Sleep(time.Second)
	}

	_ = s.supervisor.Delete(oldCfg.UnitPath) // best-effort: the new persisted config is authoritative either way
	if err := s.store.DeleteBackend(oldCfg.ID); err != nil {
		return nil, fmt.Errorf("delete old config: %w", err)
	}

	newCfg := *oldCfg
	newCfg.ID = newID
	newCfg.ModelName = newModelName
	newCfg.ModelPath = newModelPath
	newCfg.UnitPath = filepath.Join(filepath.Dir(oldCfg.UnitPath), newID+".plist")
	newCfg.StdoutPath = rewriteLogPath(oldCfg.StdoutPath, newID)
	newCfg.StderrPath = rewriteLogPath(oldCfg.StderrPath, newID)
	newCfg.HTTPLogPath = rewriteLogPath(oldCfg.HTTPLogPath, newID)
	newCfg.Status = store.StatusStopped
	newCfg.PID = 0
	newCfg.UpdatedAt = time.Now()
	applyPatchFields(&newCfg, newModelPath, newModelName, patch)

	if err := s.store.SaveBackend(&newCfg); err != nil {
		return nil, fmt.Errorf("persist migrated config: %w", err)
	}

	binary, err := s.inferenceBinary()
	if err != nil {
		return nil, fmt.Errorf("resolve inference binary: %w", err)
	}
	unitPath, err := s.supervisor.Create(supervisor.UnitSpec{
		Label:      newCfg.Label(),
		Argv:       lifecycle.BuildArgv(binary, &newCfg),
		WorkingDir: filepath.Dir(newCfg.ModelPath),
		StdoutPath: newCfg.StdoutPath,
		StderrPath: newCfg.StderrPath,
	})
	if err != nil {
		return nil, fmt.Errorf("write new unit file: %w", err)
	}
	newCfg.UnitPath = unitPath
	if err := s.store.SaveBackend(&newCfg); err != nil {
		return nil, fmt.Errorf("persist new unit path: %w", err)
	}

	result := &Result{Backend: &newCfg, Migrated: true, OldID: oldCfg.ID, NewID: newID}

	if wasRunning && patch.RestartIfNeeded {
		started, err := s.lifecycle.Start(ctx, newID)
		if err != nil {
			return result, fmt.Errorf("restart after migration: %w", err)
		}
		result.Backend = started
	}

	return result, nil
}

func rewriteLogPath(path, newID string) string {
	if path == "" {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	return filepath.Join(dir, newID+ext)
}

func applyPatchFields(cfg *store.BackendConfig, modelPath, modelName string, patch Patch) {
	cfg.ModelPath = modelPath
	cfg.ModelName = modelName
	if patch.Alias != nil {
		cfg.Alias = *patch.Alias
	}
	if patch.Port != nil {
		cfg.Port = *patch.Port
	}
	if patch.Host != nil {
		cfg.Host = *patch.Host
	}
	if patch.Threads != nil {
		cfg.Threads = *patch.Threads
	}
	if patch.CtxSize != nil {
		cfg.CtxSize = *patch.CtxSize
	}
	if patch.GPULayers != nil {
		cfg.GPULayers = *patch.GPULayers
	}
	if patch.Verbose != nil {
		cfg.Verbose = *patch.Verbose
	}
	if patch.Embeddings != nil {
		cfg.Embeddings = *patch.Embeddings
	}
	if patch.Jinja != nil {
		cfg.Jinja = *patch.Jinja
	}
	if patch.CustomFlags != nil {
		cfg.CustomFlags = patch.CustomFlags
	}
}
