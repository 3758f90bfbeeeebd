package configsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/catalog"
	"github.com/llamafleet/llamafleet/internal/config"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

type fixedDir string

func (f fixedDir) ModelsDirectory() (string, error) { return string(f), nil }

type noopSupervisor struct{}

func (noopSupervisor) Create(spec supervisor.UnitSpec) (string, error) {
	return "/units/" + spec.Label + ".plist", nil
}
func (noopSupervisor) Delete(string) error { return nil }
func (noopSupervisor) Load(string) error   { return nil }
func (noopSupervisor) Unload(string) error { return nil }
func (noopSupervisor) Start(string) error  { return nil }
func (noopSupervisor) Stop(string) error   { return nil }
func (noopSupervisor) Status(string) (supervisor.Status, error) {
	return supervisor.Status{}, nil
}
func (noopSupervisor) WaitForStart(context.Context, string, time.Duration) error { return nil }
func (noopSupervisor) WaitForStop(context.Context, string, time.Duration) error  { return nil }

type fakeRestarter struct {
	startCalls []string
}

func (f *fakeRestarter) Start(ctx context.Context, id string) (*store.BackendConfig, error) {
	f.startCalls = append(f.startCalls, id)
	return &store.BackendConfig{ID: id, Status: store.StatusRunning}, nil
}
func (f *fakeRestarter) Stop(ctx context.Context, id string) (*store.BackendConfig, error) {
	return &store.BackendConfig{ID: id, Status: store.StatusStopped}, nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeRestarter, string) {
	t.Helper()
	modelsDir := t.TempDir()
	for _, name := range []string{"old.gguf", "new.gguf"} {
		if err := os.WriteFile(filepath.Join(modelsDir, name), []byte("weights"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	paths := config.PathsFor(t.TempDir())
	st, err := store.New(paths, nil)
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(fixedDir(modelsDir))
	restarter := &fakeRestarter{}

	svc := New(st, cat, noopSupervisor{}, restarter, func() (string, error) { return "/usr/local/bin/llama-server", nil })
	return svc, st, restarter, modelsDir
}

func TestApply_IdentityMigration(t *testing.T) {
	svc, st, restarter, modelsDir := newTestService(t)

	oldCfg := &store.BackendConfig{
		ID: "old", ModelName: "old.gguf", ModelPath: filepath.Join(modelsDir, "old.gguf"),
		Port: 9000, Status: store.StatusRunning, UnitPath: "/units/llamafleet.old.plist",
	}
	if err := st.SaveBackend(oldCfg); err != nil {
		t.Fatal(err)
	}

	newName := "new.gguf"
	result, err := svc.Apply(context.Background(), "old", Patch{ModelName: &newName, RestartIfNeeded: true})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !result.Migrated || result.NewID != "new" || result.OldID != "old" {
		t.Fatalf("expected a migration from old to new, got %+v", result)
	}

	if _, err := st.GetBackend("old"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("old config should be deleted, got err=%v", err)
	}
	newCfg, err := st.GetBackend("new")
	if err != nil {
		t.Fatalf("new config should exist: %v", err)
	}
	if newCfg.Port != 9000 {
		t.Errorf("migrated backend should keep the same port, got %d", newCfg.Port)
	}
	if len(restarter.startCalls) != 1 || restarter.startCalls[0] != "new" {
		t.Errorf("expected a restart of the new id, got %v", restarter.startCalls)
	}
}

func TestApply_IdentityConflictFailsCleanly(t *testing.T) {
	svc, st, _, modelsDir := newTestService(t)

	old := &store.BackendConfig{ID: "old", ModelName: "old.gguf", ModelPath: filepath.Join(modelsDir, "old.gguf"), Port: 9000, Status: store.StatusStopped}
	existingNew := &store.BackendConfig{ID: "new", ModelName: "new.gguf", ModelPath: filepath.Join(modelsDir, "new.gguf"), Port: 9001, Status: store.StatusStopped}
	for _, cfg := range []*store.BackendConfig{old, existingNew} {
		if err := st.SaveBackend(cfg); err != nil {
			t.Fatal(err)
		}
	}

	newName := "new.gguf"
	_, err := svc.Apply(context.Background(), "old", Patch{ModelName: &newName})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}

	if _, err := st.GetBackend("old"); err != nil {
		t.Error("old config must survive a failed migration attempt")
	}
}

func TestApply_PortConflictRejected(t *testing.T) {
	svc, st, _, modelsDir := newTestService(t)

	a := &store.BackendConfig{ID: "old", ModelName: "old.gguf", ModelPath: filepath.Join(modelsDir, "old.gguf"), Port: 9000, Status: store.StatusStopped}
	b := &store.BackendConfig{ID: "other", ModelName: "new.gguf", ModelPath: filepath.Join(modelsDir, "new.gguf"), Port: 9001, Status: store.StatusStopped}
	for _, cfg := range []*store.BackendConfig{a, b} {
		if err := st.SaveBackend(cfg); err != nil {
			t.Fatal(err)
		}
	}

	taken := 9001
	_, err := svc.Apply(context.Background(), "old", Patch{Port: &taken})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict for port collision, got %v", err)
	}
}

func TestApply_NonMigratingUpdate(t *testing.T) {
	svc, st, _, modelsDir := newTestService(t)
	cfg := &store.BackendConfig{ID: "old", ModelName: "old.gguf", ModelPath: filepath.Join(modelsDir, "old.gguf"), Port: 9000, Status: store.StatusStopped}
	if err := st.SaveBackend(cfg); err != nil {
		t.Fatal(err)
	}

	threads := 16
	result, err := svc.Apply(context.Background(), "old", Patch{Threads: &threads})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Migrated {
		t.Error("a threads-only change should not migrate identity")
	}
	if result.Backend.Threads != 16 {
		t.Errorf("Threads = %d, want 16", result.Backend.Threads)
	}
}
