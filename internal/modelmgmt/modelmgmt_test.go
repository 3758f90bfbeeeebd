package modelmgmt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/catalog"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

type fixedDir string

func (f fixedDir) ModelsDirectory() (string, error) { return string(f), nil }

type fakeStore struct {
	backends map[string]*store.BackendConfig
	deleted  []string
}

func (s *fakeStore) ListBackends() ([]*store.BackendConfig, error) {
	var out []*store.BackendConfig
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out, nil
}
func (s *fakeStore) DeleteBackend(id string) error {
	delete(s.backends, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type noopSupervisor struct{}

func (noopSupervisor) Create(supervisor.UnitSpec) (string, error) { return "", nil }
func (noopSupervisor) Delete(string) error                        { return nil }
func (noopSupervisor) Load(string) error                          { return nil }
func (noopSupervisor) Unload(string) error                        { return nil }
func (noopSupervisor) Start(string) error                         { return nil }
func (noopSupervisor) Stop(string) error                          { return nil }
func (noopSupervisor) Status(string) (supervisor.Status, error)   { return supervisor.Status{}, nil }
func (noopSupervisor) WaitForStart(context.Context, string, time.Duration) error { return nil }
func (noopSupervisor) WaitForStop(context.Context, string, time.Duration) error  { return nil }

type noopLifecycle struct{}

func (noopLifecycle) Stop(ctx context.Context, id string) (*store.BackendConfig, error) {
	return &store.BackendConfig{ID: id, Status: store.StatusStopped}, nil
}

func TestDelete_CascadeFiltersByAbsolutePath(t *testing.T) {
	dirM := t.TempDir()
	dirOther := t.TempDir()
	mustWrite(t, filepath.Join(dirM, "x.gguf"))
	mustWrite(t, filepath.Join(dirOther, "x.gguf"))

	cat := catalog.New(fixedDir(dirM))

	fs := &fakeStore{backends: map[string]*store.BackendConfig{
		"a": {ID: "a", ModelPath: filepath.Join(dirM, "x.gguf")},
		"b": {ID: "b", ModelPath: filepath.Join(dirM, "x.gguf")},
		"c": {ID: "c", ModelPath: filepath.Join(dirOther, "x.gguf")},
	}}

	svc := New(fs, cat, noopSupervisor{}, noopLifecycle{})
	result, err := svc.Delete(context.Background(), "x.gguf", true)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if len(result.RemovedBackendIDs) != 2 {
		t.Fatalf("expected 2 removed backends, got %v", result.RemovedBackendIDs)
	}
	if _, ok := fs.backends["c"]; !ok {
		t.Error("backend c uses a different absolute path and must survive")
	}
	if _, err := os.Stat(filepath.Join(dirM, "x.gguf")); !os.IsNotExist(err) {
		t.Error("model file under dirM should have been unlinked")
	}
	if _, err := os.Stat(filepath.Join(dirOther, "x.gguf")); err != nil {
		t.Error("file in the unrelated directory must not be touched")
	}
}

func TestDelete_WithoutCascadeRejectsWhenInUse(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "x.gguf"))
	cat := catalog.New(fixedDir(dir))
	fs := &fakeStore{backends: map[string]*store.BackendConfig{
		"a": {ID: "a", ModelPath: filepath.Join(dir, "x.gguf")},
	}}

	svc := New(fs, cat, noopSupervisor{}, noopLifecycle{})
	_, err := svc.Delete(context.Background(), "x.gguf", false)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.gguf")); err != nil {
		t.Error("file must survive a rejected delete")
	}
}

func TestDelete_ShardedSetUnlinksEveryShard(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "big-00001-of-00002.gguf"))
	mustWrite(t, filepath.Join(dir, "big-00002-of-00002.gguf"))
	cat := catalog.New(fixedDir(dir))
	fs := &fakeStore{backends: map[string]*store.BackendConfig{}}

	svc := New(fs, cat, noopSupervisor{}, noopLifecycle{})
	result, err := svc.Delete(context.Background(), "big", false)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(result.UnlinkedFiles) != 2 {
		t.Fatalf("expected both shards unlinked, got %v", result.UnlinkedFiles)
	}
	for _, f := range result.UnlinkedFiles {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("shard %s should have been removed", f)
		}
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
}
