package lifecycle

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

// fakeStore is a minimal in-memory BackendStore for exercising Engine
// without going through the real JSON-backed Store.
type fakeStore struct {
	mu       sync.Mutex
	backends map[string]*store.BackendConfig
}

func newFakeStore(cfgs ...*store.BackendConfig) *fakeStore {
	s := &fakeStore{backends: make(map[string]*store.BackendConfig)}
	for _, c := range cfgs {
		s.backends[c.ID] = c
	}
	return s
}

func (s *fakeStore) GetBackend(id string) (*store.BackendConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.backends[id]
	if !ok {
		return nil, apperr.NotFound("backend %q not found", id)
	}
	clone := *cfg
	return &clone, nil
}

func (s *fakeStore) SaveBackend(cfg *store.BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cfg
	s.backends[cfg.ID] = &clone
	return nil
}

// fakeSupervisor is an in-memory supervisor.Adapter: Start flips a label
// to running immediately, and a real listener is bound to back a port
// probe, so Engine.Start's waitForPort step succeeds deterministically.
type fakeSupervisor struct {
	mu        sync.Mutex
	running   map[string]bool
	failStart bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[string]bool)}
}

func (f *fakeSupervisor) Create(spec supervisor.UnitSpec) (string, error) {
	return "/tmp/" + spec.Label + ".plist", nil
}
func (f *fakeSupervisor) Delete(string) error { return nil }
func (f *fakeSupervisor) Load(string) error   { return nil }
func (f *fakeSupervisor) Unload(string) error { return nil }

func (f *fakeSupervisor) Start(label string) error {
	if f.failStart {
		return nil
	}
	f.mu.Lock()
	f.running[label] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) Stop(label string) error {
	f.mu.Lock()
	f.running[label] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) Status(label string) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[label] {
		return supervisor.Status{Running: true, PID: 4242}, nil
	}
	return supervisor.Status{Running: false}, nil
}

func (f *fakeSupervisor) WaitForStart(ctx context.Context, label string, timeout time.Duration) error {
	if f.failStart {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeSupervisor) WaitForStop(ctx context.Context, label string, timeout time.Duration) error {
	return nil
}

func listenLoopback(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func newTestEngine(st BackendStore, sup supervisor.Adapter) *Engine {
	e := New(st, sup, func() (string, error) { return "/usr/local/bin/llama-server", nil }, nil)
	e.metalGrace = 0
	e.startTimeout = time.Second
	e.portTimeout = time.Second
	e.stopTimeout = time.Second
	return e
}

func TestStart_Success(t *testing.T) {
	host, port := listenLoopback(t)
	cfg := &store.BackendConfig{ID: "demo", ModelPath: "/models/demo.gguf", Host: host, Port: port, Status: store.StatusStopped}
	st := newFakeStore(cfg)
	sup := newFakeSupervisor()
	engine := newTestEngine(st, sup)

	got, err := engine.Start(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got.Status != store.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.PID == 0 {
		t.Error("expected a PID to be persisted")
	}
	if got.LastStarted == nil {
		t.Error("expected LastStarted to be set")
	}
}

func TestStart_AlreadyRunningIsConflict(t *testing.T) {
	cfg := &store.BackendConfig{ID: "demo", Status: store.StatusRunning}
	st := newFakeStore(cfg)
	engine := newTestEngine(st, newFakeSupervisor())

	_, err := engine.Start(context.Background(), "demo")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestStart_ConcurrentCallsOnlyOneProceeds(t *testing.T) {
	host, port := listenLoopback(t)
	cfg := &store.BackendConfig{ID: "demo", ModelPath: "/models/demo.gguf", Host: host, Port: port, Status: store.StatusStopped}
	st := newFakeStore(cfg)
	engine := newTestEngine(st, newFakeSupervisor())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.Start(context.Background(), "demo")
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case apperr.Is(err, apperr.KindConflict):
			conflicts++
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one success and one conflict, got successes=%d conflicts=%d (%v)", successes, conflicts, results)
	}
}

func TestStop_AlreadyStoppedIsConflict(t *testing.T) {
	cfg := &store.BackendConfig{ID: "demo", Status: store.StatusStopped}
	st := newFakeStore(cfg)
	engine := newTestEngine(st, newFakeSupervisor())

	_, err := engine.Stop(context.Background(), "demo")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestStop_Success(t *testing.T) {
	host, port := listenLoopback(t)
	cfg := &store.BackendConfig{ID: "demo", ModelPath: "/models/demo.gguf", Host: host, Port: port, Status: store.StatusStopped}
	st := newFakeStore(cfg)
	sup := newFakeSupervisor()
	engine := newTestEngine(st, sup)

	if _, err := engine.Start(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}
	got, err := engine.Stop(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got.Status != store.StatusStopped || got.PID != 0 {
		t.Errorf("unexpected post-stop state: %+v", got)
	}
}

func TestRestart_ToleratesAlreadyStopped(t *testing.T) {
	host, port := listenLoopback(t)
	cfg := &store.BackendConfig{ID: "demo", ModelPath: "/models/demo.gguf", Host: host, Port: port, Status: store.StatusStopped}
	st := newFakeStore(cfg)
	engine := newTestEngine(st, newFakeSupervisor())

	got, err := engine.Restart(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if got.Status != store.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
}

func TestRestart_FailsWhenOperationInProgress(t *testing.T) {
	host, port := listenLoopback(t)
	cfg := &store.BackendConfig{ID: "demo", ModelPath: "/models/demo.gguf", Host: host, Port: port, Status: store.StatusRunning}
	st := newFakeStore(cfg)
	engine := newTestEngine(st, newFakeSupervisor())

	// Hold the interlock the way a concurrent start/stop would.
	if err := engine.acquire("demo", "starting"); err != nil {
		t.Fatal(err)
	}
	defer engine.release("demo")

	_, err := engine.Restart(context.Background(), "demo")
	if !apperr.HasCode(err, CodeOperationInProgress) {
		t.Fatalf("restart must fail when another operation holds the interlock, got %v", err)
	}
}

func TestBuildArgv_IncludesTuningFlags(t *testing.T) {
	cfg := &store.BackendConfig{
		ModelPath: "/models/demo.gguf", Port: 9000, Host: "127.0.0.1",
		Threads: 8, CtxSize: 4096, GPULayers: 10, Verbose: true,
	}
	argv := BuildArgv("llama-server", cfg)
	joined := map[string]bool{}
	for _, a := range argv {
		joined[a] = true
	}
	for _, want := range []string{"--model", "/models/demo.gguf", "--threads", "8", "--ctx-size", "4096", "--n-gpu-layers", "10", "--verbose"} {
		if !joined[want] {
			t.Errorf("argv missing %q: %v", want, argv)
		}
	}
}

func TestDialHost_RewritesWildcard(t *testing.T) {
	if got := dialHost("0.0.0.0"); got != "127.0.0.1" {
		t.Errorf("dialHost(0.0.0.0) = %q, want 127.0.0.1", got)
	}
	if got := dialHost("192.168.1.5"); got != "192.168.1.5" {
		t.Errorf("dialHost should pass through non-wildcard hosts, got %q", got)
	}
}
