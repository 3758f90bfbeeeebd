// Package lifecycle implements start/stop/restart for one backend with
// a per-backend concurrency interlock, unit regeneration, log rotation,
// startup verification and metal-memory capture.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/llamafleet/llamafleet/internal/apperr"
	"github.com/llamafleet/llamafleet/internal/store"
	"github.com/llamafleet/llamafleet/internal/supervisor"
)

// BackendStore is the narrow seam Engine needs from the State Store.
type BackendStore interface {
	GetBackend(id string) (*store.BackendConfig, error)
	SaveBackend(cfg *store.BackendConfig) error
}

// Machine-readable conflict codes surfaced to API clients. Callers that
// tolerate a specific conflict (Restart, the config service's
// restart-if-needed path) match on these, never on the conflict kind
// alone.
const (
	CodeAlreadyStopped      = "ALREADY_STOPPED"
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
)

const (
	startTimeout   = 5 * time.Second
	portTimeout    = 10 * time.Second
	stopTimeout    = 5 * time.Second
	metalGrace     = 8 * time.Second
	logRotateBytes = 100 * 1024 * 1024
	metalScanCap   = 256 * 1024
)

var metalLinePattern = regexp.MustCompile(`Metal_Mapped model buffer size\s*=\s*([0-9]+(?:\.[0-9]+)?)\s*MiB`)

// Engine runs start/stop/restart for one backend at a time, tracking
// in-flight operations in a process-local map keyed by backend id.
// Concurrent callers targeting the same backend get an "operation in
// progress" error rather than queueing.
type Engine struct {
	store           BackendStore
	sup             supervisor.Adapter
	inferenceBinary func() (string, error)
	logger          *slog.Logger

	mu       sync.Mutex
	inflight map[string]string

	// overridable for tests
	startTimeout time.Duration
	portTimeout  time.Duration
	stopTimeout  time.Duration
	metalGrace   time.Duration
}

func New(st BackendStore, sup supervisor.Adapter, inferenceBinary func() (string, error), logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           st,
		sup:             sup,
		inferenceBinary: inferenceBinary,
		logger:          logger,
		inflight:        make(map[string]string),
		startTimeout:    startTimeout,
		portTimeout:     portTimeout,
		stopTimeout:     stopTimeout,
		metalGrace:      metalGrace,
	}
}

func (e *Engine) acquire(id, op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, busy := e.inflight[id]; busy {
		return apperr.Conflict(CodeOperationInProgress, "backend %q already has a %s operation in progress", id, existing)
	}
	e.inflight[id] = op
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// Start brings a stopped backend up: rotate oversized logs, regenerate
// and load the unit, start it, wait for the supervisor to report
// running and for the port to accept connections, then capture metal
// memory and persist the running state.
func (e *Engine) Start(ctx context.Context, id string) (*store.BackendConfig, error) {
	if err := e.acquire(id, "starting"); err != nil {
		return nil, err
	}
	defer e.release(id)

	cfg, err := e.store.GetBackend(id)
	if err != nil {
		return nil, err
	}
	if cfg.Status == store.StatusRunning {
		return nil, apperr.Conflict(CodeAlreadyRunning, "backend %q is already running", id)
	}

	e.rotateLogIfLarge(cfg.StdoutPath)
	e.rotateLogIfLarge(cfg.StderrPath)

	binary, err := e.inferenceBinary()
	if err != nil {
		return nil, fmt.Errorf("resolve inference binary: %w", err)
	}
	if err := e.regenerateUnit(cfg, binary); err != nil {
		return nil, fmt.Errorf("regenerate unit: %w", err)
	}

	if err := e.sup.Start(cfg.Label()); err != nil {
		return nil, fmt.Errorf("start %q: %w", id, err)
	}

	if err := e.sup.WaitForStart(ctx, cfg.Label(), e.startTimeout); err != nil {
		if !e.recoverFromThrottle(ctx, cfg, binary) {
			return nil, apperr.Internal(fmt.Errorf("failed to start: %w", err))
		}
		if err := e.sup.WaitForStart(ctx, cfg.Label(), e.startTimeout); err != nil {
			return nil, apperr.Internal(fmt.Errorf("failed to start: %w", err))
		}
	}

	if err := e.waitForPort(ctx, cfg, e.portTimeout); err != nil {
		return nil, apperr.Internal(fmt.Errorf("port not responding: %w", err))
	}

	if e.metalGrace > 0 {
		select {
		case <-time.After(e.metalGrace):
		case <-ctx.Done():
		}
	}
	if mb, ok := e.scanMetalMemory(cfg.StderrPath); ok {
		cfg.MetalMemoryMB = mb
	}

	status, _ := e.sup.Status(cfg.Label())
	now := time.Now()
	cfg.Status = store.StatusRunning
	cfg.PID = status.PID
	cfg.LastStarted = &now

	if err := e.store.SaveBackend(cfg); err != nil {
		return nil, fmt.Errorf("persist started backend: %w", err)
	}
	return cfg, nil
}

// Stop takes a running backend down. Supervisor errors during
// stop/unload are logged, not fatal (best-effort).
func (e *Engine) Stop(ctx context.Context, id string) (*store.BackendConfig, error) {
	if err := e.acquire(id, "stopping"); err != nil {
		return nil, err
	}
	defer e.release(id)

	cfg, err := e.store.GetBackend(id)
	if err != nil {
		return nil, err
	}
	if cfg.Status == store.StatusStopped {
		return nil, apperr.Conflict(CodeAlreadyStopped, "backend %q is already stopped", id)
	}

	if err := e.sup.Stop(cfg.Label()); err != nil {
		e.logger.Warn("supervisor stop failed, continuing", "backend", id, "err", err)
	}
	if err := e.sup.Unload(cfg.UnitPath); err != nil {
		e.logger.Warn("supervisor unload failed, continuing", "backend", id, "err", err)
	}

	if err := e.sup.WaitForStop(ctx, cfg.Label(), e.stopTimeout); err != nil {
		e.logger.Warn("backend did not report stopped within timeout", "backend", id, "err", err)
	}

	now := time.Now()
	cfg.Status = store.StatusStopped
	cfg.PID = 0
	cfg.LastStopped = &now

	if err := e.store.SaveBackend(cfg); err != nil {
		return nil, fmt.Errorf("persist stopped backend: %w", err)
	}
	return cfg, nil
}

// Restart stops (tolerating "already stopped") then starts. Any other
// stop error is fatal, including a concurrent operation holding the
// interlock.
func (e *Engine) Restart(ctx context.Context, id string) (*store.BackendConfig, error) {
	_, err := e.Stop(ctx, id)
	if err != nil && !apperr.HasCode(err, CodeAlreadyStopped) {
		return nil, fmt.Errorf("restart: stop failed: %w", err)
	}
	return e.Start(ctx, id)
}

// recoverFromThrottle handles launchd's throttled state: unload, delete
// the unit, settle 1s, recreate and start. Reports whether a throttled
// state was actually found and recovery attempted.
func (e *Engine) recoverFromThrottle(ctx context.Context, cfg *store.BackendConfig, binary string) bool {
	status, err := e.sup.Status(cfg.Label())
	if err != nil || !supervisor.IsThrottled(status) {
		return false
	}
	e.logger.Warn("backend throttled by supervisor, recovering", "backend", cfg.ID)

	if err := e.sup.Unload(cfg.UnitPath); err != nil {
		e.logger.Warn("unload during throttle recovery failed, continuing", "backend", cfg.ID, "err", err)
	}
	if err := e.sup.Delete(cfg.UnitPath); err != nil {
		e.logger.Warn("delete unit during throttle recovery failed, continuing", "backend", cfg.ID, "err", err)
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return true
	}

	if err := e.regenerateUnit(cfg, binary); err != nil {
		e.logger.Warn("regenerate unit during throttle recovery failed", "backend", cfg.ID, "err", err)
		return true
	}
	if err := e.sup.Start(cfg.Label()); err != nil {
		e.logger.Warn("restart during throttle recovery failed", "backend", cfg.ID, "err", err)
	}
	return true
}

func (e *Engine) rotateLogIfLarge(path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < logRotateBytes {
		return
	}
	archive := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, archive); err != nil {
		e.logger.Warn("log rotation failed", "path", path, "err", err)
	}
}

// regenerateUnit rewrites and reloads the backend's unit file when it
// is absent or older than the config's last change; a current unit is
// left alone and only re-loaded (tolerating "already loaded") so a
// start after reboot still works.
func (e *Engine) regenerateUnit(cfg *store.BackendConfig, binary string) error {
	if e.unitIsCurrent(cfg) {
		if err := e.sup.Load(cfg.UnitPath); err != nil {
			e.logger.Debug("load of current unit failed, assuming already loaded", "backend", cfg.ID, "err", err)
		}
		return nil
	}

	spec := supervisor.UnitSpec{
		Label:      cfg.Label(),
		Argv:       BuildArgv(binary, cfg),
		WorkingDir: filepath.Dir(cfg.ModelPath),
		StdoutPath: cfg.StdoutPath,
		StderrPath: cfg.StderrPath,
	}

	if cfg.UnitPath != "" {
		if err := e.sup.Unload(cfg.UnitPath); err != nil {
			e.logger.Warn("unload prior unit failed, continuing", "backend", cfg.ID, "err", err)
		}
	}

	unitPath, err := e.sup.Create(spec)
	if err != nil {
		return err
	}
	cfg.UnitPath = unitPath
	return e.sup.Load(unitPath)
}

// unitIsCurrent reports whether the backend's unit file exists and was
// written at or after the config's last change.
func (e *Engine) unitIsCurrent(cfg *store.BackendConfig) bool {
	if cfg.UnitPath == "" {
		return false
	}
	info, err := os.Stat(cfg.UnitPath)
	if err != nil {
		return false
	}
	return !info.ModTime().Before(cfg.UpdatedAt)
}

// BuildArgv renders the inference binary invocation from a
// BackendConfig. Exported so internal/configsvc can render the same
// argv when it writes a unit file directly during identity migration.
func BuildArgv(binary string, cfg *store.BackendConfig) []string {
	args := []string{binary,
		"--model", cfg.ModelPath,
		"--port", strconv.Itoa(cfg.Port),
		"--host", cfg.Host,
	}
	if cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.Threads))
	}
	if cfg.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(cfg.CtxSize))
	}
	if cfg.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(cfg.GPULayers))
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	if cfg.Embeddings {
		args = append(args, "--embeddings")
	}
	if cfg.Jinja {
		args = append(args, "--jinja")
	}
	args = append(args, cfg.CustomFlags...)
	return args
}

func (e *Engine) waitForPort(ctx context.Context, cfg *store.BackendConfig, timeout time.Duration) error {
	addr := net.JoinHostPort(dialHost(cfg.Host), strconv.Itoa(cfg.Port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// dialHost rewrites a 0.0.0.0 bind address to the loopback address for
// outbound probing; 0.0.0.0 is a bind address, never a destination.
func dialHost(host string) string {
	if host == "" || host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}

// scanMetalMemory reads up to metalScanCap bytes of the stderr log
// looking for llama.cpp's Metal allocation line.
func (e *Engine) scanMetalMemory(stderrPath string) (int, bool) {
	if stderrPath == "" {
		return 0, false
	}
	f, err := os.Open(stderrPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, metalScanCap))
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if m := metalLinePattern.FindStringSubmatch(scanner.Text()); m != nil {
			if mb, err := strconv.ParseFloat(m[1], 64); err == nil {
				return int(mb), true
			}
		}
	}
	return 0, false
}
