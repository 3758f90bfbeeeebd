// Package supervisor writes and removes unit files and invokes the host
// service supervisor's load/unload/start/stop and list operations. This
// implementation targets launchd (plist + launchctl); every operation is
// expressed behind the Adapter interface so an equivalent systemd
// adapter is a drop-in replacement.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is what Status() reports after parsing the supervisor's list
// output.
type Status struct {
	Running      bool
	PID          int
	LastExitCode int
}

// UnitSpec describes one supervised process, independent of how its
// backing BackendConfig is shaped.
type UnitSpec struct {
	Label      string
	Argv       []string
	WorkingDir string
	StdoutPath string
	StderrPath string
}

// Adapter is the seam the Lifecycle Engine consumes, so tests can fake
// the host supervisor entirely.
type Adapter interface {
	Create(spec UnitSpec) (unitPath string, err error)
	Delete(unitPath string) error
	Load(unitPath string) error
	Unload(unitPath string) error
	Start(label string) error
	Stop(label string) error
	Status(label string) (Status, error)
	WaitForStart(ctx context.Context, label string, timeout time.Duration) error
	WaitForStop(ctx context.Context, label string, timeout time.Duration) error
}

const pollInterval = 500 * time.Millisecond

// pollThrottledExitCode is launchd's well-known "throttled" exit status;
// seeing it means the job needs the unload+delete+recreate recovery, not
// a plain restart.
const pollThrottledExitCode = 153

// LaunchdAdapter implements Adapter against macOS launchd by writing
// plist files and shelling out to launchctl.
type LaunchdAdapter struct {
	launchctl string
	unitsDir  string
}

// NewLaunchdAdapter targets unitsDir for every plist this adapter writes,
// the same state-directory tree (possibly overridden by LLAMAFLEET_HOME)
// the rest of the store is rooted at.
func NewLaunchdAdapter(unitsDir string) *LaunchdAdapter {
	return &LaunchdAdapter{launchctl: "launchctl", unitsDir: unitsDir}
}

func (a *LaunchdAdapter) Create(spec UnitSpec) (string, error) {
	plist := renderPlist(spec)
	path := filepath.Join(a.unitsDir, spec.Label+".plist")
	if err := writeUnitFile(path, plist); err != nil {
		return "", err
	}
	return path, nil
}

func (a *LaunchdAdapter) Delete(unitPath string) error {
	return deleteUnitFile(unitPath)
}

func (a *LaunchdAdapter) Load(unitPath string) error {
	return a.run("load", "-w", unitPath)
}

// Unload is idempotent: launchctl's "could not find" error for an
// already-unloaded label is swallowed.
func (a *LaunchdAdapter) Unload(unitPath string) error {
	err := a.run("unload", unitPath)
	if err != nil && isNotLoadedError(err) {
		return nil
	}
	return err
}

func (a *LaunchdAdapter) Start(label string) error {
	return a.run("start", label)
}

// Stop is idempotent for the same reason Unload is.
func (a *LaunchdAdapter) Stop(label string) error {
	err := a.run("stop", label)
	if err != nil && isNotLoadedError(err) {
		return nil
	}
	return err
}

var listLinePattern = regexp.MustCompile(`^(-|\d+)\s+(-?\d+)\s+(.+)$`)

func (a *LaunchdAdapter) Status(label string) (Status, error) {
	out, err := exec.Command(a.launchctl, "list").Output()
	if err != nil {
		return Status{}, fmt.Errorf("launchctl list: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		m := listLinePattern.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil || m[3] != label {
			continue
		}
		status := Status{}
		if pid, err := strconv.Atoi(m[1]); err == nil {
			status.PID = pid
			status.Running = true
		}
		if code, err := strconv.Atoi(m[2]); err == nil {
			status.LastExitCode = code
		}
		return status, nil
	}
	return Status{}, nil
}

// WaitForStart polls Status every 500ms until the label is running or
// the timeout elapses.
func (a *LaunchdAdapter) WaitForStart(ctx context.Context, label string, timeout time.Duration) error {
	return pollUntil(ctx, timeout, func() (bool, error) {
		st, err := a.Status(label)
		if err != nil {
			return false, err
		}
		return st.Running, nil
	})
}

func (a *LaunchdAdapter) WaitForStop(ctx context.Context, label string, timeout time.Duration) error {
	return pollUntil(ctx, timeout, func() (bool, error) {
		st, err := a.Status(label)
		if err != nil {
			return false, err
		}
		return !st.Running, nil
	})
}

func pollUntil(ctx context.Context, timeout time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *LaunchdAdapter) run(args ...string) error {
	cmd := exec.Command(a.launchctl, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("launchctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func isNotLoadedError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find") || strings.Contains(msg, "no such process") || strings.Contains(msg, "not loaded")
}

// IsThrottled reports whether st represents launchd's throttled state,
// which callers recover from via unload + delete-unit + 1s settle +
// re-create rather than a plain restart.
func IsThrottled(st Status) bool {
	return !st.Running && st.LastExitCode == pollThrottledExitCode
}
