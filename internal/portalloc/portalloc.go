// Package portalloc issues ports from the reserved range, checking both
// persisted state and the OS for conflicts.
package portalloc

import (
	"fmt"
	"net"
	"time"

	"github.com/llamafleet/llamafleet/internal/apperr"
)

const (
	MinPort = 9000
	MaxPort = 9999
)

// UsedPortsSource is the seam the Allocator consumes; internal/store.Store
// satisfies it. Kept as an interface so tests can fake persisted state
// without standing up a real store.
type UsedPortsSource interface {
	GetUsedPorts() (map[int]bool, error)
}

type Allocator struct {
	source UsedPortsSource
}

func New(source UsedPortsSource) *Allocator {
	return &Allocator{source: source}
}

// Validate rejects ports outside the non-privileged TCP range.
func Validate(port int) error {
	if port < 1024 || port > 65535 {
		return apperr.Validation("port %d out of range [1024, 65535]", port)
	}
	return nil
}

// FindAvailable iterates [MinPort, MaxPort], skipping any port in the
// store's used-port set and confirming with an OS-level probe that
// nothing is already bound to it.
func (a *Allocator) FindAvailable() (int, error) {
	used, err := a.source.GetUsedPorts()
	if err != nil {
		return 0, fmt.Errorf("load used ports: %w", err)
	}

	for port := MinPort; port <= MaxPort; port++ {
		if used[port] {
			continue
		}
		if isBound(port) {
			continue
		}
		return port, nil
	}
	return 0, apperr.Conflict("NO_PORTS_AVAILABLE", "no available port in [%d, %d]", MinPort, MaxPort)
}

// isBound probes whether something is already listening on port.
func isBound(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ValidateForUpdate mirrors Validate but short-circuits when newPort
// equals the backend's current port, so an unchanged port never fails a
// config update.
func ValidateForUpdate(currentPort, newPort int) error {
	if newPort == currentPort {
		return nil
	}
	return Validate(newPort)
}
