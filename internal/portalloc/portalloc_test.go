package portalloc

import (
	"net"
	"testing"
)

type fakeSource struct {
	used map[int]bool
}

func (f fakeSource) GetUsedPorts() (map[int]bool, error) { return f.used, nil }

func TestFindAvailable_SkipsUsedPorts(t *testing.T) {
	a := New(fakeSource{used: map[int]bool{MinPort: true, MinPort + 1: true}})
	port, err := a.FindAvailable()
	if err != nil {
		t.Fatalf("FindAvailable() error = %v", err)
	}
	if port != MinPort+2 {
		t.Errorf("port = %d, want %d", port, MinPort+2)
	}
}

func TestFindAvailable_SkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind a test listener: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	if port < MinPort || port > MaxPort {
		t.Skip("ephemeral port fell outside the reserved range")
	}

	a := New(fakeSource{used: map[int]bool{}})
	got, err := a.FindAvailable()
	if err != nil {
		t.Fatalf("FindAvailable() error = %v", err)
	}
	if got == port {
		t.Errorf("FindAvailable returned a bound port: %d", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(80); err == nil {
		t.Error("expected error for port below 1024")
	}
	if err := Validate(70000); err == nil {
		t.Error("expected error for port above 65535")
	}
	if err := Validate(9000); err != nil {
		t.Errorf("Validate(9000) error = %v", err)
	}
}

func TestValidateForUpdate_SameCurrentPortShortCircuits(t *testing.T) {
	if err := ValidateForUpdate(80, 80); err != nil {
		t.Errorf("unchanged invalid port should short-circuit, got %v", err)
	}
	if err := ValidateForUpdate(9000, 80); err == nil {
		t.Error("changing to an invalid port should still validate")
	}
}
