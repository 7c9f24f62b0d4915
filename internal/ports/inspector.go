package ports

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"helmsman/pkg/logging"
)

// Occupant identifies a process holding a TCP listener.
type Occupant struct {
	PID  int32
	Port int
	Name string
}

// Inspector reports which processes hold the given TCP listen ports.
type Inspector interface {
	// Occupants returns one entry per (pid, port) pair found listening on
	// any of ports. Ports with no listener are simply absent from the
	// result.
	Occupants(ports []int) ([]Occupant, error)
}

// Killer terminates a process by pid. Implementations return an error
// satisfying IsPermissionDenied when the caller lacks the rights to signal
// the process.
type Killer interface {
	Kill(pid int32) error
}

// SystemInspector inspects the host's TCP table.
type SystemInspector struct{}

// Occupants queries the full TCP connection table once and filters it
// against ports, so reconciling several ports costs a single system query.
func (SystemInspector) Occupants(ports []int) ([]Occupant, error) {
	if len(ports) == 0 {
		return nil, nil
	}

	conns, err := gnet.Connections("tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to list tcp connections: %w", err)
	}

	wanted := make(map[int]bool, len(ports))
	for _, p := range ports {
		wanted[p] = true
	}

	seen := make(map[[2]int32]bool)
	var occupants []Occupant
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Pid == 0 {
			continue
		}
		port := int(conn.Laddr.Port)
		if !wanted[port] {
			continue
		}
		key := [2]int32{conn.Pid, int32(port)}
		if seen[key] {
			continue
		}
		seen[key] = true
		occupants = append(occupants, Occupant{
			PID:  conn.Pid,
			Port: port,
			Name: processName(conn.Pid),
		})
	}
	return occupants, nil
}

func processName(pid int32) string {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := proc.Name()
	if err != nil {
		return ""
	}
	return name
}

// SystemKiller terminates processes with SIGTERM.
type SystemKiller struct{}

func (SystemKiller) Kill(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := proc.Terminate(); err != nil {
		if isPermissionErr(err) {
			return &permissionError{pid: pid, err: err}
		}
		return fmt.Errorf("failed to terminate pid %d: %w", pid, err)
	}
	logging.Debug("Ports", "Sent SIGTERM to pid %d", pid)
	return nil
}

type permissionError struct {
	pid int32
	err error
}

func (e *permissionError) Error() string {
	return fmt.Sprintf("not permitted to terminate pid %d: %v", e.pid, e.err)
}

func (e *permissionError) Unwrap() error { return e.err }

// IsPermissionDenied reports whether err means the kill was refused for lack
// of privileges rather than any other failure.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	var permErr *permissionError
	if errors.As(err, &permErr) {
		return true
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission denied") ||
		strings.Contains(strings.ToLower(err.Error()), "operation not permitted")
}

func isPermissionErr(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) ||
		strings.Contains(strings.ToLower(err.Error()), "permission denied") ||
		strings.Contains(strings.ToLower(err.Error()), "operation not permitted")
}
