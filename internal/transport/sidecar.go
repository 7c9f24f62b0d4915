package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"helmsman/pkg/logging"
)

const (
	// sidecarStopTimeout bounds how long Stop waits for the child to exit
	// after SIGTERM before escalating to SIGKILL.
	sidecarStopTimeout = 10 * time.Second

	sidecarKillWait = 2 * time.Second
)

// PortWaiter waits for TCP ports to be released after the holder exits.
type PortWaiter interface {
	WaitAllReleased(ctx context.Context, ports []int) error
}

// Sidecar runs the engine as a direct child process of the supervisor. The
// child is placed in its own process group so signals reach the whole tree.
type Sidecar struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}

	waiter PortWaiter // may be nil
}

// NewSidecar constructs a sidecar transport. waiter may be nil, in which
// case Stop does not wait for port release.
func NewSidecar(waiter PortWaiter) *Sidecar {
	return &Sidecar{waiter: waiter}
}

// Start spawns the engine child process and begins streaming its output to
// the log. It fails if a child is already running.
func (s *Sidecar) Start(ctx context.Context, spec StartSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		select {
		case <-s.exited:
		default:
			return fmt.Errorf("engine child already running (pid %d)", s.cmd.Process.Pid)
		}
	}

	args := []string{"-d", spec.DataDir}
	if spec.ConfigPath != "" {
		args = append(args, "-f", spec.ConfigPath)
	}
	if spec.APIAddress != "" {
		args = append(args, "-ext-ctl", spec.APIAddress)
	}
	if spec.APISecret != "" {
		args = append(args, "-secret", spec.APISecret)
	}

	cmd := exec.Command(spec.BinaryPath, args...)
	cmd.Dir = spec.DataDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe engine stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine %s: %w", spec.BinaryPath, err)
	}

	logging.Info("Sidecar", "Started engine %s (pid %d)", spec.BinaryPath, cmd.Process.Pid)

	go streamOutput("engine stdout", stdout)
	go streamOutput("engine stderr", stderr)

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	go func() {
		err := cmd.Wait()
		close(exited)
		if err != nil {
			logging.Info("Sidecar", "Engine (pid %d) exited: %v", cmd.Process.Pid, err)
		} else {
			logging.Debug("Sidecar", "Engine (pid %d) exited cleanly", cmd.Process.Pid)
		}
	}()

	return nil
}

// Stop terminates the child gracefully, escalating to SIGKILL after the
// stop timeout, and then waits for the engine's listen ports to be
// released. Stopping an already-stopped sidecar is a no-op.
func (s *Sidecar) Stop(ctx context.Context, spec StopSpec) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	alive := true
	select {
	case <-exited:
		alive = false
	default:
	}

	if alive {
		pid := cmd.Process.Pid
		// Signal the whole process group.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			logging.Debug("Sidecar", "SIGTERM to pgid %d failed, signalling pid: %v", pid, err)
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logging.Debug("Sidecar", "SIGTERM to pid %d failed: %v", pid, err)
			}
		}

		select {
		case <-exited:
		case <-time.After(sidecarStopTimeout):
			logging.Warn("Sidecar", "Engine (pid %d) did not exit within %s, sending SIGKILL", pid, sidecarStopTimeout)
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
				cmd.Process.Kill()
			}
			select {
			case <-exited:
			case <-time.After(sidecarKillWait):
				return fmt.Errorf("engine (pid %d) survived SIGKILL", pid)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.waiter != nil && len(spec.ListenPorts) > 0 {
		if err := s.waiter.WaitAllReleased(ctx, spec.ListenPorts); err != nil {
			logging.Warn("Sidecar", "Engine stopped but ports not confirmed released: %v", err)
		}
	}
	return nil
}

// Alive reports whether the child process is still running.
func (s *Sidecar) Alive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func streamOutput(label string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.Debug("Sidecar", "%s: %s", label, scanner.Text())
	}
}
