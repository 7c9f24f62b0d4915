package ports

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"helmsman/pkg/logging"
)

const (
	// MaxKillAttempts bounds how many rounds of terminate-and-wait the
	// reconciler tries per reconcile call.
	MaxKillAttempts = 3

	// ReleaseTimeout bounds how long the reconciler waits for a port to be
	// released after its holder was signalled.
	ReleaseTimeout = 5 * time.Second

	releasePollInterval = 100 * time.Millisecond
)

// PrivilegedStopper stops the engine through the privileged background
// service. The reconciler falls back to it when it is not permitted to
// signal a port holder directly.
type PrivilegedStopper interface {
	StopEngine(ctx context.Context) error
}

// Reconciler frees the TCP ports the engine needs before a start. It only
// ever signals processes actually holding one of the requested ports.
type Reconciler struct {
	inspector      Inspector
	killer         Killer
	stopper        PrivilegedStopper // may be nil
	releaseTimeout time.Duration
}

// NewReconciler constructs a reconciler. stopper may be nil when no
// privileged service is available.
func NewReconciler(inspector Inspector, killer Killer, stopper PrivilegedStopper) *Reconciler {
	return &Reconciler{
		inspector:      inspector,
		killer:         killer,
		stopper:        stopper,
		releaseTimeout: ReleaseTimeout,
	}
}

// Reconcile attempts to free ports. It terminates holders gracefully and
// waits for the listeners to disappear, retrying up to MaxKillAttempts
// times. Reconcile never fails the caller over a stubborn port: when
// attempts are exhausted the remaining occupants are logged and the start
// proceeds, leaving the engine's own bind error to surface the conflict.
func (r *Reconciler) Reconcile(ctx context.Context, ports []int) error {
	if len(ports) == 0 {
		return nil
	}

	for attempt := 1; attempt <= MaxKillAttempts; attempt++ {
		occupants, err := r.inspector.Occupants(ports)
		if err != nil {
			return err
		}
		if len(occupants) == 0 {
			return nil
		}

		logging.Info("Ports", "Attempt %d/%d: %d process(es) holding required ports", attempt, MaxKillAttempts, len(occupants))

		usedPrivileged := false
		for _, occ := range occupants {
			if err := r.killer.Kill(occ.PID); err != nil {
				if IsPermissionDenied(err) && r.stopper != nil && !usedPrivileged {
					logging.Info("Ports", "Not permitted to stop %s (pid %d) on port %d, asking privileged service", occ.Name, occ.PID, occ.Port)
					if stopErr := r.stopper.StopEngine(ctx); stopErr != nil {
						logging.Error("Ports", stopErr, "Privileged stop failed for port %d", occ.Port)
					}
					usedPrivileged = true
					continue
				}
				logging.Error("Ports", err, "Failed to terminate %s (pid %d) on port %d", occ.Name, occ.PID, occ.Port)
			}
		}

		if err := r.waitAllReleased(ctx, ports); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timed out waiting, go around again.
			continue
		}
		return nil
	}

	// Exhausted. Report what is still in the way and let the start proceed.
	occupants, err := r.inspector.Occupants(ports)
	if err != nil {
		return err
	}
	for _, occ := range occupants {
		logging.Warn("Ports", "Port %d still held by %s (pid %d) after %d attempts, proceeding anyway", occ.Port, occ.Name, occ.PID, MaxKillAttempts)
	}
	return nil
}

// WaitReleased blocks until port is no longer held by any listener, or the
// release timeout elapses.
func (r *Reconciler) WaitReleased(ctx context.Context, port int) error {
	return r.waitReleased(ctx, port)
}

// WaitAllReleased waits for every port concurrently and returns the first
// failure.
func (r *Reconciler) WaitAllReleased(ctx context.Context, ports []int) error {
	return r.waitAllReleased(ctx, ports)
}

func (r *Reconciler) waitAllReleased(ctx context.Context, ports []int) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		port := port
		g.Go(func() error {
			return r.waitReleased(ctx, port)
		})
	}
	return g.Wait()
}

func (r *Reconciler) waitReleased(ctx context.Context, port int) error {
	deadline := time.Now().Add(r.releaseTimeout)
	ticker := time.NewTicker(releasePollInterval)
	defer ticker.Stop()

	for {
		occupants, err := r.inspector.Occupants([]int{port})
		if err != nil {
			return err
		}
		if len(occupants) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &releaseTimeoutError{port: port}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type releaseTimeoutError struct {
	port int
}

func (e *releaseTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for port %d to be released", e.port)
}
