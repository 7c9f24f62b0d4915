package supervisor

import (
	"context"
	"time"

	"helmsman/pkg/logging"
)

const (
	// reloadDebounce coalesces bursts of settings changes into one
	// engine reload.
	reloadDebounce = 300 * time.Millisecond

	reloadTimeout = 10 * time.Second
)

// ScheduleReload asks for the engine configuration to be regenerated and
// reloaded soon. Calls within the debounce window coalesce; only the last
// one fires. The reload is a no-op unless the engine is running with a
// known configuration file.
func (s *Supervisor) ScheduleReload(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.runningPath == "" {
		logging.Debug("Supervisor", "Ignoring reload request, engine not running with a configuration file")
		return
	}
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	logging.Debug("Supervisor", "Reload scheduled: %s", reason)
	s.reloadTimer = time.AfterFunc(s.reloadDebounce, s.fireReload)
}

func (s *Supervisor) fireReload() {
	s.mu.Lock()
	running := s.state == StateRunning
	path := s.runningPath
	withOverrides := !s.overridesDisabled
	s.mu.Unlock()

	if !running || path == "" {
		logging.Debug("Supervisor", "Skipping reload, engine not running with a configuration file")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	if s.generator != nil {
		generated, err := s.generator.Generate(ctx, s.cfg.Engine.ConfigPath, withOverrides)
		if err != nil {
			logging.Error("Supervisor", err, "Failed to regenerate engine configuration for reload")
			return
		}
		path = generated
		s.mu.Lock()
		s.runningPath = generated
		s.mu.Unlock()
	}

	if err := s.api.ReloadConfig(ctx, path, true); err != nil {
		logging.Error("Supervisor", err, "Engine configuration reload failed")
		return
	}
	logging.Info("Supervisor", "Engine configuration reloaded")
}
