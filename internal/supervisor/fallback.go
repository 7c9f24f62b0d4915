package supervisor

import (
	"context"
	"time"

	"helmsman/internal/transport"
	"helmsman/pkg/logging"
)

// startWithFallback runs the fallback ladder: the configuration as given,
// then with overrides bypassed, then the engine's built-in defaults. Each
// degraded success carries its outcome so the caller can tell the user what
// they ended up running. A failure of the final rung is terminal.
func (s *Supervisor) startWithFallback(ctx context.Context) StartResult {
	sourcePath := s.cfg.Engine.ConfigPath

	version, err := s.attempt(ctx, sourcePath, true)
	if err == nil {
		return StartResult{Outcome: OutcomeStarted, Version: version}
	}
	logging.Error("Supervisor", err, "Engine start failed")

	if !s.enterFallback() {
		return failedResult(err)
	}
	defer s.leaveFallback()

	if s.generator != nil && s.generator.HasOverrides() {
		s.settleAfterFailure(ctx)
		logging.Info("Supervisor", "Retrying start with configuration overrides disabled")
		version, retryErr := s.attempt(ctx, sourcePath, false)
		if retryErr == nil {
			return StartResult{Outcome: OutcomeOverridesDisabled, Version: version}
		}
		logging.Error("Supervisor", retryErr, "Start without overrides failed")
		err = retryErr
	}

	if sourcePath != "" {
		s.settleAfterFailure(ctx)
		logging.Info("Supervisor", "Retrying start with the engine's default configuration")
		s.clearConfigPath()
		version, retryErr := s.attempt(ctx, "", false)
		if retryErr == nil {
			return StartResult{Outcome: OutcomeUsedDefaultConfig, Version: version}
		}
		logging.Error("Supervisor", retryErr, "Start with default configuration failed, giving up")
		return failedResult(retryErr)
	}

	return failedResult(err)
}

// enterFallback admits at most one level of fallback at a time. A start
// already inside the ladder must not recurse into it.
func (s *Supervisor) enterFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackDepth >= 1 {
		return false
	}
	s.fallbackDepth++
	return true
}

func (s *Supervisor) leaveFallback() {
	s.mu.Lock()
	if s.fallbackDepth > 0 {
		s.fallbackDepth--
	}
	s.mu.Unlock()
}

// settleAfterFailure makes sure the failed attempt's engine is gone and
// gives the system a moment before the next rung binds the same ports.
func (s *Supervisor) settleAfterFailure(ctx context.Context) {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	if err := s.transportFor(mode).Stop(ctx, transport.StopSpec{ListenPorts: s.cfg.ListenPorts()}); err != nil {
		logging.Debug("Supervisor", "Cleanup stop before retry failed: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(s.settleDelay):
	}
}

// clearConfigPath abandons the selected source configuration so future
// starts use the engine's defaults too.
func (s *Supervisor) clearConfigPath() {
	logging.Warn("Supervisor", "Abandoning configuration file %s", s.cfg.Engine.ConfigPath)
	s.cfg.Engine.ConfigPath = ""
}
