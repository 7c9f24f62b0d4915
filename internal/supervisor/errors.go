package supervisor

import "errors"

var (
	// ErrNotStopped is returned when a start is requested while a run is
	// already in progress.
	ErrNotStopped = errors.New("engine start requires the stopped state")

	// ErrNotRunning is returned when a restart is requested while the
	// engine is not running.
	ErrNotRunning = errors.New("engine is not running")

	// ErrSpawnFailed wraps transport failures launching the engine.
	ErrSpawnFailed = errors.New("failed to launch engine")

	// ErrValidationFailed wraps startup validation failures that drive
	// the fallback ladder.
	ErrValidationFailed = errors.New("engine startup validation failed")
)
