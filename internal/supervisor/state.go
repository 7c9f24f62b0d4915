package supervisor

// State is the engine lifecycle state as tracked by the supervisor.
type State int

const (
	// StateStopped means no engine run is in progress. Starts are only
	// admitted from here.
	StateStopped State = iota

	// StateStarting covers spawn, readiness probing and validation.
	StateStarting

	// StateRunning means the engine is up and monitored.
	StateRunning

	// StateStopping covers teardown and port release.
	StateStopping

	// StateRestarting covers the stop half of a restart; a restart then
	// proceeds through StateStarting like any other start.
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// StartOutcome describes how a start attempt concluded.
type StartOutcome int

const (
	// OutcomeStarted means the engine came up with the configuration as
	// given.
	OutcomeStarted StartOutcome = iota

	// OutcomeOverridesDisabled means the engine only came up after the
	// user's configuration overrides were bypassed.
	OutcomeOverridesDisabled

	// OutcomeUsedDefaultConfig means the engine only came up after the
	// selected configuration file was abandoned for the built-in default.
	OutcomeUsedDefaultConfig

	// OutcomeFailed means the engine could not be started at all.
	OutcomeFailed
)

func (o StartOutcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeOverridesDisabled:
		return "started without overrides"
	case OutcomeUsedDefaultConfig:
		return "started with default config"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StartResult is what a start attempt hands back to the caller. Degraded
// outcomes are successes; callers that need to surface the degradation to
// the user inspect Outcome.
type StartResult struct {
	Outcome StartOutcome

	// Version is the engine version reported by the readiness probe, or
	// "unknown" when the probe budget ran out.
	Version string

	// Err is set only when Outcome is OutcomeFailed.
	Err error
}

// OK reports whether the engine is running, possibly degraded.
func (r StartResult) OK() bool {
	return r.Outcome != OutcomeFailed
}

func failedResult(err error) StartResult {
	return StartResult{Outcome: OutcomeFailed, Err: err}
}
