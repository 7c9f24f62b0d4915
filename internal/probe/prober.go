package probe

import (
	"context"
	"fmt"
	"time"

	"helmsman/internal/engineapi"
	"helmsman/pkg/logging"
)

// UnknownVersion is reported when the engine never answered the version
// probe within the retry budget.
const UnknownVersion = "unknown"

// API is the slice of the engine control API the probes need.
type API interface {
	Version(ctx context.Context) (string, error)
	GetConfig(ctx context.Context) (map[string]any, error)
}

// Prober polls the engine's control API after a start until it answers.
// Retries are bounded; a silent engine is reported as ready with an unknown
// version rather than failing the start.
type Prober struct {
	api      API
	retries  int
	interval time.Duration
}

// NewProber constructs a prober that polls api up to retries times with
// interval between attempts.
func NewProber(api API, retries int, interval time.Duration) *Prober {
	return &Prober{api: api, retries: retries, interval: interval}
}

// WaitReady polls the engine until it reports a version. Connection
// refusals and timeouts consume retries; any other probe error is returned
// immediately since it means the API answered but something is wrong.
// When the retry budget runs out without an answer, WaitReady returns
// UnknownVersion and no error.
func (p *Prober) WaitReady(ctx context.Context) (string, error) {
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.interval):
			}
		}

		version, err := p.api.Version(ctx)
		if err == nil {
			logging.Debug("Probe", "Engine ready after %d attempt(s), version %s", attempt+1, version)
			return version, nil
		}
		if !engineapi.IsTransient(err) {
			return "", fmt.Errorf("readiness probe failed: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	logging.Warn("Probe", "Engine did not answer after %d attempts, continuing with unknown version", p.retries+1)
	return UnknownVersion, nil
}
