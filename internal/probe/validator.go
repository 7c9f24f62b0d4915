package probe

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyConfig means the engine answered the configuration query with
// nothing, which indicates it failed to load the configuration it was
// started with.
var ErrEmptyConfig = errors.New("engine reported an empty configuration")

// Validator checks, after the readiness probe, that the engine actually
// loaded a configuration. A running engine with an empty effective
// configuration is treated as a failed start so the fallback ladder can
// take over.
type Validator struct {
	api API
}

// NewValidator constructs a startup validator over api.
func NewValidator(api API) *Validator {
	return &Validator{api: api}
}

// Validate queries the engine's effective configuration and fails when it
// cannot be fetched or is empty.
func (v *Validator) Validate(ctx context.Context) error {
	cfg, err := v.api.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("startup validation failed: %w", err)
	}
	if len(cfg) == 0 {
		return ErrEmptyConfig
	}
	return nil
}
