package supervisor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyThenGood makes the startup validator fail n times before passing.
func emptyThenGood(n int) []map[string]any {
	configs := make([]map[string]any, 0, n+1)
	for i := 0; i < n; i++ {
		configs = append(configs, map[string]any{})
	}
	return append(configs, map[string]any{"mode": "rule"})
}

func alwaysEmpty() []map[string]any {
	return []map[string]any{{}}
}

func TestFallbackDisablesOverrides(t *testing.T) {
	gen := &fakeGenerator{overrides: true}
	rig := newTestRig(t, func(r *testRig) {
		r.api.configs = emptyThenGood(1)
	})
	rig.sup.generator = gen

	res := rig.sup.Start(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, OutcomeOverridesDisabled, res.Outcome)
	assert.Equal(t, StateRunning, rig.sup.Status().State)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.calls, 2)
	assert.Equal(t, "/etc/helmsman/source.yaml|true", gen.calls[0])
	assert.Equal(t, "/etc/helmsman/source.yaml|false", gen.calls[1])

	// The failed attempt's engine was taken down before the retry.
	assert.GreaterOrEqual(t, rig.sidecar.stopCount(), 1)
}

func TestFallbackSkipsOverrideRungWithoutOverrides(t *testing.T) {
	gen := &fakeGenerator{overrides: false}
	rig := newTestRig(t, func(r *testRig) {
		r.api.configs = emptyThenGood(1)
	})
	rig.sup.generator = gen

	res := rig.sup.Start(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, OutcomeUsedDefaultConfig, res.Outcome)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.calls, 2)
	assert.Equal(t, "|false", gen.calls[1], "the default-config rung starts from an empty source")
}

func TestFallbackToDefaultConfig(t *testing.T) {
	gen := &fakeGenerator{overrides: true}
	rig := newTestRig(t, func(r *testRig) {
		r.api.configs = emptyThenGood(2)
	})
	rig.sup.generator = gen

	res := rig.sup.Start(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, OutcomeUsedDefaultConfig, res.Outcome)
	assert.Empty(t, rig.cfg.Engine.ConfigPath, "the abandoned source path must be cleared")

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.calls, 3)
	assert.Equal(t, "|false", gen.calls[2])
}

func TestFallbackExhausted(t *testing.T) {
	rig := newTestRig(t, func(r *testRig) {
		r.api.configs = alwaysEmpty()
	})

	res := rig.sup.Start(context.Background())
	assert.False(t, res.OK())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrValidationFailed)
	assert.Equal(t, StateStopped, rig.sup.Status().State, "a failed start must land back in stopped")
	assert.Empty(t, rig.cfg.Engine.ConfigPath)

	// As-given plus the default-config rung; no override rung without a
	// generator.
	assert.Equal(t, 2, rig.sidecar.startCount())

	// A later start is admitted again.
	rig.api.mu.Lock()
	rig.api.configs = nil
	rig.api.mu.Unlock()
	assert.True(t, rig.sup.Start(context.Background()).OK())
}

func TestFallbackNotEnteredWithoutRungs(t *testing.T) {
	rig := newTestRig(t, func(r *testRig) {
		r.cfg.Engine.ConfigPath = ""
		r.api.configs = alwaysEmpty()
	})

	res := rig.sup.Start(context.Background())
	assert.False(t, res.OK())
	assert.Equal(t, 1, rig.sidecar.startCount(), "no rung applies, so only the original attempt runs")
}

func TestSpawnFailureWalksLadder(t *testing.T) {
	spawnErr := fmt.Errorf("exec format error")
	rig := newTestRig(t, func(r *testRig) {
		r.sidecar.startErrs = []error{spawnErr, spawnErr}
	})

	res := rig.sup.Start(context.Background())
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrSpawnFailed)
	assert.Equal(t, StateStopped, rig.sup.Status().State)
	assert.Equal(t, 2, rig.sidecar.startCount())
}

func TestFallbackDepthGuard(t *testing.T) {
	rig := newTestRig(t, func(r *testRig) {
		r.api.configs = alwaysEmpty()
	})

	require.True(t, rig.sup.enterFallback())
	assert.False(t, rig.sup.enterFallback(), "nested fallback must be refused")
	rig.sup.leaveFallback()
	assert.True(t, rig.sup.enterFallback())
	rig.sup.leaveFallback()

	// The ladder releases the guard on failure exits too.
	assert.False(t, rig.sup.Start(context.Background()).OK())
	assert.True(t, rig.sup.enterFallback())
	rig.sup.leaveFallback()
}

// failingGenerator fails whenever a source file is involved.
type failingGenerator struct {
	fakeGenerator
}

func (f *failingGenerator) Generate(ctx context.Context, sourcePath string, withOverrides bool) (string, error) {
	if sourcePath != "" {
		return "", fmt.Errorf("source file is not parseable")
	}
	return f.fakeGenerator.Generate(ctx, sourcePath, withOverrides)
}

func TestGenerationFailureFallsBackToDefaultConfig(t *testing.T) {
	gen := &failingGenerator{}
	rig := newTestRig(t, nil)
	rig.sup.generator = gen

	res := rig.sup.Start(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, OutcomeUsedDefaultConfig, res.Outcome)
	assert.Empty(t, rig.cfg.Engine.ConfigPath)
	assert.Equal(t, 1, rig.sidecar.startCount(), "only the default-config rung reaches the transport")
}
