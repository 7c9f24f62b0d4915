package probe

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/engineapi"
)

// fakeAPI scripts the control API's answers per call.
type fakeAPI struct {
	mu          sync.Mutex
	versionErrs []error // consumed one per Version call
	version     string
	config      map[string]any
	configErr   error
	calls       int
}

func (f *fakeAPI) Version(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.versionErrs) > 0 {
		err := f.versionErrs[0]
		f.versionErrs = f.versionErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.version, nil
}

func (f *fakeAPI) GetConfig(ctx context.Context) (map[string]any, error) {
	return f.config, f.configErr
}

// refusedErr dials a closed port to get a genuine connection-refused error.
func refusedErr(t *testing.T) error {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
	require.True(t, engineapi.IsTransient(err), "dial error must classify as transient")
	return err
}

func TestWaitReadyImmediate(t *testing.T) {
	api := &fakeAPI{version: "1.18.0"}
	p := NewProber(api, 10, time.Millisecond)

	version, err := p.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.18.0", version)
	assert.Equal(t, 1, api.calls)
}

func TestWaitReadyAfterRetries(t *testing.T) {
	refused := refusedErr(t)
	api := &fakeAPI{
		versionErrs: []error{refused, refused, refused},
		version:     "1.18.0",
	}
	p := NewProber(api, 10, time.Millisecond)

	version, err := p.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.18.0", version)
	assert.Equal(t, 4, api.calls)
}

func TestWaitReadyBudgetExhausted(t *testing.T) {
	refused := refusedErr(t)
	errs := make([]error, 4)
	for i := range errs {
		errs[i] = refused
	}
	api := &fakeAPI{versionErrs: errs}
	p := NewProber(api, 3, time.Millisecond)

	version, err := p.WaitReady(context.Background())
	require.NoError(t, err, "an unanswered probe budget is not a start failure")
	assert.Equal(t, UnknownVersion, version)
	assert.Equal(t, 4, api.calls)
}

func TestWaitReadyGenuineError(t *testing.T) {
	api := &fakeAPI{versionErrs: []error{&engineapi.StatusError{Code: 401}}}
	p := NewProber(api, 10, time.Millisecond)

	_, err := p.WaitReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, api.calls, "genuine errors must not consume retries")
}

func TestWaitReadyCancelled(t *testing.T) {
	refused := refusedErr(t)
	api := &fakeAPI{versionErrs: []error{refused, refused, refused, refused}}
	p := NewProber(api, 10, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := p.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidate(t *testing.T) {
	v := NewValidator(&fakeAPI{config: map[string]any{"mode": "rule"}})
	assert.NoError(t, v.Validate(context.Background()))
}

func TestValidateEmptyConfig(t *testing.T) {
	v := NewValidator(&fakeAPI{config: map[string]any{}})
	assert.ErrorIs(t, v.Validate(context.Background()), ErrEmptyConfig)
}

func TestValidateQueryError(t *testing.T) {
	v := NewValidator(&fakeAPI{configErr: &engineapi.StatusError{Code: 500}})
	err := v.Validate(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyConfig)
}
