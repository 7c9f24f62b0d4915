package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/ports"
	"helmsman/internal/probe"
	"helmsman/internal/transport"
	"helmsman/pkg/logging"
)

const (
	// heartbeatInterval is the period between service-mode heartbeats
	// once the engine is running.
	heartbeatInterval = 30 * time.Second

	// fallbackSettleDelay gives a failed engine time to die and release
	// its sockets before a fallback retry.
	fallbackSettleDelay = 500 * time.Millisecond
)

// EngineAPI is the slice of the engine control API the supervisor drives.
// *engineapi.Client satisfies it.
type EngineAPI interface {
	probe.API
	ReloadConfig(ctx context.Context, path string, force bool) error
	SetAllowLAN(ctx context.Context, allow bool) error
	SetIPv6(ctx context.Context, enable bool) error
	SetMode(ctx context.Context, mode string) error
	SetLogLevel(ctx context.Context, level string) error
	SetTUN(ctx context.Context, enable bool, stack, device string) error
}

// ConfigGenerator produces the engine configuration file for a start from
// the user's selected source configuration.
type ConfigGenerator interface {
	// Generate writes the effective engine configuration and returns its
	// path. An empty sourcePath means the engine's built-in defaults.
	// withOverrides controls whether user override snippets are applied.
	Generate(ctx context.Context, sourcePath string, withOverrides bool) (string, error)

	// HasOverrides reports whether any override snippets are active.
	HasOverrides() bool
}

// Detector decides whether the privileged background service is available.
type Detector interface {
	Installed(ctx context.Context) bool
}

// PortReconciler frees required listen ports before a start.
type PortReconciler interface {
	Reconcile(ctx context.Context, ports []int) error
}

// Monitor is an auxiliary watcher tied to a running engine. Registered
// monitors are stopped before the engine itself during a stop.
type Monitor interface {
	Stop()
}

// Options wires a Supervisor's collaborators. Config, Sidecar and API are
// required; everything else may be nil.
type Options struct {
	Config  *config.Config
	Sidecar transport.Transport
	Service transport.Transport
	API     EngineAPI

	Detector   Detector
	Reconciler PortReconciler
	Generator  ConfigGenerator

	// OnStateChange, when set, is called after every lifecycle state
	// change, outside the supervisor's lock.
	OnStateChange func(old, new State)

	// OnStartOutcome, when set, is called exactly once per start attempt
	// with its final result, including degraded outcomes.
	OnStartOutcome func(StartResult)
}

// Supervisor owns the engine's lifecycle: it decides how to run the engine,
// frees its ports, starts it, probes it ready, validates it, monitors it
// and stops it. All exported methods are safe for concurrent use.
type Supervisor struct {
	cfg       *config.Config
	sidecar   transport.Transport
	service   transport.Transport
	api       EngineAPI
	detector  Detector
	reconcile PortReconciler
	generator ConfigGenerator
	prober    *probe.Prober
	validator *probe.Validator

	// opMu serializes Start, Stop and Restart end to end. mu guards the
	// fields below and is never held across blocking work.
	opMu sync.Mutex
	mu   sync.Mutex

	state             State
	mode              transport.Mode
	modeKnown         bool
	actualPorts       []int
	version           string
	runningPath       string
	overridesDisabled bool
	fallbackDepth     int
	onStateChange func(old, new State)
	onOutcome     func(StartResult)
	monitors      []Monitor

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
	heartbeatEvery  time.Duration

	reloadTimer    *time.Timer
	reloadDebounce time.Duration

	settleDelay time.Duration
}

// New constructs a Supervisor from opts.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:            opts.Config,
		sidecar:        opts.Sidecar,
		service:        opts.Service,
		api:            opts.API,
		detector:       opts.Detector,
		reconcile:      opts.Reconciler,
		generator:      opts.Generator,
		onStateChange:  opts.OnStateChange,
		onOutcome:      opts.OnStartOutcome,
		state:          StateStopped,
		heartbeatEvery: heartbeatInterval,
		reloadDebounce: reloadDebounce,
		settleDelay:    fallbackSettleDelay,
	}
	s.prober = probe.NewProber(opts.API, opts.Config.Probe.Retries, opts.Config.ProbeInterval())
	s.validator = probe.NewValidator(opts.API)
	return s
}

// Start brings the engine up. It is admitted only from the stopped state;
// any other state fails immediately without touching the engine. A failed
// attempt walks the fallback ladder (overrides off, then default
// configuration) before giving up, and the supervisor is always back in the
// stopped state when Start reports failure.
func (s *Supervisor) Start(ctx context.Context) StartResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.transitionFrom(StateStopped, StateStarting, "start requested") {
		return failedResult(ErrNotStopped)
	}
	return s.runStart(ctx)
}

// Stop takes the engine down. Stopping an already-stopped supervisor
// succeeds without touching any transport; stopping from any transitional
// state is refused.
func (s *Supervisor) Stop(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.doStop(ctx, StateStopping)
}

// Restart stops and starts the engine. It is admitted only while running.
// The transport decision is made afresh for the new run.
func (s *Supervisor) Restart(ctx context.Context) StartResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.currentState() != StateRunning {
		return failedResult(ErrNotRunning)
	}
	if !s.doStop(ctx, StateRestarting) {
		return failedResult(fmt.Errorf("restart: engine did not stop cleanly"))
	}
	if !s.transitionFrom(StateStopped, StateStarting, "restart") {
		return failedResult(ErrNotStopped)
	}
	return s.runStart(ctx)
}

// SetMonitors registers the auxiliary monitors stopped ahead of the engine
// on every stop. It replaces any previous registration.
func (s *Supervisor) SetMonitors(monitors ...Monitor) {
	s.mu.Lock()
	s.monitors = monitors
	s.mu.Unlock()
}

// Close releases the supervisor's background resources. It does not stop a
// running engine.
func (s *Supervisor) Close() {
	s.stopHeartbeat()
	s.mu.Lock()
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
		s.reloadTimer = nil
	}
	s.mu.Unlock()
}

// EngineStatus is a snapshot of the supervised engine.
type EngineStatus struct {
	State      State
	Mode       string // empty until a transport has been chosen
	Version    string
	ConfigPath string
	Ports      []int
}

// Status returns a snapshot of the current run.
func (s *Supervisor) Status() EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := EngineStatus{
		State:      s.state,
		Version:    s.version,
		ConfigPath: s.runningPath,
		Ports:      append([]int(nil), s.actualPorts...),
	}
	if s.modeKnown {
		st.Mode = s.mode.String()
	}
	return st
}

// runStart executes a start from StateStarting, finishing in StateRunning
// or forcing the supervisor back to StateStopped.
func (s *Supervisor) runStart(ctx context.Context) (res StartResult) {
	defer func() {
		if res.OK() {
			s.setState(StateRunning, "engine up")
			s.startHeartbeat()
			s.applySettings(ctx)
		} else {
			s.clearRun()
			s.setState(StateStopped, "start failed")
		}
		s.mu.Lock()
		notify := s.onOutcome
		s.mu.Unlock()
		if notify != nil {
			notify(res)
		}
	}()
	res = s.startWithFallback(ctx)
	return res
}

// doStop performs the stop sequence via the given transitional state.
func (s *Supervisor) doStop(ctx context.Context, via State) bool {
	switch s.currentState() {
	case StateStopped:
		return true
	case StateRunning:
	default:
		return false
	}
	s.setState(via, "stop requested")

	// Monitoring goes down before the engine does, so its own misses
	// during teardown are not reported.
	s.stopHeartbeat()
	s.mu.Lock()
	monitors := s.monitors
	s.mu.Unlock()
	for _, m := range monitors {
		m.Stop()
	}

	s.mu.Lock()
	stopPorts := s.actualPorts
	mode := s.mode
	s.mu.Unlock()

	err := s.transportFor(mode).Stop(ctx, transport.StopSpec{ListenPorts: stopPorts})
	s.clearRun()
	s.setState(StateStopped, "engine down")
	if err != nil {
		logging.Error("Supervisor", err, "Engine stop did not complete cleanly")
		return false
	}
	logging.Info("Supervisor", "Engine stopped")
	return true
}

// attempt performs one full start attempt and leaves the engine running on
// success. On failure the engine is taken back down before returning.
func (s *Supervisor) attempt(ctx context.Context, sourcePath string, withOverrides bool) (string, error) {
	mode := s.decideMode(ctx)

	cfgPath := sourcePath
	if s.generator != nil {
		generated, err := s.generator.Generate(ctx, sourcePath, withOverrides)
		if err != nil {
			return "", fmt.Errorf("failed to generate engine configuration: %w", err)
		}
		cfgPath = generated
	}

	listenPorts := s.cfg.ListenPorts()
	if s.reconcile != nil {
		if err := s.reconcile.Reconcile(ctx, listenPorts); err != nil {
			logging.Warn("Supervisor", "Port reconciliation failed, starting anyway: %v", err)
		}
	}

	tr := s.transportFor(mode)
	spec := transport.StartSpec{
		BinaryPath: s.cfg.Engine.BinaryPath,
		ConfigPath: cfgPath,
		DataDir:    s.cfg.Engine.DataDir,
		APIAddress: net.JoinHostPort(s.cfg.Engine.API.Host, fmt.Sprintf("%d", s.cfg.Engine.API.Port)),
		APISecret:  s.cfg.Engine.API.Secret,
	}
	if err := tr.Start(ctx, spec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	version, err := s.prober.WaitReady(ctx)
	if err != nil {
		tr.Stop(ctx, transport.StopSpec{ListenPorts: listenPorts})
		return "", err
	}

	if err := s.validator.Validate(ctx); err != nil {
		tr.Stop(ctx, transport.StopSpec{ListenPorts: listenPorts})
		return "", fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	s.mu.Lock()
	s.actualPorts = listenPorts
	s.version = version
	s.runningPath = cfgPath
	// Remember whether this run bypassed the overrides, so a later reload
	// does not bring a broken override set back.
	s.overridesDisabled = !withOverrides
	s.mu.Unlock()

	logging.Info("Supervisor", "Engine up (version %s, %s transport)", version, mode)
	return version, nil
}

// decideMode picks the transport for this run. The decision is made once
// per run and cached until the next stop.
func (s *Supervisor) decideMode(ctx context.Context) transport.Mode {
	s.mu.Lock()
	if s.modeKnown {
		mode := s.mode
		s.mu.Unlock()
		return mode
	}
	s.mu.Unlock()

	mode := transport.ModeSidecar
	if s.service != nil && s.detector != nil && s.detector.Installed(ctx) {
		mode = transport.ModeService
	}

	s.mu.Lock()
	s.mode = mode
	s.modeKnown = true
	s.mu.Unlock()

	logging.Info("Supervisor", "Using %s transport for this run", mode)
	return mode
}

func (s *Supervisor) transportFor(mode transport.Mode) transport.Transport {
	if mode == transport.ModeService && s.service != nil {
		return s.service
	}
	return s.sidecar
}

// applySettings pushes the configured runtime toggles to the engine after
// it came up. Failures are logged, never fatal; a TUN refusal for lack of
// privileges is expected in sidecar mode and downgraded silently.
func (s *Supervisor) applySettings(ctx context.Context) {
	n := s.cfg.Network
	if err := s.api.SetMode(ctx, n.Mode); err != nil {
		logging.Warn("Supervisor", "Failed to set traffic mode %s: %v", n.Mode, err)
	}
	if err := s.api.SetAllowLAN(ctx, n.AllowLAN); err != nil {
		logging.Warn("Supervisor", "Failed to set allow-lan: %v", err)
	}
	if err := s.api.SetIPv6(ctx, n.IPv6); err != nil {
		logging.Warn("Supervisor", "Failed to set ipv6: %v", err)
	}
	if err := s.api.SetLogLevel(ctx, n.LogLevel); err != nil {
		logging.Warn("Supervisor", "Failed to set engine log level: %v", err)
	}
	if n.TUN.Enable {
		if err := s.api.SetTUN(ctx, true, n.TUN.Stack, n.TUN.Device); err != nil {
			if ports.IsPermissionDenied(err) {
				logging.Debug("Supervisor", "TUN needs elevation, continuing without it")
			} else {
				logging.Warn("Supervisor", "Failed to enable TUN: %v", err)
			}
		}
	}
}

func (s *Supervisor) startHeartbeat() {
	s.mu.Lock()
	if !s.modeKnown || s.mode != transport.ModeService || s.heartbeatCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.heartbeatCancel = cancel
	s.heartbeatDone = done
	s.mu.Unlock()

	go s.heartbeatLoop(ctx, done)
}

// heartbeatLoop beats once immediately and then on every tick. A miss only
// says the service did not answer in time; it never changes the lifecycle
// state.
func (s *Supervisor) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	beat := func() {
		if !s.service.Alive(ctx) && ctx.Err() == nil {
			logging.Warn("Supervisor", "Service heartbeat missed")
		}
	}
	beat()

	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (s *Supervisor) stopHeartbeat() {
	s.mu.Lock()
	cancel := s.heartbeatCancel
	done := s.heartbeatDone
	s.heartbeatCancel = nil
	s.heartbeatDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Supervisor) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState records a state change and fires the callback outside the lock.
func (s *Supervisor) setState(st State, reason string) {
	s.mu.Lock()
	old := s.state
	if old == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	cb := s.onStateChange
	s.mu.Unlock()

	logging.Debug("Supervisor", "State %s -> %s (%s)", old, st, reason)
	if cb != nil {
		cb(old, st)
	}
}

// transitionFrom moves from exactly `from` to `to`, reporting whether the
// transition was taken.
func (s *Supervisor) transitionFrom(from, to State, reason string) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	old := s.state
	s.state = to
	cb := s.onStateChange
	s.mu.Unlock()

	logging.Debug("Supervisor", "State %s -> %s (%s)", old, to, reason)
	if cb != nil {
		cb(old, to)
	}
	return true
}

func (s *Supervisor) clearRun() {
	s.mu.Lock()
	s.actualPorts = nil
	s.modeKnown = false
	s.version = ""
	s.runningPath = ""
	s.overridesDisabled = false
	s.mu.Unlock()
}
