package transport

import "context"

// Mode identifies how the engine process is run.
type Mode int

const (
	// ModeSidecar runs the engine as a direct child process.
	ModeSidecar Mode = iota

	// ModeService delegates the engine's lifetime to the installed
	// privileged background service.
	ModeService
)

func (m Mode) String() string {
	switch m {
	case ModeSidecar:
		return "sidecar"
	case ModeService:
		return "service"
	default:
		return "unknown"
	}
}

// StartSpec carries everything a transport needs to launch the engine.
type StartSpec struct {
	// BinaryPath is the engine executable.
	BinaryPath string

	// ConfigPath is the engine configuration file. Empty means the engine
	// starts on its built-in defaults.
	ConfigPath string

	// DataDir is the engine's working directory.
	DataDir string

	// APIAddress is the host:port the engine's control API must bind.
	APIAddress string

	// APISecret is the control API bearer secret, if any.
	APISecret string
}

// StopSpec carries what a transport needs to stop the engine cleanly.
type StopSpec struct {
	// ListenPorts are the ports the engine was holding. Transports that
	// can wait for release do so before reporting a successful stop.
	ListenPorts []int
}

// Transport runs and stops the engine process one way or another.
type Transport interface {
	// Start launches the engine. It returns once the process is spawned
	// (or the service acknowledged the start), not once the engine is
	// ready to serve.
	Start(ctx context.Context, spec StartSpec) error

	// Stop terminates the engine and waits for it to let go of its
	// resources.
	Stop(ctx context.Context, spec StopSpec) error

	// Alive reports whether the engine process is believed to still be
	// running under this transport.
	Alive(ctx context.Context) bool
}
