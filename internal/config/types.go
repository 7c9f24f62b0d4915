package config

// Config is the top-level configuration structure for helmsman.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Ports   PortsConfig   `yaml:"ports"`
	Network NetworkConfig `yaml:"network"`
	Service ServiceConfig `yaml:"service"`
	Probe   ProbeConfig   `yaml:"probe"`
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig describes the externally supplied proxy engine binary and the
// control API it exposes once running.
type EngineConfig struct {
	// BinaryPath is the path to the engine executable.
	BinaryPath string `yaml:"binaryPath"`

	// DataDir is the engine's working directory (GeoIP databases, caches).
	DataDir string `yaml:"dataDir"`

	// ConfigPath is the user-selected source configuration passed to the
	// engine. Empty means the engine's built-in defaults are used.
	ConfigPath string `yaml:"configPath,omitempty"`

	API ControlAPIConfig `yaml:"api"`
}

// ControlAPIConfig locates the engine's local control API.
type ControlAPIConfig struct {
	Host   string `yaml:"host,omitempty"`   // default: 127.0.0.1
	Port   int    `yaml:"port,omitempty"`   // default: 9090
	Secret string `yaml:"secret,omitempty"` // bearer secret, optional
}

// PortsConfig lists the listener ports the engine will bind.
type PortsConfig struct {
	HTTP  int `yaml:"http,omitempty"`
	SOCKS int `yaml:"socks,omitempty"`
	Mixed int `yaml:"mixed,omitempty"`
}

// NetworkConfig holds the configuration-affecting runtime toggles. Each of
// these requires a full engine configuration reload when changed.
type NetworkConfig struct {
	AllowLAN bool      `yaml:"allowLan,omitempty"`
	IPv6     bool      `yaml:"ipv6,omitempty"`
	DNS      bool      `yaml:"dns,omitempty"`
	Mode     string    `yaml:"mode,omitempty"`     // rule, global or direct
	LogLevel string    `yaml:"logLevel,omitempty"` // engine-side log level
	TUN      TunConfig `yaml:"tun,omitempty"`
}

// TunConfig describes the optional TUN device. Enabling it requires elevated
// rights or an installed privileged service; without either it is silently
// downgraded at start time.
type TunConfig struct {
	Enable bool   `yaml:"enable,omitempty"`
	Stack  string `yaml:"stack,omitempty"`
	Device string `yaml:"device,omitempty"`
}

// ServiceConfig locates the already-installed privileged background service.
// The supervisor never installs it; it only talks to it.
type ServiceConfig struct {
	// SocketPath is the unix socket of the service's IPC endpoint.
	SocketPath string `yaml:"socketPath,omitempty"`

	// UnitName is the systemd unit queried to decide whether Service mode
	// is available.
	UnitName string `yaml:"unitName,omitempty"`
}

// ProbeConfig bounds the post-start readiness polling.
type ProbeConfig struct {
	Retries  int    `yaml:"retries,omitempty"`
	Interval string `yaml:"interval,omitempty"` // Go duration string
}

// LoggingConfig configures helmsman's own logging.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Valid engine traffic modes.
const (
	ModeRule   = "rule"
	ModeGlobal = "global"
	ModeDirect = "direct"
)
