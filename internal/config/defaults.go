package config

// Default values applied by ApplyDefaults when a field is unset.
const (
	DefaultAPIHost       = "127.0.0.1"
	DefaultAPIPort       = 9090
	DefaultMixedPort     = 7890
	DefaultMode          = ModeRule
	DefaultEngineLog     = "info"
	DefaultSocketPath    = "/run/helmsman/service.sock"
	DefaultUnitName      = "helmsman-engine.service"
	DefaultProbeRetries  = 10
	DefaultProbeInterval = "500ms"
	DefaultLogLevel      = "info"
)

// ApplyDefaults fills unset fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Engine.API.Host == "" {
		cfg.Engine.API.Host = DefaultAPIHost
	}
	if cfg.Engine.API.Port == 0 {
		cfg.Engine.API.Port = DefaultAPIPort
	}
	if cfg.Ports.HTTP == 0 && cfg.Ports.SOCKS == 0 && cfg.Ports.Mixed == 0 {
		cfg.Ports.Mixed = DefaultMixedPort
	}
	if cfg.Network.Mode == "" {
		cfg.Network.Mode = DefaultMode
	}
	if cfg.Network.LogLevel == "" {
		cfg.Network.LogLevel = DefaultEngineLog
	}
	if cfg.Service.SocketPath == "" {
		cfg.Service.SocketPath = DefaultSocketPath
	}
	if cfg.Service.UnitName == "" {
		cfg.Service.UnitName = DefaultUnitName
	}
	if cfg.Probe.Retries == 0 {
		cfg.Probe.Retries = DefaultProbeRetries
	}
	if cfg.Probe.Interval == "" {
		cfg.Probe.Interval = DefaultProbeInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}

// ListenPorts returns the engine listener ports plus the control API port,
// in the order they should be reconciled before a start.
func (c *Config) ListenPorts() []int {
	var ports []int
	for _, p := range []int{c.Ports.Mixed, c.Ports.HTTP, c.Ports.SOCKS, c.Engine.API.Port} {
		if p > 0 {
			ports = append(ports, p)
		}
	}
	return ports
}
