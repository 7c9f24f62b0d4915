package config

import "time"

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// Validate checks the configuration for internal consistency. It assumes
// defaults have already been applied.
func (c *Config) Validate() error {
	if c.Engine.BinaryPath == "" {
		return invalidField("engine.binaryPath", "must be set")
	}
	if c.Engine.DataDir == "" {
		return invalidField("engine.dataDir", "must be set")
	}

	if !validPort(c.Engine.API.Port) || c.Engine.API.Port == 0 {
		return invalidField("engine.api.port", "must be in 1-65535, got %d", c.Engine.API.Port)
	}
	for _, port := range []struct {
		field string
		value int
	}{
		{"ports.http", c.Ports.HTTP},
		{"ports.socks", c.Ports.SOCKS},
		{"ports.mixed", c.Ports.Mixed},
	} {
		if !validPort(port.value) {
			return invalidField(port.field, "must be in 0-65535, got %d", port.value)
		}
	}

	// The engine cannot share a listener port with its own control API.
	for _, p := range []int{c.Ports.HTTP, c.Ports.SOCKS, c.Ports.Mixed} {
		if p != 0 && p == c.Engine.API.Port {
			return invalidField("ports", "listener port %d collides with engine.api.port", p)
		}
	}

	switch c.Network.Mode {
	case ModeRule, ModeGlobal, ModeDirect:
	default:
		return invalidField("network.mode", "must be one of rule, global, direct; got %q", c.Network.Mode)
	}

	if c.Probe.Retries < 0 {
		return invalidField("probe.retries", "must be >= 0, got %d", c.Probe.Retries)
	}
	if _, err := time.ParseDuration(c.Probe.Interval); err != nil {
		return invalidField("probe.interval", "not a valid duration: %q", c.Probe.Interval)
	}

	return nil
}

// ProbeInterval returns the parsed readiness-probe interval. Validate must
// have succeeded before calling this.
func (c *Config) ProbeInterval() time.Duration {
	d, err := time.ParseDuration(c.Probe.Interval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}
