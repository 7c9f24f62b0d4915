package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  binaryPath: /usr/local/bin/engine
  dataDir: /var/lib/helmsman
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIHost, cfg.Engine.API.Host)
	assert.Equal(t, DefaultAPIPort, cfg.Engine.API.Port)
	assert.Equal(t, DefaultMixedPort, cfg.Ports.Mixed)
	assert.Equal(t, ModeRule, cfg.Network.Mode)
	assert.Equal(t, DefaultSocketPath, cfg.Service.SocketPath)
	assert.Equal(t, DefaultProbeRetries, cfg.Probe.Retries)
}

func TestLoadExplicitValuesWin(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  binaryPath: /opt/engine
  dataDir: /opt/data
  api:
    host: localhost
    port: 19090
    secret: s3cr3t
ports:
  http: 8080
  socks: 1080
network:
  allowLan: true
  ipv6: true
  mode: global
  tun:
    enable: true
    stack: system
probe:
  retries: 3
  interval: 250ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Engine.API.Host)
	assert.Equal(t, 19090, cfg.Engine.API.Port)
	assert.Equal(t, "s3cr3t", cfg.Engine.API.Secret)
	assert.Equal(t, 8080, cfg.Ports.HTTP)
	assert.Equal(t, 1080, cfg.Ports.SOCKS)
	assert.Zero(t, cfg.Ports.Mixed, "mixed port default must not apply when explicit ports are set")
	assert.True(t, cfg.Network.AllowLAN)
	assert.True(t, cfg.Network.TUN.Enable)
	assert.Equal(t, ModeGlobal, cfg.Network.Mode)
	assert.Equal(t, 3, cfg.Probe.Retries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "engine: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Config{}
		cfg.Engine.BinaryPath = "/bin/engine"
		cfg.Engine.DataDir = "/data"
		ApplyDefaults(&cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing binary", func(c *Config) { c.Engine.BinaryPath = "" }, "engine.binaryPath"},
		{"missing data dir", func(c *Config) { c.Engine.DataDir = "" }, "engine.dataDir"},
		{"port out of range", func(c *Config) { c.Ports.HTTP = 70000 }, "ports.http"},
		{"api port collision", func(c *Config) { c.Ports.Mixed = c.Engine.API.Port }, "ports"},
		{"bad mode", func(c *Config) { c.Network.Mode = "chaos" }, "network.mode"},
		{"bad interval", func(c *Config) { c.Probe.Interval = "soon" }, "probe.interval"},
		{"negative retries", func(c *Config) { c.Probe.Retries = -1 }, "probe.retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestListenPorts(t *testing.T) {
	cfg := Config{}
	cfg.Engine.BinaryPath = "/bin/engine"
	cfg.Engine.DataDir = "/data"
	cfg.Ports.HTTP = 8080
	cfg.Ports.SOCKS = 1080
	ApplyDefaults(&cfg)

	assert.ElementsMatch(t, []int{8080, 1080, DefaultAPIPort}, cfg.ListenPorts())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Config{}
	cfg.Engine.BinaryPath = "/bin/engine"
	cfg.Engine.DataDir = "/data"
	ApplyDefaults(&cfg)

	path := filepath.Join(t.TempDir(), "sub", DefaultFileName)
	require.NoError(t, Save(&cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Engine.BinaryPath, loaded.Engine.BinaryPath)
	assert.Equal(t, cfg.Ports.Mixed, loaded.Ports.Mixed)
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	assert.Equal(t, DefaultFileName, DefaultPath(), "falls back to the working directory without a user config file")

	path := filepath.Join(dir, "helmsman", DefaultFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Equal(t, path, DefaultPath())
}
