package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"helmsman/pkg/logging"
)

// RuntimeFileName is the generated engine configuration file name.
const RuntimeFileName = "runtime.yaml"

// Generator produces the effective engine configuration for a start. It
// merges, in order: the user's source configuration file, the managed
// settings (ports, control API, network toggles), and any override snippets
// from the overrides directory. Later layers win key by key.
type Generator struct {
	cfg          *Config
	outDir       string
	overridesDir string
}

// NewGenerator creates a generator writing into outDir. overridesDir may be
// empty or missing; then no overrides apply.
func NewGenerator(cfg *Config, outDir, overridesDir string) *Generator {
	return &Generator{
		cfg:          cfg,
		outDir:       outDir,
		overridesDir: overridesDir,
	}
}

// HasOverrides reports whether any override snippets are present.
func (g *Generator) HasOverrides() bool {
	return len(g.overrideFiles()) > 0
}

// Generate writes the effective engine configuration and returns its path.
// An empty sourcePath produces a configuration from the managed settings
// alone.
func (g *Generator) Generate(ctx context.Context, sourcePath string, withOverrides bool) (string, error) {
	doc := map[string]any{}

	if sourcePath != "" {
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			return "", fmt.Errorf("failed to read source configuration %s: %w", sourcePath, err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("failed to parse source configuration %s: %w", sourcePath, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	g.applyManagedSettings(doc)

	if withOverrides {
		for _, path := range g.overrideFiles() {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if err := applyOverrideFile(doc, path); err != nil {
				return "", err
			}
			logging.Debug("Generator", "Applied override %s", filepath.Base(path))
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal engine configuration: %w", err)
	}

	if err := os.MkdirAll(g.outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", g.outDir, err)
	}
	target := filepath.Join(g.outDir, RuntimeFileName)
	if err := os.WriteFile(target, out, 0o644); err != nil {
		return "", fmt.Errorf("failed to write engine configuration %s: %w", target, err)
	}
	return target, nil
}

// applyManagedSettings forces the keys helmsman owns, regardless of what the
// source configuration says. The engine must come up on the ports and API
// address the supervisor is going to probe.
func (g *Generator) applyManagedSettings(doc map[string]any) {
	cfg := g.cfg

	delete(doc, "port")
	delete(doc, "socks-port")
	delete(doc, "mixed-port")
	if cfg.Ports.Mixed != 0 {
		doc["mixed-port"] = cfg.Ports.Mixed
	}
	if cfg.Ports.HTTP != 0 {
		doc["port"] = cfg.Ports.HTTP
	}
	if cfg.Ports.SOCKS != 0 {
		doc["socks-port"] = cfg.Ports.SOCKS
	}

	doc["external-controller"] = fmt.Sprintf("%s:%d", cfg.Engine.API.Host, cfg.Engine.API.Port)
	if cfg.Engine.API.Secret != "" {
		doc["secret"] = cfg.Engine.API.Secret
	}

	doc["allow-lan"] = cfg.Network.AllowLAN
	doc["ipv6"] = cfg.Network.IPv6
	doc["mode"] = cfg.Network.Mode
	doc["log-level"] = cfg.Network.LogLevel

	// The DNS toggle is managed too, but the rest of the dns section stays
	// whatever the source configuration says.
	if dns, ok := doc["dns"].(map[string]any); ok {
		dns["enable"] = cfg.Network.DNS
	} else {
		doc["dns"] = map[string]any{"enable": cfg.Network.DNS}
	}

	if cfg.Network.TUN.Enable {
		tun := map[string]any{"enable": true}
		if cfg.Network.TUN.Stack != "" {
			tun["stack"] = cfg.Network.TUN.Stack
		}
		if cfg.Network.TUN.Device != "" {
			tun["device"] = cfg.Network.TUN.Device
		}
		doc["tun"] = tun
	}
}

// overrideFiles lists the override snippets in lexical order, so users can
// control precedence with file name prefixes.
func (g *Generator) overrideFiles() []string {
	if g.overridesDir == "" {
		return nil
	}
	entries, err := os.ReadDir(g.overridesDir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(g.overridesDir, name))
		}
	}
	sort.Strings(files)
	return files
}

func applyOverrideFile(doc map[string]any, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read override %s: %w", path, err)
	}
	var patch map[string]any
	if err := yaml.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("failed to parse override %s: %w", path, err)
	}
	mergeInto(doc, patch)
	return nil
}

// mergeInto merges patch into doc. Maps merge recursively, everything else
// replaces.
func mergeInto(doc, patch map[string]any) {
	for key, value := range patch {
		if patchMap, ok := value.(map[string]any); ok {
			if docMap, ok := doc[key].(map[string]any); ok {
				mergeInto(docMap, patchMap)
				continue
			}
		}
		doc[key] = value
	}
}
