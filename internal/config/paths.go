package config

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultBaseDir = ".agentcron"

// Paths holds resolved filesystem paths for agentcron data.
type Paths struct {
	Base     string // ~/.agentcron
	Config   string // ~/.agentcron/config.yaml
	Agents   string // ~/.agentcron/agents.yaml
	Tools    string // ~/.agentcron/tools.yaml
	Models   string // ~/.agentcron/models.yaml
	Identity string // ~/.agentcron/identity.txt
	Data     string // ~/.agentcron/data
	Logs     string // ~/.agentcron/logs
}

// ResolvePaths computes all standard paths from the home directory.
// If AGENTCRON_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("AGENTCRON_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:     base,
		Config:   filepath.Join(base, "config.yaml"),
		Agents:   filepath.Join(base, "agents.yaml"),
		Tools:    filepath.Join(base, "tools.yaml"),
		Models:   filepath.Join(base, "models.yaml"),
		Identity: filepath.Join(base, "identity.txt"),
		Data:     filepath.Join(base, "data"),
		Logs:     filepath.Join(base, "logs"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data, p.Logs} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// Apply overlays the file and store locations from cfg. Relative overrides
// resolve against the base directory.
func (p Paths) Apply(cfg Config) Paths {
	resolve := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		if filepath.IsAbs(v) {
			return v
		}
		return filepath.Join(p.Base, v)
	}
	p.Agents = resolve(cfg.Files.Agents, p.Agents)
	p.Tools = resolve(cfg.Files.Tools, p.Tools)
	p.Models = resolve(cfg.Files.Models, p.Models)
	p.Identity = resolve(cfg.Secrets.IdentityFile, p.Identity)
	return p
}

// Database returns the ledger database path for cfg.
func (p Paths) Database(cfg Config) string {
	if cfg.Store.Path == "" {
		return filepath.Join(p.Data, "agentcron.db")
	}
	if cfg.Store.Path == ":memory:" || filepath.IsAbs(cfg.Store.Path) {
		return cfg.Store.Path
	}
	return filepath.Join(p.Base, cfg.Store.Path)
}

// Documents lists the reloadable document paths.
func (p Paths) Documents() []string {
	return []string{p.Agents, p.Tools, p.Models}
}

// blockedKeys are keys that must never appear in config paths.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// ParseConfigPath splits a dot-separated config path into segments.
// Returns an error if any segment is blocked or empty.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if blockedKeys[p] {
			return nil, &ConfigError{Message: "config path contains blocked key: " + p}
		}
	}
	return parts, nil
}

// GetValueAtPath traverses a nested map using the given path segments.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	current := any(root)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetValueAtPath sets a value in a nested map, creating intermediate maps as needed.
func SetValueAtPath(root map[string]any, path []string, value any) {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		m, ok := next.(map[string]any)
		if !ok {
			m = map[string]any{}
			current[key] = m
		}
		current = m
	}
	current[path[len(path)-1]] = value
}
