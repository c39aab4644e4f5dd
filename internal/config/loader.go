package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so tokens and keys can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Server.Token = expandEnvVars(cfg.Server.Token)
	cfg.LLM.APIKey = expandEnvVars(cfg.LLM.APIKey)
	if cfg.Notify.IRC != nil {
		cfg.Notify.IRC.Password = expandEnvVars(cfg.Notify.IRC.Password)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic replaces path with data via a temp file and rename, so a
// watcher never observes a half-written document.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = d.Server.Bind
	}
	if cfg.Budget.DefaultTurnEstimate == 0 {
		cfg.Budget.DefaultTurnEstimate = d.Budget.DefaultTurnEstimate
	}
	if cfg.Engine.MaxSteps == 0 {
		cfg.Engine.MaxSteps = d.Engine.MaxSteps
	}
	if cfg.Engine.MaxConsecutiveToolFailures == 0 {
		cfg.Engine.MaxConsecutiveToolFailures = d.Engine.MaxConsecutiveToolFailures
	}
	if cfg.Engine.ToolTimeout == 0 {
		cfg.Engine.ToolTimeout = d.Engine.ToolTimeout
	}
	if cfg.Engine.ModelTimeout == 0 {
		cfg.Engine.ModelTimeout = d.Engine.ModelTimeout
	}
	if cfg.Engine.DefaultRunTimeout == 0 {
		cfg.Engine.DefaultRunTimeout = d.Engine.DefaultRunTimeout
	}
	if cfg.Reload.Debounce == 0 {
		cfg.Reload.Debounce = d.Reload.Debounce
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = d.LLM.Provider
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
}

// applyEnvOverrides reads AGENTCRON_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTCRON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTCRON_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("AGENTCRON_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("AGENTCRON_DAILY_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budget.DailyTokens = n
		}
	}
	if v := os.Getenv("AGENTCRON_MONTHLY_COST_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.MonthlyCostUSD = f
		}
	}
	if v := os.Getenv("AGENTCRON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
}

// toolURLEnv returns the override variable for a tool server's endpoint,
// e.g. "web-search" -> AGENTCRON_TOOL_WEB_SEARCH_URL.
func toolURLEnv(name string) string {
	key := strings.ToUpper(name)
	key = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
	return "AGENTCRON_TOOL_" + key + "_URL"
}
