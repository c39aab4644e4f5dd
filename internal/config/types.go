package config

import "time"

// Config is the root process configuration, read from config.yaml.
// The agent, tool-server and model documents live in separate files so they
// can be reloaded without restarting the process.
type Config struct {
	Server  ServerConfig  `yaml:"server,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Budget  BudgetConfig  `yaml:"budget,omitempty"`
	Engine  EngineConfig  `yaml:"engine,omitempty"`
	Reload  ReloadConfig  `yaml:"reload,omitempty"`
	Files   FilesConfig   `yaml:"files,omitempty"`
	LLM     LLMConfig     `yaml:"llm,omitempty"`
	Notify  NotifyConfig  `yaml:"notify,omitempty"`
	Secrets SecretsConfig `yaml:"secrets,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// ServerConfig controls the control-surface HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port,omitempty"`
	Bind           string   `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string   `yaml:"customBindHost,omitempty"`
	Token          string   `yaml:"token,omitempty"`
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// StoreConfig locates the run ledger database.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// BudgetConfig holds the global spend limits.
type BudgetConfig struct {
	DailyTokens         int     `yaml:"dailyTokens,omitempty"`
	MonthlyCostUSD      float64 `yaml:"monthlyCostUsd,omitempty"`
	DefaultTurnEstimate int     `yaml:"defaultTurnEstimate,omitempty"`
}

// EngineConfig bounds a single run.
type EngineConfig struct {
	MaxSteps                   int           `yaml:"maxSteps,omitempty"`
	MaxConsecutiveToolFailures int           `yaml:"maxConsecutiveToolFailures,omitempty"`
	ToolTimeout                time.Duration `yaml:"toolTimeout,omitempty"`
	ModelTimeout               time.Duration `yaml:"modelTimeout,omitempty"`
	DefaultRunTimeout          time.Duration `yaml:"defaultRunTimeout,omitempty"`
}

// ReloadConfig controls the file watcher.
type ReloadConfig struct {
	Watch    *bool         `yaml:"watch,omitempty"`
	Debounce time.Duration `yaml:"debounce,omitempty"`
}

// Enabled reports whether file watching is on. Defaults to true.
func (r ReloadConfig) Enabled() bool {
	return r.Watch == nil || *r.Watch
}

// FilesConfig overrides the locations of the declarative documents.
// Empty values resolve relative to the base directory.
type FilesConfig struct {
	Agents string `yaml:"agents,omitempty"`
	Tools  string `yaml:"tools,omitempty"`
	Models string `yaml:"models,omitempty"`
}

// LLMConfig selects the model-completion provider.
type LLMConfig struct {
	Provider string `yaml:"provider,omitempty"` // "anthropic" | "mock"
	APIKey   string `yaml:"apiKey,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// NotifyConfig configures operational alerts.
type NotifyConfig struct {
	IRC *IRCConfig `yaml:"irc,omitempty"`
}

// IRCConfig defines the alert channel on IRC.
type IRCConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port,omitempty"`
	Nick     string   `yaml:"nick"`
	Password string   `yaml:"password,omitempty"`
	Channels []string `yaml:"channels"`
	UseTLS   bool     `yaml:"useTLS,omitempty"`
	SASL     bool     `yaml:"sasl,omitempty"`
}

// SecretsConfig locates the age identity used to decrypt tool secrets.
type SecretsConfig struct {
	IdentityFile string `yaml:"identityFile,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
