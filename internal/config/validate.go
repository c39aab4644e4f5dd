package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	// Server validation
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "server.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Server.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Server.Bind != "" && !slices.Contains(validBinds, cfg.Server.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "server.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Server.Bind),
		})
	}

	// Budget validation
	if cfg.Budget.DailyTokens < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "budget.dailyTokens",
			Message: "must not be negative",
		})
	}
	if cfg.Budget.MonthlyCostUSD < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "budget.monthlyCostUsd",
			Message: "must not be negative",
		})
	}

	// Engine validation
	if cfg.Engine.MaxSteps < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.maxSteps",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Engine.MaxSteps),
		})
	}
	if cfg.Engine.MaxConsecutiveToolFailures < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.maxConsecutiveToolFailures",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Engine.MaxConsecutiveToolFailures),
		})
	}
	if cfg.Engine.ToolTimeout < 0 || cfg.Engine.ModelTimeout < 0 || cfg.Engine.DefaultRunTimeout < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "engine",
			Message: "timeouts must not be negative",
		})
	}

	// LLM validation
	validProviders := []string{"anthropic", "mock"}
	if cfg.LLM.Provider != "" && !slices.Contains(validProviders, cfg.LLM.Provider) {
		issues = append(issues, ValidationIssue{
			Path:    "llm.provider",
			Message: fmt.Sprintf("must be one of %v, got %q", validProviders, cfg.LLM.Provider),
		})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	// IRC validation (only if configured)
	if cfg.Notify.IRC != nil {
		irc := cfg.Notify.IRC
		if irc.Server == "" {
			issues = append(issues, ValidationIssue{
				Path:    "notify.irc.server",
				Message: "server is required",
			})
		}
		if irc.Nick == "" {
			issues = append(issues, ValidationIssue{
				Path:    "notify.irc.nick",
				Message: "nick is required",
			})
		}
		if irc.Port < 0 || irc.Port > 65535 {
			issues = append(issues, ValidationIssue{
				Path:    "notify.irc.port",
				Message: fmt.Sprintf("port must be 0-65535, got %d", irc.Port),
			})
		}
		if irc.SASL && irc.Password == "" {
			issues = append(issues, ValidationIssue{
				Path:    "notify.irc.sasl",
				Message: "SASL requires a password to be set",
			})
		}
		if len(irc.Channels) == 0 {
			issues = append(issues, ValidationIssue{
				Path:    "notify.irc.channels",
				Message: "at least one channel is required",
			})
		}
	}

	return issues
}
