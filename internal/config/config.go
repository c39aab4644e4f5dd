package config

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// ValidationError is returned when a document fails schema validation.
type ValidationError struct {
	Document string
	Issues   []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("config: invalid %s: %s", e.Document, strings.Join(parts, "; "))
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 18790,
			Bind: "loopback",
		},
		Budget: BudgetConfig{
			DefaultTurnEstimate: 1000,
		},
		Engine: EngineConfig{
			MaxSteps:                   8,
			MaxConsecutiveToolFailures: 3,
			ToolTimeout:                30 * time.Second,
			ModelTimeout:               2 * time.Minute,
			DefaultRunTimeout:          10 * time.Minute,
		},
		Reload: ReloadConfig{
			Debounce: 2 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}
