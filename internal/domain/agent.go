package domain

import "time"

// ScheduleManual marks an agent that only runs when triggered explicitly.
const ScheduleManual = "manual"

// Concurrency policies for overlapping runs of the same agent.
const (
	ConcurrencySkip  = "skip"
	ConcurrencyAllow = "allow"
)

// AgentDefinition describes one schedulable agent. A definition is immutable
// for the lifetime of a scheduling epoch and replaced wholesale on reload.
type AgentDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	Schedule    string           `json:"schedule" yaml:"schedule"`
	Model       string           `json:"model" yaml:"model"`
	DailyTokens int              `json:"dailyTokens" yaml:"dailyTokens"`
	Timeout     time.Duration    `json:"timeout" yaml:"timeout"`
	Concurrency string           `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Turns       []TurnDefinition `json:"turns" yaml:"turns"`
}

// IsManual reports whether the agent is never auto-scheduled.
func (a AgentDefinition) IsManual() bool {
	return a.Schedule == ScheduleManual
}

// AllowsOverlap reports whether a new run may start while another run of the
// same agent is still active.
func (a AgentDefinition) AllowsOverlap() bool {
	return a.Concurrency == ConcurrencyAllow
}

// EstimatedTokens is the admission estimate for one run: the sum of per-turn
// ceilings, using fallback for turns without one.
func (a AgentDefinition) EstimatedTokens(fallback int) int {
	total := 0
	for _, t := range a.Turns {
		if t.MaxTokens > 0 {
			total += t.MaxTokens
		} else {
			total += fallback
		}
	}
	return total
}

// TurnDefinition is one bounded phase of an agent run.
type TurnDefinition struct {
	Ordinal   int           `json:"ordinal" yaml:"-"`
	Name      string        `json:"name" yaml:"name"`
	Model     string        `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens int           `json:"maxTokens" yaml:"maxTokens"`
	Tools     []string      `json:"tools,omitempty" yaml:"tools,omitempty"`
	Prompt    string        `json:"prompt" yaml:"prompt"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ModelFor returns the turn's model override or the agent default.
func (t TurnDefinition) ModelFor(agent AgentDefinition) string {
	if t.Model != "" {
		return t.Model
	}
	return agent.Model
}

// AgentStats is the aggregate outcome history of one agent.
type AgentStats struct {
	Agent          string     `json:"agent"`
	TotalRuns      int        `json:"totalRuns"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	TimedOut       int        `json:"timedOut"`
	BudgetRejected int        `json:"budgetRejected"`
	TotalTokens    int        `json:"totalTokens"`
	TotalCostUSD   float64    `json:"totalCostUsd"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	LastStatus     RunStatus  `json:"lastStatus,omitempty"`
}
