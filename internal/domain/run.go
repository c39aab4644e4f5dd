package domain

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunTimedOut       RunStatus = "timed_out"
	RunBudgetRejected RunStatus = "budget_rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut, RunBudgetRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunPending || s == RunRunning || s.Terminal()
}

// CanTransition reports whether moving from s to next is a legal step of the
// run state machine.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunBudgetRejected || next == RunFailed
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Run is one execution of an agent.
type Run struct {
	ID             string     `json:"id"`
	Agent          string     `json:"agent"`
	Trigger        Trigger    `json:"trigger"`
	Status         RunStatus  `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	InputTokens    int        `json:"inputTokens"`
	OutputTokens   int        `json:"outputTokens"`
	CostUSD        float64    `json:"costUsd"`
	TurnsCompleted int        `json:"turnsCompleted"`
	TurnsTotal     int        `json:"turnsTotal"`
	Error          string     `json:"error,omitempty"`
}

// TotalTokens is the combined input and output token count.
func (r Run) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// RunFilter narrows a run listing. Zero values mean no constraint.
type RunFilter struct {
	Agent  string
	Status RunStatus
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Turn is the ledger record of one turn within a run.
type Turn struct {
	ID           int64      `json:"id"`
	RunID        string     `json:"runId"`
	Ordinal      int        `json:"ordinal"`
	Name         string     `json:"name"`
	Model        string     `json:"model"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	InputTokens  int        `json:"inputTokens"`
	OutputTokens int        `json:"outputTokens"`
	Steps        int        `json:"steps"`
}
