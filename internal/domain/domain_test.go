package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- RunStatus tests ---

func TestRunStatusTerminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunPending, false},
		{RunRunning, false},
		{RunCompleted, true},
		{RunFailed, true},
		{RunTimedOut, true},
		{RunBudgetRejected, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Terminal())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, RunStatus("bogus").Valid())
}

func TestRunStatusCanTransition(t *testing.T) {
	assert.True(t, RunPending.CanTransition(RunRunning))
	assert.True(t, RunPending.CanTransition(RunBudgetRejected))
	assert.False(t, RunPending.CanTransition(RunCompleted))

	assert.True(t, RunRunning.CanTransition(RunCompleted))
	assert.True(t, RunRunning.CanTransition(RunTimedOut))
	assert.False(t, RunRunning.CanTransition(RunPending))

	for _, s := range []RunStatus{RunCompleted, RunFailed, RunTimedOut, RunBudgetRejected} {
		assert.False(t, s.CanTransition(RunRunning), "terminal %s must not restart", s)
	}
}

// --- AgentDefinition tests ---

func TestAgentDefinitionEstimatedTokens(t *testing.T) {
	def := AgentDefinition{
		Turns: []TurnDefinition{
			{Name: "gather", MaxTokens: 300},
			{Name: "summarize"},
			{Name: "report", MaxTokens: 200},
		},
	}
	assert.Equal(t, 600, def.EstimatedTokens(100))
	assert.Equal(t, 0, AgentDefinition{}.EstimatedTokens(100))
}

func TestAgentDefinitionFlags(t *testing.T) {
	assert.True(t, AgentDefinition{Schedule: "manual"}.IsManual())
	assert.False(t, AgentDefinition{Schedule: "*/5 * * * *"}.IsManual())

	assert.False(t, AgentDefinition{}.AllowsOverlap())
	assert.False(t, AgentDefinition{Concurrency: ConcurrencySkip}.AllowsOverlap())
	assert.True(t, AgentDefinition{Concurrency: ConcurrencyAllow}.AllowsOverlap())
}

func TestTurnDefinitionModelFor(t *testing.T) {
	agent := AgentDefinition{Model: "sonnet"}
	assert.Equal(t, "sonnet", TurnDefinition{}.ModelFor(agent))
	assert.Equal(t, "haiku", TurnDefinition{Model: "haiku"}.ModelFor(agent))
}

// --- Run tests ---

func TestRunJSON(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := Run{
		ID:             "r1",
		Agent:          "digest",
		Trigger:        TriggerManual,
		Status:         RunCompleted,
		CreatedAt:      started,
		StartedAt:      &started,
		InputTokens:    120,
		OutputTokens:   30,
		TurnsCompleted: 2,
		TurnsTotal:     2,
	}
	assert.Equal(t, 150, run.TotalTokens())

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, "manual", decoded["trigger"])
	assert.NotContains(t, decoded, "finishedAt")
	assert.NotContains(t, decoded, "error")
}

func TestDayAndMonthKeys(t *testing.T) {
	ts := time.Date(2026, 1, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2026-02-01", DayKey(ts))
	assert.Equal(t, "2026-02", MonthKey(ts))
}
