package domain

import "time"

// EntryKind classifies a transcript entry.
type EntryKind string

const (
	EntryTurnStart  EntryKind = "turn_start"
	EntryMessage    EntryKind = "message"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntryTurnEnd    EntryKind = "turn_end"
)

// TranscriptEntry is one ordered event in a run's transcript.
type TranscriptEntry struct {
	Seq          int64     `json:"seq"`
	RunID        string    `json:"runId"`
	Turn         int       `json:"turn"`
	Kind         EntryKind `json:"kind"`
	Role         string    `json:"role,omitempty"`
	Tool         string    `json:"tool,omitempty"`
	CallID       string    `json:"callId,omitempty"`
	Content      string    `json:"content,omitempty"`
	IsError      bool      `json:"isError,omitempty"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	InputTokens  int       `json:"inputTokens,omitempty"`
	OutputTokens int       `json:"outputTokens,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ToolCallRecord is a tool invocation requested by the model.
type ToolCallRecord struct {
	RunID  string
	Turn   int
	CallID string
	Tool   string
	Args   string
}

// ToolResultRecord pairs with a ToolCallRecord and carries either the result
// or an error marker.
type ToolResultRecord struct {
	RunID     string
	Turn      int
	CallID    string
	Tool      string
	Output    string
	IsError   bool
	ErrorKind string
}

// CostEntry is the priced usage of one turn, bucketed by day and month.
type CostEntry struct {
	RunID        string    `json:"runId"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
	Day          string    `json:"day"`
	Month        string    `json:"month"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CostBucket is an aggregated cost row for one agent and model.
type CostBucket struct {
	Agent        string  `json:"agent"`
	Model        string  `json:"model"`
	Runs         int     `json:"runs"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// DayKey formats t as the daily aggregation bucket.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey formats t as the monthly aggregation bucket.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
