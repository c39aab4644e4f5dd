package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/agentcron/internal/domain"
)

// RunUpdate carries the fields to change on a run. Nil fields are left alone.
// Token counters, cost and completed turns only ever grow.
type RunUpdate struct {
	Status         *domain.RunStatus
	StartedAt      *time.Time
	FinishedAt     *time.Time
	InputTokens    *int
	OutputTokens   *int
	CostUSD        *float64
	TurnsCompleted *int
	Error          *string
}

const runColumns = `id, agent, trigger, status, created_at, started_at, finished_at,
	input_tokens, output_tokens, cost_usd, turns_completed, turns_total, error`

// InsertRun records a new run. The run must be pending.
func (db *DB) InsertRun(ctx context.Context, r *domain.Run) error {
	if r.Status == "" {
		r.Status = domain.RunPending
	}
	if r.Status != domain.RunPending {
		return fmt.Errorf("inserting run %s: initial status must be pending, got %s", r.ID, r.Status)
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO runs (id, agent, trigger, status, day, created_at, turns_total)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Agent, string(r.Trigger), string(r.Status),
		domain.DayKey(r.CreatedAt), formatTime(r.CreatedAt), r.TurnsTotal,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRun applies u to a non-terminal run. Status changes must follow the
// run state machine. Returns ErrNotFound or ErrRunTerminal.
func (db *DB) UpdateRun(ctx context.Context, id string, u RunUpdate) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update run %s: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading run %s: %w", id, err)
	}
	status := domain.RunStatus(current)
	if status.Terminal() {
		return ErrRunTerminal
	}

	var sets []string
	var args []any
	if u.Status != nil && *u.Status != status {
		if !status.CanTransition(*u.Status) {
			return fmt.Errorf("run %s: illegal transition %s -> %s", id, status, *u.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, formatTime(*u.StartedAt))
	}
	if u.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, formatTime(*u.FinishedAt))
	}
	if u.InputTokens != nil {
		sets = append(sets, "input_tokens = MAX(input_tokens, ?)")
		args = append(args, *u.InputTokens)
	}
	if u.OutputTokens != nil {
		sets = append(sets, "output_tokens = MAX(output_tokens, ?)")
		args = append(args, *u.OutputTokens)
	}
	if u.CostUSD != nil {
		sets = append(sets, "cost_usd = MAX(cost_usd, ?)")
		args = append(args, *u.CostUSD)
	}
	if u.TurnsCompleted != nil {
		sets = append(sets, "turns_completed = MIN(MAX(turns_completed, ?), turns_total)")
		args = append(args, *u.TurnsCompleted)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update run %s: %w", id, err)
	}
	return nil
}

// GetRun returns a run by id.
func (db *DB) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := db.sql.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return r, nil
}

// GetRuns lists runs matching f, newest first.
func (db *DB) GetRuns(ctx context.Context, f domain.RunFilter) ([]domain.Run, error) {
	var where []string
	var args []any
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ActiveRuns returns runs that never reached a terminal status.
func (db *DB) ActiveRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE status IN (?, ?) ORDER BY created_at",
		string(domain.RunPending), string(domain.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RecordOutcome folds a terminal run into its agent's aggregate statistics.
func (db *DB) RecordOutcome(ctx context.Context, r *domain.Run) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("recording outcome for run %s: status %s is not terminal", r.ID, r.Status)
	}
	var completed, failed, timedOut, rejected int
	switch r.Status {
	case domain.RunCompleted:
		completed = 1
	case domain.RunFailed:
		failed = 1
	case domain.RunTimedOut:
		timedOut = 1
	case domain.RunBudgetRejected:
		rejected = 1
	}
	at := r.CreatedAt
	if r.FinishedAt != nil {
		at = *r.FinishedAt
	}

	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO agent_stats (agent, total_runs, completed, failed, timed_out, budget_rejected,
			total_tokens, total_cost_usd, last_run_at, last_status)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			total_runs = total_runs + 1,
			completed = completed + excluded.completed,
			failed = failed + excluded.failed,
			timed_out = timed_out + excluded.timed_out,
			budget_rejected = budget_rejected + excluded.budget_rejected,
			total_tokens = total_tokens + excluded.total_tokens,
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			last_run_at = excluded.last_run_at,
			last_status = excluded.last_status`,
		r.Agent, completed, failed, timedOut, rejected,
		r.TotalTokens(), r.CostUSD, formatTime(at), string(r.Status),
	)
	if err != nil {
		return fmt.Errorf("recording outcome for %s: %w", r.Agent, err)
	}
	return nil
}

// GetAgentStats returns aggregate statistics for every agent that has run.
func (db *DB) GetAgentStats(ctx context.Context) ([]domain.AgentStats, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT agent, total_runs, completed, failed, timed_out, budget_rejected,
			total_tokens, total_cost_usd, last_run_at, last_status
		FROM agent_stats ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("listing agent stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.AgentStats
	for rows.Next() {
		var s domain.AgentStats
		var lastRun sql.NullString
		var lastStatus string
		if err := rows.Scan(&s.Agent, &s.TotalRuns, &s.Completed, &s.Failed, &s.TimedOut,
			&s.BudgetRejected, &s.TotalTokens, &s.TotalCostUSD, &lastRun, &lastStatus); err != nil {
			return nil, fmt.Errorf("scanning agent stats: %w", err)
		}
		s.LastRunAt = parseTimePtr(lastRun)
		s.LastStatus = domain.RunStatus(lastStatus)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.Run, error) {
	var r domain.Run
	var trigger, status, createdAt string
	var startedAt, finishedAt sql.NullString
	if err := s.Scan(&r.ID, &r.Agent, &trigger, &status, &createdAt, &startedAt, &finishedAt,
		&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.TurnsCompleted, &r.TurnsTotal, &r.Error); err != nil {
		return nil, err
	}
	r.Trigger = domain.Trigger(trigger)
	r.Status = domain.RunStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTimePtr(startedAt)
	r.FinishedAt = parseTimePtr(finishedAt)
	return &r, nil
}
