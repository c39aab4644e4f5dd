package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/agentcron/internal/domain"
)

// InsertTurn opens a turn record and appends a turn_start entry.
func (db *DB) InsertTurn(ctx context.Context, t *domain.Turn) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = string(domain.RunRunning)
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert turn: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (run_id, ordinal, name, model, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.RunID, t.Ordinal, t.Name, t.Model, t.Status, formatTime(t.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting turn %d of %s: %w", t.Ordinal, t.RunID, err)
	}
	t.ID, _ = res.LastInsertId()

	if err := insertEntry(ctx, tx, &domain.TranscriptEntry{
		RunID:     t.RunID,
		Turn:      t.Ordinal,
		Kind:      domain.EntryTurnStart,
		Content:   t.Name,
		CreatedAt: t.StartedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishTurn closes a turn record and appends a turn_end entry.
func (db *DB) FinishTurn(ctx context.Context, t *domain.Turn) error {
	finished := time.Now()
	if t.FinishedAt != nil {
		finished = *t.FinishedAt
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish turn: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE turns SET status = ?, finished_at = ?, input_tokens = ?, output_tokens = ?, steps = ?
		WHERE run_id = ? AND ordinal = ?`,
		t.Status, formatTime(finished), t.InputTokens, t.OutputTokens, t.Steps, t.RunID, t.Ordinal,
	)
	if err != nil {
		return fmt.Errorf("finishing turn %d of %s: %w", t.Ordinal, t.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := insertEntry(ctx, tx, &domain.TranscriptEntry{
		RunID:        t.RunID,
		Turn:         t.Ordinal,
		Kind:         domain.EntryTurnEnd,
		Content:      t.Status,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
		CreatedAt:    finished,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTurns returns the turns of a run in ordinal order.
func (db *DB) GetTurns(ctx context.Context, runID string) ([]domain.Turn, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, run_id, ordinal, name, model, status, started_at, finished_at,
			input_tokens, output_tokens, steps
		FROM turns WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing turns of %s: %w", runID, err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var started string
		var finished sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.Ordinal, &t.Name, &t.Model, &t.Status,
			&started, &finished, &t.InputTokens, &t.OutputTokens, &t.Steps); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.StartedAt = parseTime(started)
		t.FinishedAt = parseTimePtr(finished)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// InsertMessage appends a model or user message to the transcript.
func (db *DB) InsertMessage(ctx context.Context, runID string, turn int, role, content string, inputTokens, outputTokens int) error {
	return insertEntry(ctx, db.sql, &domain.TranscriptEntry{
		RunID:        runID,
		Turn:         turn,
		Kind:         domain.EntryMessage,
		Role:         role,
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CreatedAt:    time.Now(),
	})
}

// InsertToolCall appends a tool invocation to the transcript.
func (db *DB) InsertToolCall(ctx context.Context, c domain.ToolCallRecord) error {
	return insertEntry(ctx, db.sql, &domain.TranscriptEntry{
		RunID:     c.RunID,
		Turn:      c.Turn,
		Kind:      domain.EntryToolCall,
		Tool:      c.Tool,
		CallID:    c.CallID,
		Content:   c.Args,
		CreatedAt: time.Now(),
	})
}

// InsertToolResult appends the outcome of a tool invocation.
func (db *DB) InsertToolResult(ctx context.Context, r domain.ToolResultRecord) error {
	return insertEntry(ctx, db.sql, &domain.TranscriptEntry{
		RunID:     r.RunID,
		Turn:      r.Turn,
		Kind:      domain.EntryToolResult,
		Tool:      r.Tool,
		CallID:    r.CallID,
		Content:   r.Output,
		IsError:   r.IsError,
		ErrorKind: r.ErrorKind,
		CreatedAt: time.Now(),
	})
}

// GetTranscript streams a run's entries in insertion order to fn. Iteration
// stops at the first error fn returns.
func (db *DB) GetTranscript(ctx context.Context, runID string, fn func(domain.TranscriptEntry) error) error {
	var exists int
	err := db.sql.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE id = ?", runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking run %s: %w", runID, err)
	}

	var after int64
	for {
		page, err := db.transcriptPage(ctx, runID, after)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < transcriptPageSize {
			return nil
		}
		after = page[len(page)-1].Seq
	}
}

// transcriptPageSize bounds how many entries GetTranscript holds at once.
var transcriptPageSize = 500

// transcriptPage reads the entries following seq after. The rows are closed
// before returning so callbacks never run while the single connection is held.
func (db *DB) transcriptPage(ctx context.Context, runID string, after int64) ([]domain.TranscriptEntry, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT seq, run_id, turn, kind, role, tool, call_id, content, is_error, error_kind,
			input_tokens, output_tokens, created_at
		FROM transcript WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`, runID, after, transcriptPageSize)
	if err != nil {
		return nil, fmt.Errorf("reading transcript of %s: %w", runID, err)
	}
	defer rows.Close()

	entries := make([]domain.TranscriptEntry, 0, transcriptPageSize)
	for rows.Next() {
		var e domain.TranscriptEntry
		var kind, created string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Turn, &kind, &e.Role, &e.Tool, &e.CallID,
			&e.Content, &e.IsError, &e.ErrorKind, &e.InputTokens, &e.OutputTokens, &created); err != nil {
			return nil, fmt.Errorf("scanning transcript entry: %w", err)
		}
		e.Kind = domain.EntryKind(kind)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript of %s: %w", runID, err)
	}
	return entries, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, x execer, e *domain.TranscriptEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := x.ExecContext(ctx, `
		INSERT INTO transcript (run_id, turn, kind, role, tool, call_id, content, is_error, error_kind,
			input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Turn, string(e.Kind), e.Role, e.Tool, e.CallID, e.Content, e.IsError, e.ErrorKind,
		e.InputTokens, e.OutputTokens, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending %s entry to %s: %w", e.Kind, e.RunID, err)
	}
	e.Seq, _ = res.LastInsertId()
	return nil
}
