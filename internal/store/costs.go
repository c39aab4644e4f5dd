package store

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/agentcron/internal/domain"
)

// InsertCost records the priced usage of one turn. Day and month buckets are
// derived from CreatedAt when empty.
func (db *DB) InsertCost(ctx context.Context, c *domain.CostEntry) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Day == "" {
		c.Day = domain.DayKey(c.CreatedAt)
	}
	if c.Month == "" {
		c.Month = domain.MonthKey(c.CreatedAt)
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO costs (run_id, agent, model, input_tokens, output_tokens, cost_usd, day, month, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Agent, c.Model, c.InputTokens, c.OutputTokens, c.CostUSD, c.Day, c.Month, formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting cost for %s: %w", c.RunID, err)
	}
	return nil
}

// GetDailyCosts aggregates a day's cost entries by agent and model.
func (db *DB) GetDailyCosts(ctx context.Context, day string) ([]domain.CostBucket, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT agent, model, COUNT(DISTINCT run_id), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM costs WHERE day = ?
		GROUP BY agent, model
		ORDER BY agent, model`, day)
	if err != nil {
		return nil, fmt.Errorf("aggregating costs for %s: %w", day, err)
	}
	defer rows.Close()

	var buckets []domain.CostBucket
	for rows.Next() {
		var b domain.CostBucket
		if err := rows.Scan(&b.Agent, &b.Model, &b.Runs, &b.InputTokens, &b.OutputTokens, &b.CostUSD); err != nil {
			return nil, fmt.Errorf("scanning cost bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// MonthToDateCost sums every cost entry in the given month bucket.
func (db *DB) MonthToDateCost(ctx context.Context, month string) (float64, error) {
	var total float64
	err := db.sql.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(cost_usd), 0) FROM costs WHERE month = ?", month).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing costs for %s: %w", month, err)
	}
	return total, nil
}
