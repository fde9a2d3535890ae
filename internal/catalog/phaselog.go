package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendPhaseLog writes one phase-log row. The table is append-only: rows
// are never updated or deleted by the engine.
func (r *Queries) AppendPhaseLog(ctx context.Context, pl *PhaseLog) error {
	id := pl.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO phase_logs (
			id, run_id, scope, phase, status,
			duration_ms, items_processed, items_total, error_detail, logged_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, pl.RunID, pl.Scope, pl.Phase, pl.Status,
		pl.DurationMs, pl.ItemsProcessed, pl.ItemsTotal, nullIfEmpty(pl.ErrorDetail), now)
	if err != nil {
		return fmt.Errorf("append phase log %s/%s: %w", pl.Scope, pl.Phase, err)
	}
	return nil
}

// LatestSuccess returns the most recent success row for (scope, phase), or
// ErrNotFound when the phase has never succeeded for that scope.
func (r *Queries) LatestSuccess(ctx context.Context, scope, phase string) (*PhaseLog, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, run_id, scope, phase, status, duration_ms,
		       items_processed, items_total, COALESCE(error_detail, ''), logged_at_unix_ms
		FROM phase_logs
		WHERE scope = ? AND phase = ? AND status = ?
		ORDER BY logged_at_unix_ms DESC
		LIMIT 1
	`, scope, phase, PhaseSuccess)

	var pl PhaseLog
	err := row.Scan(&pl.ID, &pl.RunID, &pl.Scope, &pl.Phase, &pl.Status,
		&pl.DurationMs, &pl.ItemsProcessed, &pl.ItemsTotal, &pl.ErrorDetail, &pl.LoggedAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read latest success for %s/%s: %w", scope, phase, err)
	}
	return &pl, nil
}

// ListPhaseLogs returns every log row for a run, oldest first.
func (r *Queries) ListPhaseLogs(ctx context.Context, runID string) ([]*PhaseLog, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, run_id, scope, phase, status, duration_ms,
		       items_processed, items_total, COALESCE(error_detail, ''), logged_at_unix_ms
		FROM phase_logs
		WHERE run_id = ?
		ORDER BY logged_at_unix_ms
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list phase logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*PhaseLog
	for rows.Next() {
		var pl PhaseLog
		if err := rows.Scan(&pl.ID, &pl.RunID, &pl.Scope, &pl.Phase, &pl.Status,
			&pl.DurationMs, &pl.ItemsProcessed, &pl.ItemsTotal, &pl.ErrorDetail, &pl.LoggedAtMs); err != nil {
			return nil, fmt.Errorf("scan phase log: %w", err)
		}
		out = append(out, &pl)
	}
	return out, rows.Err()
}
