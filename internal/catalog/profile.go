package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertCardinality records one (asset, column, sample level) measurement,
// replacing any prior row for the same triple.
func (r *Queries) UpsertCardinality(ctx context.Context, rec *CardinalityRecord) error {
	now := time.Now().UnixMilli()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO column_cardinality (
			id, asset_id, column_name, sample_pct,
			distinct_count, selectivity, total_rows, recorded_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, column_name, sample_pct) DO UPDATE SET
			distinct_count = excluded.distinct_count,
			selectivity = excluded.selectivity,
			total_rows = excluded.total_rows,
			recorded_at_unix_ms = excluded.recorded_at_unix_ms
	`, uuid.NewString(), rec.AssetID, rec.ColumnName, rec.SamplePct,
		rec.DistinctCount, rec.Selectivity, rec.TotalRows, now)
	if err != nil {
		return fmt.Errorf("upsert cardinality for %s.%s@%g%%: %w",
			rec.AssetID, rec.ColumnName, rec.SamplePct, err)
	}
	return nil
}

// ListCardinality returns every cardinality record for an asset.
func (r *Queries) ListCardinality(ctx context.Context, assetID string) ([]*CardinalityRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT asset_id, column_name, sample_pct, distinct_count, selectivity, COALESCE(total_rows, 0)
		FROM column_cardinality
		WHERE asset_id = ?
		ORDER BY column_name, sample_pct
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list cardinality for %s: %w", assetID, err)
	}
	defer rows.Close()

	var out []*CardinalityRecord
	for rows.Next() {
		var rec CardinalityRecord
		if err := rows.Scan(&rec.AssetID, &rec.ColumnName, &rec.SamplePct,
			&rec.DistinctCount, &rec.Selectivity, &rec.TotalRows); err != nil {
			return nil, fmt.Errorf("scan cardinality: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ReplaceFrequencies clears and rewrites the stored frequencies for one
// column at one sample level.
func (r *Queries) ReplaceFrequencies(ctx context.Context, assetID, column string, samplePct float64, freqs []*ValueFrequency) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM column_value_frequencies
		WHERE asset_id = ? AND column_name = ? AND sample_pct = ?
	`, assetID, column, samplePct)
	if err != nil {
		return fmt.Errorf("clear frequencies for %s.%s: %w", assetID, column, err)
	}

	now := time.Now().UnixMilli()
	for _, f := range freqs {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO column_value_frequencies (
				id, asset_id, column_name, rank, value,
				frequency, relative_frequency, sample_pct, recorded_at_unix_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), assetID, column, f.Rank, f.Value,
			f.Frequency, f.RelativeFrequency, samplePct, now)
		if err != nil {
			return fmt.Errorf("insert frequency rank %d for %s.%s: %w", f.Rank, assetID, column, err)
		}
	}
	return nil
}

// ListFrequencies returns the stored frequencies for one column, rank
// ascending (a lone rank-0 row is the empty-column sentinel).
func (r *Queries) ListFrequencies(ctx context.Context, assetID, column string) ([]*ValueFrequency, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT asset_id, column_name, rank, value, frequency, COALESCE(relative_frequency, 0), sample_pct
		FROM column_value_frequencies
		WHERE asset_id = ? AND column_name = ?
		ORDER BY rank
	`, assetID, column)
	if err != nil {
		return nil, fmt.Errorf("list frequencies for %s.%s: %w", assetID, column, err)
	}
	defer rows.Close()

	var out []*ValueFrequency
	for rows.Next() {
		var f ValueFrequency
		if err := rows.Scan(&f.AssetID, &f.ColumnName, &f.Rank, &f.Value,
			&f.Frequency, &f.RelativeFrequency, &f.SamplePct); err != nil {
			return nil, fmt.Errorf("scan frequency: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
