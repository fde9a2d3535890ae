package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// mappingKey is the canonical JSON form used for relationship dedup: the
// ordered list of pairs, so the same mapping always serialises the same.
func mappingKey(mappings []ColumnMapping) (string, error) {
	b, err := json.Marshal(mappings)
	if err != nil {
		return "", fmt.Errorf("marshal column mappings: %w", err)
	}
	return string(b), nil
}

// UpsertRelationship inserts an FK edge or, when one already exists for
// the same (parent, referenced, ordered mapping), updates its metrics in
// place.
func (r *Queries) UpsertRelationship(ctx context.Context, rel *Relationship) (*Relationship, error) {
	if len(rel.Mappings) == 0 {
		return nil, errors.New("relationship requires at least one column mapping")
	}
	key, err := mappingKey(rel.Mappings)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var existingID string
	err = r.q.QueryRowContext(ctx, `
		SELECT id FROM relationships
		WHERE parent_asset_id = ? AND referenced_asset_id = ? AND column_mappings_json = ?
	`, rel.ParentAssetID, rel.ReferencedAssetID, key).Scan(&existingID)

	switch {
	case err == nil:
		_, err = r.q.ExecContext(ctx, `
			UPDATE relationships
			SET cardinality = ?, confidence = ?, match_pct = ?, orphan_pct = ?,
			    sample_pct = ?, step_number = ?, is_validated = ?, pattern_name = ?,
			    last_validated_at_unix_ms = ?
			WHERE id = ?
		`, nullIfEmpty(rel.Cardinality), rel.Confidence, rel.MatchPct, rel.OrphanPct,
			rel.SamplePct, rel.StepNumber, boolToInt(rel.Validated), nullIfEmpty(rel.PatternName),
			now, existingID)
		if err != nil {
			return nil, fmt.Errorf("update relationship %s: %w", existingID, err)
		}
		rel.ID = existingID
		return rel, nil
	case errors.Is(err, sql.ErrNoRows):
		id := uuid.NewString()
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO relationships (
				id, parent_asset_id, referenced_asset_id, column_mappings_json,
				cardinality, confidence, match_pct, orphan_pct, sample_pct,
				step_number, is_validated, pattern_name,
				discovered_at_unix_ms, last_validated_at_unix_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, rel.ParentAssetID, rel.ReferencedAssetID, key,
			nullIfEmpty(rel.Cardinality), rel.Confidence, rel.MatchPct, rel.OrphanPct, rel.SamplePct,
			rel.StepNumber, boolToInt(rel.Validated), nullIfEmpty(rel.PatternName),
			now, now)
		if err != nil {
			return nil, fmt.Errorf("insert relationship: %w", err)
		}
		rel.ID = id
		return rel, nil
	default:
		return nil, fmt.Errorf("find relationship: %w", err)
	}
}

// ListRelationshipsByParent returns every edge whose parent is the asset.
func (r *Queries) ListRelationshipsByParent(ctx context.Context, parentAssetID string) ([]*Relationship, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, parent_asset_id, referenced_asset_id, column_mappings_json,
		       cardinality, confidence, match_pct, orphan_pct, sample_pct,
		       step_number, is_validated, pattern_name
		FROM relationships
		WHERE parent_asset_id = ?
		ORDER BY id
	`, parentAssetID)
	if err != nil {
		return nil, fmt.Errorf("list relationships for %s: %w", parentAssetID, err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// ListValidatedRelationships returns every validated edge in the catalog.
func (r *Queries) ListValidatedRelationships(ctx context.Context) ([]*Relationship, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, parent_asset_id, referenced_asset_id, column_mappings_json,
		       cardinality, confidence, match_pct, orphan_pct, sample_pct,
		       step_number, is_validated, pattern_name
		FROM relationships
		WHERE is_validated = 1
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list validated relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanRelationships(rows *sql.Rows) ([]*Relationship, error) {
	var out []*Relationship
	for rows.Next() {
		var rel Relationship
		var key string
		var cardinality, pattern sql.NullString
		var validated int
		if err := rows.Scan(
			&rel.ID, &rel.ParentAssetID, &rel.ReferencedAssetID, &key,
			&cardinality, &rel.Confidence, &rel.MatchPct, &rel.OrphanPct, &rel.SamplePct,
			&rel.StepNumber, &validated, &pattern,
		); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		if err := json.Unmarshal([]byte(key), &rel.Mappings); err != nil {
			return nil, fmt.Errorf("unmarshal column mappings: %w", err)
		}
		rel.Cardinality = cardinality.String
		rel.PatternName = pattern.String
		rel.Validated = validated != 0
		out = append(out, &rel)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
