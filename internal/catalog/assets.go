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

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

// UpsertAsset inserts or updates an asset by qualified name. Grain fields
// are left untouched on update; they change only through UpdateGrain.
func (r *Queries) UpsertAsset(ctx context.Context, a *Asset) (*Asset, error) {
	if a.QualifiedName == "" {
		return nil, errors.New("asset qualified name is required")
	}
	colsJSON, err := marshalJSON(a.Columns)
	if err != nil {
		return nil, fmt.Errorf("marshal asset columns: %w", err)
	}

	now := time.Now().UnixMilli()
	existing, err := r.GetAssetByQualifiedName(ctx, a.QualifiedName)
	switch {
	case err == nil:
		_, err = r.q.ExecContext(ctx, `
			UPDATE assets
			SET asset_kind = ?, table_schema = ?, table_name = ?,
			    columns_json = ?, row_count_estimate = ?, updated_at_unix_ms = ?
			WHERE id = ?
		`, a.Kind, a.Schema, a.Table, colsJSON, a.RowEstimate, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update asset %s: %w", a.QualifiedName, err)
		}
		return r.GetAssetByQualifiedName(ctx, a.QualifiedName)
	case errors.Is(err, ErrNotFound):
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		status := a.GrainStatus
		if status == "" {
			status = GrainUnknown
		}
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO assets (
				id, qualified_name, asset_kind, table_schema, table_name,
				columns_json, row_count_estimate, grain_status,
				created_at_unix_ms, updated_at_unix_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, a.QualifiedName, a.Kind, a.Schema, a.Table, colsJSON, a.RowEstimate, status, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert asset %s: %w", a.QualifiedName, err)
		}
		return r.GetAssetByQualifiedName(ctx, a.QualifiedName)
	default:
		return nil, err
	}
}

func (r *Queries) scanAsset(row *sql.Row) (*Asset, error) {
	var a Asset
	var colsJSON string
	var rowEstimate sql.NullInt64
	var pk, pkMin, fdRemoved, method sql.NullString
	err := row.Scan(
		&a.ID, &a.QualifiedName, &a.Kind, &a.Schema, &a.Table,
		&colsJSON, &rowEstimate,
		&pk, &pkMin, &fdRemoved, &a.GrainStatus, &method,
		&a.CreatedAtMs, &a.UpdatedAtMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	if colsJSON != "" {
		if err := json.Unmarshal([]byte(colsJSON), &a.Columns); err != nil {
			return nil, fmt.Errorf("unmarshal asset columns: %w", err)
		}
	}
	a.RowEstimate = rowEstimate.Int64
	a.PrimaryKey = unmarshalStrings(pk)
	a.PKMinimal = unmarshalStrings(pkMin)
	a.FDRemoved = unmarshalStrings(fdRemoved)
	a.PKMethod = method.String
	return &a, nil
}

const assetColumns = `
	id, qualified_name, asset_kind, table_schema, table_name,
	columns_json, row_count_estimate,
	primary_key_json, pk_minimal_json, fd_removed_json, grain_status, pk_method,
	created_at_unix_ms, updated_at_unix_ms`

// GetAssetByQualifiedName looks an asset up by its natural key.
func (r *Queries) GetAssetByQualifiedName(ctx context.Context, qualifiedName string) (*Asset, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE qualified_name = ?`, qualifiedName)
	return r.scanAsset(row)
}

// GetAsset looks an asset up by ID.
func (r *Queries) GetAsset(ctx context.Context, id string) (*Asset, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	return r.scanAsset(row)
}

// ListAssetsBySchema returns assets whose schema matches the SQL LIKE
// pattern, in stable qualified-name order.
func (r *Queries) ListAssetsBySchema(ctx context.Context, pattern string) ([]*Asset, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id FROM assets WHERE table_schema LIKE ? ORDER BY qualified_name`, pattern)
	if err != nil {
		return nil, fmt.Errorf("list assets for schema %q: %w", pattern, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan asset id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assets := make([]*Asset, 0, len(ids))
	for _, id := range ids {
		a, err := r.GetAsset(ctx, id)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, nil
}

// GrainUpdate carries the result of a PK discovery pass for one asset.
type GrainUpdate struct {
	PrimaryKey  []string
	PKMinimal   []string
	FDRemoved   []string
	GrainStatus string
	Method      string
}

// UpdateGrain persists a grain discovery outcome onto the asset row.
func (r *Queries) UpdateGrain(ctx context.Context, assetID string, u GrainUpdate) error {
	pkJSON, err := marshalJSON(u.PrimaryKey)
	if err != nil {
		return err
	}
	minJSON, err := marshalJSON(u.PKMinimal)
	if err != nil {
		return err
	}
	fdJSON, err := marshalJSON(u.FDRemoved)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	res, err := r.q.ExecContext(ctx, `
		UPDATE assets
		SET primary_key_json = ?, pk_minimal_json = ?, fd_removed_json = ?,
		    grain_status = ?, pk_method = ?,
		    grain_discovered_at_unix_ms = ?, updated_at_unix_ms = ?
		WHERE id = ?
	`, nullIfEmpty(pkJSON), nullIfEmpty(minJSON), nullIfEmpty(fdJSON),
		u.GrainStatus, nullIfEmpty(u.Method), now, now, assetID)
	if err != nil {
		return fmt.Errorf("update grain for asset %s: %w", assetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update grain for asset %s: %w", assetID, ErrNotFound)
	}
	return nil
}

// UpdateRowEstimate refreshes the asset's row-count estimate.
func (r *Queries) UpdateRowEstimate(ctx context.Context, assetID string, rows int64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE assets SET row_count_estimate = ?, updated_at_unix_ms = ? WHERE id = ?`,
		rows, time.Now().UnixMilli(), assetID)
	if err != nil {
		return fmt.Errorf("update row estimate for asset %s: %w", assetID, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" || s == "null" {
		return nil
	}
	return s
}
