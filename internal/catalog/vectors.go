package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// encodeVector serialises a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte, dims int) ([]float32, error) {
	if len(b) != dims*4 {
		return nil, fmt.Errorf("vector blob is %d bytes, want %d", len(b), dims*4)
	}
	out := make([]float32, dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// PutColumnVector stores (or replaces) the embedding for a column.
func (r *Queries) PutColumnVector(ctx context.Context, v *ColumnVector) error {
	if len(v.Embedding) == 0 {
		return errors.New("column vector is empty")
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO column_vectors (id, asset_id, column_name, dims, embedding, model, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, column_name) DO UPDATE SET
			dims = excluded.dims,
			embedding = excluded.embedding,
			model = excluded.model,
			created_at_unix_ms = excluded.created_at_unix_ms
	`, uuid.NewString(), v.AssetID, v.ColumnName, len(v.Embedding),
		encodeVector(v.Embedding), nullIfEmpty(v.Model), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put vector for %s.%s: %w", v.AssetID, v.ColumnName, err)
	}
	return nil
}

// GetColumnVector loads the embedding for a column.
func (r *Queries) GetColumnVector(ctx context.Context, assetID, column string) (*ColumnVector, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT asset_id, column_name, dims, embedding, COALESCE(model, '')
		FROM column_vectors
		WHERE asset_id = ? AND column_name = ?
	`, assetID, column)

	var v ColumnVector
	var dims int
	var blob []byte
	err := row.Scan(&v.AssetID, &v.ColumnName, &dims, &blob, &v.Model)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get vector for %s.%s: %w", assetID, column, err)
	}
	v.Embedding, err = decodeVector(blob, dims)
	if err != nil {
		return nil, fmt.Errorf("decode vector for %s.%s: %w", assetID, column, err)
	}
	return &v, nil
}
