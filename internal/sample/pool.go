// Package sample manages deterministic row samples of one source asset.
// Each sampling level is materialised at most once per Pool and shared by
// every scan that reads through that pool. The orchestrator builds a
// separate pool per asset in each phase, so two phases that need the same
// level each materialise their own copy.
package sample

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/sqlsafe"
)

// Levels is the canonical set of sampling percentages.
var Levels = []float64{0.1, 0.3, 1, 3, 10, 30, 100}

// Canonical snaps a requested percentage onto the canonical set. Values
// at or above 100 collapse to 100; everything else snaps to the nearest
// level.
func Canonical(pct float64) float64 {
	if pct >= 100 {
		return 100
	}
	best := Levels[0]
	for _, l := range Levels {
		if diff(pct, l) < diff(pct, best) {
			best = l
		}
	}
	return best
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

const seedProbeColumns = 30

// SelectSeedColumn picks the highest-cardinality column from a small
// probe, ties broken by ordinal position. A failed probe falls back to
// the first column.
func SelectSeedColumn(ctx context.Context, exec *source.Executor, d dialect.Dialect, schema, table string, columns []string, log *zap.Logger) string {
	if len(columns) == 0 {
		return ""
	}
	if log == nil {
		log = zap.NewNop()
	}
	probe := columns
	if len(probe) > seedProbeColumns {
		probe = probe[:seedProbeColumns]
	}

	sql, err := d.SeedColumn(schema, table, probe, 10000)
	if err != nil {
		log.Warn("seed column query build failed", zap.Error(err))
		return columns[0]
	}
	_, row, err := exec.QueryOne(ctx, source.ClassCount, sql)
	if err != nil || row == nil {
		log.Warn("seed column probe failed", zap.Error(err))
		return columns[0]
	}

	bestCol, bestCard := columns[0], int64(0)
	for i, col := range probe {
		card := source.AsInt64(row[i])
		if card > bestCard {
			bestCard = card
			bestCol = col
		}
	}
	log.Debug("seed column selected",
		zap.String("column", bestCol), zap.Int64("distinct", bestCard))
	return bestCol
}

// Pool is a lazy per-asset cache of materialised samples.
type Pool struct {
	exec    *source.Executor
	dialect dialect.Dialect
	schema  string
	table   string
	seedCol string
	log     *zap.Logger

	samples   map[float64]string
	rowCounts map[float64]int64
	tag       string
}

// poolSeq disambiguates pools created within the same second.
var poolSeq atomic.Int64

// NewPool creates a pool for one asset. The seed column must already be
// chosen (see SelectSeedColumn).
func NewPool(exec *source.Executor, d dialect.Dialect, schema, table, seedCol string, log *zap.Logger) (*Pool, error) {
	if err := sqlsafe.ValidateIdentifier(schema); err != nil {
		return nil, err
	}
	if err := sqlsafe.ValidateIdentifier(table); err != nil {
		return nil, err
	}
	if err := sqlsafe.ValidateIdentifier(seedCol); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		exec:      exec,
		dialect:   d,
		schema:    schema,
		table:     table,
		seedCol:   seedCol,
		log:       log,
		samples:   make(map[float64]string),
		rowCounts: make(map[float64]int64),
		tag:       fmt.Sprintf("%d_%d", time.Now().Unix(), poolSeq.Add(1)),
	}, nil
}

// SeedColumn returns the sampling seed column.
func (p *Pool) SeedColumn() string { return p.seedCol }

// Get returns the temp-table name holding the sample at pct, materialising
// it on first request.
func (p *Pool) Get(ctx context.Context, pct float64) (string, error) {
	key := Canonical(pct)
	if name, ok := p.samples[key]; ok {
		p.log.Debug("reusing sample",
			zap.String("temp", name),
			zap.Float64("pct", key),
			zap.Int64("rows", p.rowCounts[key]))
		return name, nil
	}

	pctTag := strings.ReplaceAll(fmt.Sprintf("%g", key), ".", "x")
	tempName := fmt.Sprintf("pool_%s_%s", pctTag, p.tag)

	createSQL, err := p.dialect.CreateSample(tempName, p.schema, p.table, p.seedCol, key)
	if err != nil {
		return "", err
	}
	start := time.Now()
	if err := p.exec.Exec(ctx, source.ClassSample, createSQL); err != nil {
		return "", fmt.Errorf("materialise %g%% sample of %s.%s: %w", key, p.schema, p.table, err)
	}

	countSQL, err := p.dialect.CountDistinct(tempName, nil, nil)
	if err != nil {
		return "", err
	}
	_, row, err := p.exec.QueryOne(ctx, source.ClassCount, countSQL)
	if err != nil {
		return "", fmt.Errorf("count %g%% sample of %s.%s: %w", key, p.schema, p.table, err)
	}
	var rows int64
	if row != nil {
		rows = source.AsInt64(row[0])
	}

	p.log.Info("sample ready",
		zap.String("temp", tempName),
		zap.Float64("pct", key),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(start)))

	p.samples[key] = tempName
	p.rowCounts[key] = rows
	return tempName, nil
}

// RowCount returns the row count of an already-materialised sample.
func (p *Pool) RowCount(pct float64) (int64, bool) {
	n, ok := p.rowCounts[Canonical(pct)]
	return n, ok
}

// ReleaseAll drops every sample owned by the pool. Drop failures are
// logged and skipped; the server reclaims session temps anyway.
func (p *Pool) ReleaseAll(ctx context.Context) {
	for pct, name := range p.samples {
		dropSQL, err := p.dialect.DropSample(name)
		if err == nil {
			err = p.exec.Exec(ctx, source.ClassCount, dropSQL)
		}
		if err != nil {
			p.log.Warn("drop sample failed",
				zap.String("temp", name), zap.Error(err))
		}
		delete(p.samples, pct)
		delete(p.rowCounts, pct)
	}
}
