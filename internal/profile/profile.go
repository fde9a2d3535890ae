// Package profile measures column statistics on sampled data: distinct
// counts with selectivity at chosen sample levels, and top-N value
// frequencies via a batched unpivot with a per-column fallback.
package profile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/sample"
	"github.com/grainhound/graind/internal/source"
)

// freqBatchSize caps columns per unpivot statement.
const freqBatchSize = 50

// Measurement is one (column, sample level) cardinality reading.
type Measurement struct {
	Column      string
	SamplePct   float64
	Distinct    int64
	Selectivity float64
	TotalRows   int64
}

// ValueCount is one ranked value of a column.
type ValueCount struct {
	Value string
	Count int64
}

// Scanner runs the profiling queries for one asset at a time.
type Scanner struct {
	exec *source.Executor
	d    dialect.Dialect
	log  *zap.Logger
}

// NewScanner creates a profiling scanner.
func NewScanner(exec *source.Executor, d dialect.Dialect, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{exec: exec, d: d, log: log}
}

// ScanCardinality measures distinct counts for columns at each of the
// given sample levels, batching to stay under the dialect's expression
// limit.
func (s *Scanner) ScanCardinality(ctx context.Context, pool *sample.Pool, columns []string, pcts []float64) ([]Measurement, error) {
	var out []Measurement
	for _, pct := range pcts {
		src, err := pool.Get(ctx, pct)
		if err != nil {
			return nil, fmt.Errorf("sample at %g%%: %w", pct, err)
		}

		limit := s.d.MaxDistinctExpressions()
		for start := 0; start < len(columns); start += limit {
			end := start + limit
			if end > len(columns) {
				end = len(columns)
			}
			batch := columns[start:end]

			sql, err := s.d.CountDistinct(src, batch, nil)
			if err != nil {
				return nil, err
			}
			_, row, err := s.exec.QueryOne(ctx, source.ClassDistinct, sql)
			if err != nil {
				return nil, fmt.Errorf("cardinality batch at %g%%: %w", pct, err)
			}
			if row == nil {
				continue
			}
			total := source.AsInt64(row[0])
			for i, col := range batch {
				distinct := source.AsInt64(row[i+1])
				sel := 0.0
				if total > 0 {
					sel = float64(distinct) / float64(total)
				}
				out = append(out, Measurement{
					Column:      col,
					SamplePct:   sample.Canonical(pct),
					Distinct:    distinct,
					Selectivity: sel,
					TotalRows:   total,
				})
			}
		}
	}
	return out, nil
}

// ScanFrequencies returns the top-N values per column at the given
// sample level. Columns the batched unpivot yields nothing for are
// retried one by one; a column that still yields nothing maps to an
// empty slice, which callers persist as the sentinel row.
func (s *Scanner) ScanFrequencies(ctx context.Context, pool *sample.Pool, columns []string, samplePct float64, topN int) (map[string][]ValueCount, error) {
	src, err := pool.Get(ctx, samplePct)
	if err != nil {
		return nil, fmt.Errorf("sample at %g%%: %w", samplePct, err)
	}

	freqs := make(map[string][]ValueCount, len(columns))
	for _, col := range columns {
		freqs[col] = nil
	}

	for start := 0; start < len(columns); start += freqBatchSize {
		end := start + freqBatchSize
		if end > len(columns) {
			end = len(columns)
		}
		batch := columns[start:end]

		sql, err := s.d.UnpivotFrequency(src, batch, topN)
		if err != nil {
			return nil, err
		}
		_, rows, err := s.exec.QueryAll(ctx, source.ClassFrequency, sql)
		if err != nil {
			s.log.Warn("unpivot batch failed",
				zap.Int("batch_start", start), zap.Error(err))
			continue
		}
		for _, row := range rows {
			colName, _ := source.AsString(row[0])
			value, ok := source.AsString(row[1])
			if !ok {
				continue
			}
			if _, wanted := freqs[colName]; !wanted {
				continue
			}
			freqs[colName] = append(freqs[colName], ValueCount{
				Value: value,
				Count: source.AsInt64(row[2]),
			})
		}
	}

	// Per-column fallback for anything the unpivot missed.
	for _, col := range columns {
		if len(freqs[col]) > 0 {
			continue
		}
		sql, err := s.d.Frequency(src, col, topN)
		if err != nil {
			return nil, err
		}
		_, rows, err := s.exec.QueryAll(ctx, source.ClassFrequency, sql)
		if err != nil {
			s.log.Warn("per-column frequency failed",
				zap.String("column", col), zap.Error(err))
			continue
		}
		for _, row := range rows {
			value, ok := source.AsString(row[0])
			if !ok {
				continue
			}
			freqs[col] = append(freqs[col], ValueCount{
				Value: value,
				Count: source.AsInt64(row[1]),
			})
		}
	}
	return freqs, nil
}
