package scan

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
)

// Iterative accumulation tuning.
const (
	iaMaxDepth         = 10
	iaPrefixBatchSize  = 5
	iaUniqueness       = 0.9999
	iaPlateauLimit     = 3
	iaSelectivityBatch = 25
)

// Plateau is the best composite an ordering stalled on, kept so the
// caller can escalate it into the varying-column chase.
type Plateau struct {
	Columns     []string
	Selectivity float64
}

// Accumulator grows composite keys greedily by per-column selectivity
// order, top-down then bottom-up.
type Accumulator struct {
	exec *source.Executor
	d    dialect.Dialect
	log  *zap.Logger
}

// NewAccumulator creates an iterative accumulator.
func NewAccumulator(exec *source.Executor, d dialect.Dialect, log *zap.Logger) *Accumulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accumulator{exec: exec, d: d, log: log}
}

// Accumulate measures per-column selectivity on src, then tries both
// orderings. Returns the found key (leave-one-out minimised), or the best
// plateau composite when both orderings stall, or neither.
func (a *Accumulator) Accumulate(ctx context.Context, src string, testableCols []string) (pk []string, plateau *Plateau, err error) {
	selectivities, err := a.measureSelectivities(ctx, src, testableCols)
	if err != nil {
		return nil, nil, err
	}
	nonzero := make(map[string]float64, len(selectivities))
	for col, sel := range selectivities {
		if sel > 0 {
			nonzero[col] = sel
		}
	}
	if len(nonzero) == 0 {
		return nil, nil, nil
	}

	cols := make([]string, 0, len(nonzero))
	for col := range nonzero {
		cols = append(cols, col)
	}

	topDown := append([]string(nil), cols...)
	sort.SliceStable(topDown, func(i, j int) bool {
		if nonzero[topDown[i]] != nonzero[topDown[j]] {
			return nonzero[topDown[i]] > nonzero[topDown[j]]
		}
		return topDown[i] < topDown[j]
	})
	bottomUp := append([]string(nil), cols...)
	sort.SliceStable(bottomUp, func(i, j int) bool {
		if nonzero[bottomUp[i]] != nonzero[bottomUp[j]] {
			return nonzero[bottomUp[i]] < nonzero[bottomUp[j]]
		}
		return bottomUp[i] < bottomUp[j]
	})

	var best *Plateau
	for _, ordering := range []struct {
		name string
		cols []string
	}{
		{"top-down", topDown},
		{"bottom-up", bottomUp},
	} {
		found, stall := a.tryOrdering(ctx, src, ordering.cols, ordering.name)
		if found != nil {
			minimised := a.minimise(ctx, src, found)
			a.log.Info("accumulation found key",
				zap.String("ordering", ordering.name),
				zap.Strings("primary_key", minimised))
			return minimised, nil, nil
		}
		if stall != nil && (best == nil || stall.Selectivity > best.Selectivity) {
			best = stall
		}
	}
	return nil, best, nil
}

// measureSelectivities probes every column in batches to stay under the
// dialect's expression limit.
func (a *Accumulator) measureSelectivities(ctx context.Context, src string, cols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(cols))
	for start := 0; start < len(cols); start += iaSelectivityBatch {
		end := minInt(start+iaSelectivityBatch, len(cols))
		batch := cols[start:end]

		sql, err := a.d.CountDistinct(src, batch, nil)
		if err != nil {
			return nil, err
		}
		_, row, err := a.exec.QueryOne(ctx, source.ClassDistinct, sql)
		if err != nil {
			a.log.Warn("selectivity batch failed",
				zap.Int("batch_start", start), zap.Error(err))
			return out, nil
		}
		if row == nil {
			return out, nil
		}
		rowCount := source.AsInt64(row[0])
		if rowCount == 0 {
			return map[string]float64{}, nil
		}
		for i, col := range batch {
			out[col] = Selectivity(source.AsInt64(row[i+1]), rowCount)
		}
	}
	return out, nil
}

// tryOrdering extends the composite one column at a time, testing
// cumulative selectivity in prefix batches. Stops on a found key, on a
// plateau (three consecutive depths with sub-threshold improvement), or
// at the depth cap.
func (a *Accumulator) tryOrdering(ctx context.Context, src string, sorted []string, ordering string) (found []string, plateau *Plateau) {
	maxDepth := minInt(iaMaxDepth, len(sorted))
	var accumulated []string
	prevSelectivity := 0.0
	plateauCount := 0

	colIdx := 0
	for colIdx < maxDepth {
		batchEnd := minInt(colIdx+iaPrefixBatchSize, maxDepth)
		batchCols := sorted[colIdx:batchEnd]

		// Each query tests every prefix of the batch appended to the
		// accumulated composite.
		prefixes := make([][]string, len(batchCols))
		for i := range batchCols {
			prefix := append(append([]string(nil), accumulated...), batchCols[:i+1]...)
			prefixes[i] = prefix
		}

		sql, err := a.d.CountDistinct(src, nil, prefixes)
		if err != nil {
			a.log.Warn("accumulation query build failed", zap.Error(err))
			return nil, nil
		}
		_, row, err := a.exec.QueryOne(ctx, source.ClassDistinct, sql)
		if err != nil {
			a.log.Warn("accumulation query failed",
				zap.String("ordering", ordering), zap.Error(err))
			return nil, nil
		}
		if row == nil {
			return nil, nil
		}
		rowCount := source.AsInt64(row[0])
		if rowCount == 0 {
			return nil, nil
		}

		for i := range batchCols {
			depth := colIdx + i + 1
			sel := Selectivity(source.AsInt64(row[i+1]), rowCount)

			if sel >= iaUniqueness {
				a.log.Debug("key reached",
					zap.String("ordering", ordering),
					zap.Int("depth", depth),
					zap.Float64("selectivity", sel))
				return prefixes[i], nil
			}

			improvement := sel - prevSelectivity
			threshold := 0.01
			if sel >= 0.90 {
				threshold = 0.001
			}
			if improvement < threshold {
				plateauCount++
			} else {
				plateauCount = 0
			}
			if plateauCount >= iaPlateauLimit {
				a.log.Info("accumulation plateau",
					zap.String("ordering", ordering),
					zap.Int("depth", depth),
					zap.Float64("selectivity", sel))
				return nil, &Plateau{Columns: prefixes[i], Selectivity: sel}
			}
			prevSelectivity = sel
		}

		accumulated = prefixes[len(prefixes)-1]
		colIdx = batchEnd
	}
	return nil, nil
}

// minimise is the leave-one-out pass: drop any column whose absence keeps
// the composite above the uniqueness bar, repeating until stable.
func (a *Accumulator) minimise(ctx context.Context, src string, pk []string) []string {
	current := append([]string(nil), pk...)
	for len(current) > 1 {
		subsets := make([][]string, len(current))
		for i := range current {
			subset := make([]string, 0, len(current)-1)
			subset = append(subset, current[:i]...)
			subset = append(subset, current[i+1:]...)
			subsets[i] = subset
		}

		sql, err := a.d.CountDistinct(src, nil, subsets)
		if err != nil {
			return current
		}
		_, row, err := a.exec.QueryOne(ctx, source.ClassDistinct, sql)
		if err != nil || row == nil {
			return current
		}
		rowCount := source.AsInt64(row[0])
		if rowCount == 0 {
			return current
		}

		dropped := false
		for i := range current {
			if Selectivity(source.AsInt64(row[i+1]), rowCount) >= iaUniqueness {
				a.log.Debug("minimisation dropped column",
					zap.String("column", current[i]))
				current = subsets[i]
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	return current
}
