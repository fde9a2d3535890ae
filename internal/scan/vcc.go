package scan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
)

// Varying-column chase tuning.
const (
	vccMaxDupeGroups      = 20
	vccVariationThreshold = 0.30
	vccUniqueness         = 0.9999
	vccMaxComposites      = 10
)

// ChaseResult is a successful varying-column chase.
type ChaseResult struct {
	PrimaryKey     []string
	Selectivity    float64
	VaryingColumns []string
	DupeGroups     int
}

// Chaser analyses the duplicate groups of a near-unique candidate to find
// the column(s) that discriminate within them.
type Chaser struct {
	exec *source.Executor
	d    dialect.Dialect
	log  *zap.Logger
}

// NewChaser creates a varying-column chaser.
func NewChaser(exec *source.Executor, d dialect.Dialect, log *zap.Logger) *Chaser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chaser{exec: exec, d: d, log: log}
}

// Chase fetches rows from the top duplicate groups of candidateCols in
// src, finds the testable columns that vary inside those groups, and
// tests refined composites. Returns nil when no refinement reaches the
// uniqueness bar; that is a normal outcome, not an error.
func (c *Chaser) Chase(ctx context.Context, src string, candidateCols, testableCols []string) (*ChaseResult, error) {
	log := c.log.With(zap.Strings("candidate", candidateCols))

	candidateSet := make(map[string]struct{}, len(candidateCols))
	for _, col := range candidateCols {
		candidateSet[col] = struct{}{}
	}
	testable := make([]string, 0, len(testableCols))
	for _, col := range testableCols {
		if _, isCand := candidateSet[col]; !isCand {
			testable = append(testable, col)
		}
	}
	if len(testable) == 0 {
		log.Info("chase skipped: no testable non-candidate columns")
		return nil, nil
	}

	dupeSQL, err := c.d.DuplicateGroupRows(src, candidateCols, vccMaxDupeGroups)
	if err != nil {
		return nil, err
	}
	cols, rows, err := c.exec.QueryAll(ctx, source.ClassDistinct, dupeSQL)
	if err != nil {
		log.Warn("duplicate-group query failed", zap.Error(err))
		return nil, nil
	}
	if len(rows) == 0 {
		log.Info("chase found no duplicate groups in sample")
		return nil, nil
	}

	colIdx := make(map[string]int, len(cols))
	for i, name := range cols {
		colIdx[name] = i
	}
	candIdx := make([]int, 0, len(candidateCols))
	for _, col := range candidateCols {
		if i, ok := colIdx[col]; ok {
			candIdx = append(candIdx, i)
		}
	}

	// Group rows by their candidate tuple. Representing each value by its
	// printed form makes two NULLs compare equal, matching the NULL-safe
	// join that fetched the rows.
	groups := make(map[string][][]any)
	for _, row := range rows {
		parts := make([]string, len(candIdx))
		for i, idx := range candIdx {
			parts[i] = fmt.Sprintf("%v", row[idx])
		}
		key := strings.Join(parts, "\x00")
		groups[key] = append(groups[key], row)
	}
	numGroups := len(groups)
	if numGroups == 0 {
		return nil, nil
	}

	type varying struct {
		column   string
		fraction float64
	}
	var varyingCols []varying
	for _, col := range testable {
		idx, present := colIdx[col]
		if !present {
			continue
		}
		varies := 0
		for _, groupRows := range groups {
			distinct := make(map[string]struct{}, 2)
			for _, row := range groupRows {
				distinct[fmt.Sprintf("%v", row[idx])] = struct{}{}
				if len(distinct) > 1 {
					break
				}
			}
			if len(distinct) > 1 {
				varies++
			}
		}
		if frac := float64(varies) / float64(numGroups); frac > vccVariationThreshold {
			varyingCols = append(varyingCols, varying{column: col, fraction: frac})
		}
	}
	if len(varyingCols) == 0 {
		log.Info("chase found no varying columns",
			zap.Int("dupe_groups", numGroups))
		return nil, nil
	}
	sort.SliceStable(varyingCols, func(i, j int) bool {
		return varyingCols[i].fraction > varyingCols[j].fraction
	})

	log.Info("varying columns identified",
		zap.Int("count", len(varyingCols)),
		zap.Int("dupe_groups", numGroups))

	// One composite per varying column, plus one two-column augmentation
	// with the top pair.
	var composites [][]string
	for _, v := range varyingCols {
		if len(composites) >= vccMaxComposites {
			break
		}
		composites = append(composites, append(append([]string(nil), candidateCols...), v.column))
	}
	if len(varyingCols) >= 2 && len(composites) < vccMaxComposites {
		composites = append(composites,
			append(append([]string(nil), candidateCols...), varyingCols[0].column, varyingCols[1].column))
	}

	testSQL, err := c.d.CountDistinct(src, nil, composites)
	if err != nil {
		return nil, err
	}
	_, row, err := c.exec.QueryOne(ctx, source.ClassDistinct, testSQL)
	if err != nil {
		log.Warn("composite test failed", zap.Error(err))
		return nil, nil
	}
	if row == nil {
		return nil, nil
	}
	sampleCount := source.AsInt64(row[0])
	if sampleCount == 0 {
		return nil, nil
	}

	names := make([]string, len(varyingCols))
	for i, v := range varyingCols {
		names[i] = v.column
	}
	for i, composite := range composites {
		sel := Selectivity(source.AsInt64(row[i+1]), sampleCount)
		if sel >= vccUniqueness {
			log.Info("chase found key",
				zap.Strings("primary_key", composite),
				zap.Float64("selectivity", sel))
			return &ChaseResult{
				PrimaryKey:     composite,
				Selectivity:    sel,
				VaryingColumns: names,
				DupeGroups:     numGroups,
			}, nil
		}
	}

	log.Info("chase exhausted composites without a key",
		zap.Int("tested", len(composites)))
	return nil, nil
}
