package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/sample"
	"github.com/grainhound/graind/internal/source"
)

// Early-termination tuning between steps.
const (
	stabilityMinSelectivity = 0.95
	stabilityMaxSpread      = 0.02
	decliningThreshold      = 0.85
	earlyCheckStep          = 4
)

// Scanner drives the progressive 7-step scan for one asset at a time.
type Scanner struct {
	exec   *source.Executor
	d      dialect.Dialect
	engine Engine
	steps  []Step
	log    *zap.Logger
}

// NewScanner creates a scanner. A nil steps slice uses DefaultSteps.
func NewScanner(exec *source.Executor, d dialect.Dialect, steps []Step, log *zap.Logger) *Scanner {
	if steps == nil {
		steps = DefaultSteps()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{exec: exec, d: d, steps: steps, log: log}
}

// Scan runs the progressive schedule over schema.table. The pool supplies
// row samples; when nil, the scanner materialises and drops its own.
// totalRows of 0 means unknown and is fetched from the source.
func (s *Scanner) Scan(ctx context.Context, schema, table string, columns []Column, totalRows int64, pool *sample.Pool) (*Result, error) {
	log := s.log.With(zap.String("schema", schema), zap.String("table", table))

	if totalRows == 0 {
		n, err := s.fetchRowCount(ctx, schema, table)
		if err != nil {
			return s.errorResult(schema, table, 0, len(columns), fmt.Sprintf("row count failed: %v", err)), nil
		}
		totalRows = n
	}

	candidates := buildCandidates(columns)
	if len(candidates) == 0 {
		return s.errorResult(schema, table, totalRows, len(columns), "no testable columns"), nil
	}

	steps := make([]Step, len(s.steps))
	copy(steps, s.steps)
	for i := range steps {
		steps[i].RowTarget = int64(math.Max(1, math.Ceil(float64(totalRows)*steps[i].RowPct/100)))
		steps[i].ColCount = int(math.Max(1, math.Ceil(float64(len(columns))*steps[i].ColPct/100)))
	}

	seedCol := ""
	if pool != nil {
		seedCol = pool.SeedColumn()
	} else {
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		seedCol = sample.SelectSeedColumn(ctx, s.exec, s.d, schema, table, names, log)
	}

	log.Info("progressive scan starting",
		zap.Int64("rows", totalRows),
		zap.Int("columns", len(columns)),
		zap.String("seed_column", seedCol))

	result := &Result{
		Schema:    schema,
		Table:     table,
		TotalRows: totalRows,
		TotalCols: len(columns),
	}
	var composites []Composite

	for _, step := range steps {
		stepStart := time.Now()

		active := activeCandidates(candidates)
		if len(active) == 0 {
			log.Warn("no candidates remain", zap.Int("step", step.Number))
			break
		}
		stepCols := active
		if len(stepCols) > step.ColCount {
			stepCols = stepCols[:step.ColCount]
		}

		if step.Number >= compositeStartStep {
			maxCols := 2
			if step.Number >= 4 {
				maxCols = 3
			}
			composites = mergeComposites(composites, s.engine.GenerateComposites(active, step, maxCols))
		}

		src, owned, err := s.stepSample(ctx, schema, table, step, seedCol, pool)
		if err != nil {
			// Sample materialisation failure is fatal to the asset.
			return s.finishError(result, step, fmt.Sprintf("sample at %g%% failed: %v", step.RowPct, err)), nil
		}

		colNames := make([]string, len(stepCols))
		for i, c := range stepCols {
			colNames[i] = c.Name
		}
		compCols := make([][]string, len(composites))
		for i, comp := range composites {
			compCols[i] = comp.Columns
		}

		counts, err := s.measure(ctx, src, colNames, compCols, step.Timeout)
		s.dropOwnedSample(ctx, src, owned)
		if err != nil {
			if errors.Is(err, source.ErrQueryTimeout) {
				// Step failed on its soft timeout: continue with what we
				// have and let the terminal rule pick the best so far.
				log.Warn("step timed out", zap.Int("step", step.Number), zap.Error(err))
				break
			}
			return s.finishError(result, step, fmt.Sprintf("step %d query failed: %v", step.Number, err)), nil
		}

		rowCount := counts["_row_count"]
		selectivities := make(map[string]float64, len(counts))
		for k, v := range counts {
			if k == "_row_count" {
				continue
			}
			selectivities[k] = Selectivity(v, rowCount)
		}

		decision := s.engine.Decide(step, candidates, composites, selectivities)

		cardinalities := make(map[string]int64, len(counts))
		for k, v := range counts {
			if k != "_row_count" {
				cardinalities[k] = v
			}
		}
		promoted := make([]string, len(decision.Promoted))
		for i, c := range decision.Promoted {
			promoted[i] = c.Name
		}
		stepResult := StepResult{
			Number:          step.Number,
			SampleRows:      rowCount,
			ColumnsTested:   colNames,
			Cardinalities:   cardinalities,
			Selectivities:   selectivities,
			Promoted:        promoted,
			Eliminated:      decision.Eliminated,
			Best:            decision.Best,
			BestSelectivity: decision.BestSelectivity,
			Duration:        time.Since(stepStart),
		}
		result.Steps = append(result.Steps, stepResult)
		result.StepsExecuted = step.Number
		result.CandidatesTested = len(candidates)
		result.CompositesTested = len(composites)

		log.Info("step complete",
			zap.Int("step", step.Number),
			zap.Int64("sample_rows", rowCount),
			zap.String("best", decision.Best),
			zap.Float64("best_selectivity", decision.BestSelectivity),
			zap.Duration("elapsed", stepResult.Duration))

		// Between-step history checks: stability confirmation and
		// declining escalation. They read only the recorded history.
		if verdict := s.checkHistory(result, step, decision); verdict != nil {
			return verdict, nil
		}

		if decision.PKFound {
			return s.finishConfirmed(result, decision.PKColumns, 1.0), nil
		}
		if decision.SkipToValidation && step.Number >= compositeStartStep {
			return s.finishConfirmed(result, ParseCandidateKey(decision.Best), decision.BestSelectivity), nil
		}
		if decision.Escalate {
			return s.finishEscalated(result, decision.EscalationReason), nil
		}

		composites = decision.PromotedComposites
	}

	// Terminal: no verdict inside the schedule. The best candidate from
	// the last completed step is accepted; with nothing measured, the
	// scan escalates.
	if len(result.Steps) > 0 {
		last := result.Steps[len(result.Steps)-1]
		if last.Best != "" {
			return s.finishConfirmed(result, ParseCandidateKey(last.Best), last.BestSelectivity), nil
		}
	}
	return s.finishEscalated(result, "no viable candidate after all steps"), nil
}

func buildCandidates(columns []Column) []*Candidate {
	out := make([]*Candidate, 0, len(columns))
	for _, col := range columns {
		if !Testable(col.Name, col.DataType) {
			continue
		}
		out = append(out, &Candidate{
			Name:        col.Name,
			DataType:    col.DataType,
			Ordinal:     col.Ordinal,
			Priority:    PKPriority(col.Name),
			Selectivity: make(map[int]float64),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out
}

func activeCandidates(candidates []*Candidate) []*Candidate {
	out := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Eliminated() {
			out = append(out, c)
		}
	}
	return out
}

func mergeComposites(existing, generated []Composite) []Composite {
	seen := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		seen[c.Key()] = struct{}{}
	}
	out := existing
	for _, c := range generated {
		if _, dup := seen[c.Key()]; dup {
			continue
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}
	return out
}

// checkHistory applies the stability-confirmation and declining-escalation
// rules over the last three steps of recorded history.
func (s *Scanner) checkHistory(result *Result, step Step, decision Decision) *Result {
	if len(result.Steps) < 2 || step.Number < earlyCheckStep {
		return nil
	}
	n := len(result.Steps)
	window := result.Steps[maxInt(0, n-3):]
	lo, hi := window[0].BestSelectivity, window[0].BestSelectivity
	for _, sr := range window[1:] {
		if sr.BestSelectivity < lo {
			lo = sr.BestSelectivity
		}
		if sr.BestSelectivity > hi {
			hi = sr.BestSelectivity
		}
	}
	current := result.Steps[n-1].BestSelectivity
	prev := result.Steps[n-2].BestSelectivity

	if decision.Best != "" && current >= stabilityMinSelectivity && hi-lo <= stabilityMaxSpread {
		return s.finishConfirmed(result, ParseCandidateKey(decision.Best), current)
	}
	if current < decliningThreshold && current <= prev {
		return s.finishEscalated(result, fmt.Sprintf(
			"selectivity %.1f%% declining below %.0f%%", current*100, decliningThreshold*100))
	}
	return nil
}

func (s *Scanner) stepSample(ctx context.Context, schema, table string, step Step, seedCol string, pool *sample.Pool) (src string, owned bool, err error) {
	if pool != nil {
		name, err := pool.Get(ctx, step.RowPct)
		return name, false, err
	}
	tempName := fmt.Sprintf("scan_%d_%d", step.Number, time.Now().Unix())
	sql, err := s.d.CreateSample(tempName, schema, table, seedCol, step.RowPct)
	if err != nil {
		return "", false, err
	}
	if err := s.exec.Exec(ctx, source.ClassSample, sql); err != nil {
		return "", false, err
	}
	return tempName, true, nil
}

func (s *Scanner) dropOwnedSample(ctx context.Context, name string, owned bool) {
	if !owned {
		return
	}
	if sql, err := s.d.DropSample(name); err == nil {
		_ = s.exec.Exec(ctx, source.ClassCount, sql)
	}
}

// measure runs the count-distinct query, batching columns when the
// expression count exceeds the dialect limit. All batches share the same
// _row_count because they read the same materialised sample.
func (s *Scanner) measure(ctx context.Context, src string, columns []string, composites [][]string, timeout time.Duration) (map[string]int64, error) {
	limit := s.d.MaxDistinctExpressions()
	if len(columns)+len(composites) <= limit {
		return s.measureOnce(ctx, src, columns, composites, timeout)
	}

	results := make(map[string]int64)
	for start := 0; start < len(columns); start += limit {
		end := minInt(start+limit, len(columns))
		var batchComps [][]string
		if start == 0 {
			batchComps = composites
		}
		batch, err := s.measureOnce(ctx, src, columns[start:end], batchComps, timeout)
		if err != nil {
			return nil, err
		}
		for k, v := range batch {
			if _, have := results[k]; !have || k != "_row_count" {
				results[k] = v
			}
		}
	}
	return results, nil
}

func (s *Scanner) measureOnce(ctx context.Context, src string, columns []string, composites [][]string, timeout time.Duration) (map[string]int64, error) {
	sql, err := s.d.CountDistinct(src, columns, composites)
	if err != nil {
		return nil, err
	}
	cols, row, err := s.exec.QueryOneWithTimeout(ctx, timeout, sql)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return map[string]int64{"_row_count": 0}, nil
	}
	return parseCountRow(cols, row, columns, composites)
}

// parseCountRow maps the aliased result columns (_row_count, card_<i>,
// comp_<j>) back onto candidate names.
func parseCountRow(cols []string, row []any, columns []string, composites [][]string) (map[string]int64, error) {
	results := make(map[string]int64, len(cols))
	for i, name := range cols {
		value := source.AsInt64(row[i])
		switch {
		case name == "_row_count":
			results["_row_count"] = value
		case len(name) > 5 && name[:5] == "card_":
			var idx int
			if _, err := fmt.Sscanf(name, "card_%d", &idx); err != nil || idx >= len(columns) {
				return nil, fmt.Errorf("unexpected result column %q", name)
			}
			results[columns[idx]] = value
		case len(name) > 5 && name[:5] == "comp_":
			var idx int
			if _, err := fmt.Sscanf(name, "comp_%d", &idx); err != nil || idx >= len(composites) {
				return nil, fmt.Errorf("unexpected result column %q", name)
			}
			results[Composite{Columns: composites[idx]}.Key()] = value
		}
	}
	return results, nil
}

func (s *Scanner) fetchRowCount(ctx context.Context, schema, table string) (int64, error) {
	sql, err := s.d.RowCount(schema, table)
	if err != nil {
		return 0, err
	}
	_, row, err := s.exec.QueryOne(ctx, source.ClassCount, sql)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return source.AsInt64(row[0]), nil
}

func (s *Scanner) errorResult(schema, table string, rows int64, cols int, reason string) *Result {
	return &Result{
		Schema:           schema,
		Table:            table,
		TotalRows:        rows,
		TotalCols:        cols,
		Status:           StatusError,
		EscalationReason: reason,
	}
}

func (s *Scanner) finishError(r *Result, step Step, reason string) *Result {
	r.Status = StatusError
	r.StepsExecuted = step.Number
	r.EscalationReason = reason
	return r
}

func (s *Scanner) finishConfirmed(r *Result, pk []string, confidence float64) *Result {
	r.Status = StatusConfirmed
	r.PrimaryKey = pk
	r.Confidence = confidence
	return r
}

func (s *Scanner) finishEscalated(r *Result, reason string) *Result {
	r.Status = StatusEscalated
	r.EscalationReason = reason
	return r
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
