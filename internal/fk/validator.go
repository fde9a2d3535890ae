package fk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/sqlsafe"
)

// ValidationStep is one row of the progressive validation schedule.
type ValidationStep struct {
	Number       int
	RowPct       float64
	IntegrityBar float64 // percent
	Timeout      time.Duration
}

// ValidationSteps is the progressive schedule: growing parent-side
// samples with rising integrity bars.
func ValidationSteps() []ValidationStep {
	return []ValidationStep{
		{Number: 1, RowPct: 0.1, IntegrityBar: 90.0, Timeout: 60 * time.Second},
		{Number: 2, RowPct: 0.3, IntegrityBar: 95.0, Timeout: 120 * time.Second},
		{Number: 3, RowPct: 1, IntegrityBar: 97.0, Timeout: 180 * time.Second},
		{Number: 4, RowPct: 3, IntegrityBar: 98.0, Timeout: 300 * time.Second},
		{Number: 5, RowPct: 10, IntegrityBar: 99.0, Timeout: 300 * time.Second},
		{Number: 6, RowPct: 30, IntegrityBar: 99.5, Timeout: 300 * time.Second},
		{Number: 7, RowPct: 100, IntegrityBar: 99.9, Timeout: 600 * time.Second},
	}
}

// Early-termination tuning (percent points).
const (
	// IntegrityThreshold is the match percentage an edge needs to be
	// persisted as validated.
	IntegrityThreshold = 99.0

	// progressiveThreshold: parent tables below this row count skip
	// straight to the full-sample step.
	progressiveThreshold = 100_000

	confirmStableDelta = 2.0
	lowStableCeiling   = 50.0
	lowStableSpread    = 5.0
)

// StepMetric is the recorded outcome of one validation step.
type StepMetric struct {
	Number   int
	RowPct   float64
	MatchPct float64
	Duration time.Duration
}

// ValidationResult is the terminal outcome for one candidate edge.
// Percentages are in points (0-100).
type ValidationResult struct {
	Candidate Candidate

	MatchPct       float64
	OrphanPct      float64
	MatchCount     int64
	OrphanCount    int64
	ReferencedOnly int64

	TotalParentRows     int64
	TotalReferencedRows int64

	StepNumber int
	SamplePct  float64
	History    []StepMetric
	Err        string
}

// Valid reports whether the edge met the integrity threshold.
func (r *ValidationResult) Valid() bool {
	return r.Err == "" && r.MatchPct >= IntegrityThreshold
}

// Validator measures candidate edges with progressive-sample full outer
// joins.
type Validator struct {
	exec        *source.Executor
	d           dialect.Dialect
	steps       []ValidationStep
	progressive int64
	log         *zap.Logger
}

// NewValidator creates a validator over the default schedule.
func NewValidator(exec *source.Executor, d dialect.Dialect, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		exec:        exec,
		d:           d,
		steps:       ValidationSteps(),
		progressive: progressiveThreshold,
		log:         log,
	}
}

// Validate runs the progressive schedule for one candidate. full forces
// a single 100% validation regardless of table size.
func (v *Validator) Validate(ctx context.Context, cand Candidate, full bool) (*ValidationResult, error) {
	log := v.log.With(
		zap.String("parent", cand.ParentTable),
		zap.String("referenced", cand.ReferencedTable))

	parentRows, err := v.rowCount(ctx, cand.ParentTable)
	if err != nil {
		return nil, fmt.Errorf("count parent rows: %w", err)
	}
	referencedRows, err := v.rowCount(ctx, cand.ReferencedTable)
	if err != nil {
		return nil, fmt.Errorf("count referenced rows: %w", err)
	}
	if parentRows == 0 {
		return &ValidationResult{Candidate: cand, Err: "parent table is empty"}, nil
	}

	final := v.steps[len(v.steps)-1]
	if full || parentRows < v.progressive {
		res, err := v.validateAtStep(ctx, cand, final, parentRows, referencedRows)
		if err != nil {
			return &ValidationResult{Candidate: cand, Err: err.Error()}, nil
		}
		res.StepNumber = final.Number
		res.History = append(res.History, StepMetric{
			Number: final.Number, RowPct: final.RowPct, MatchPct: res.MatchPct,
		})
		return res, nil
	}

	var last *ValidationResult
	var history []StepMetric

	for _, step := range v.steps {
		start := time.Now()
		res, err := v.validateAtStep(ctx, cand, step, parentRows, referencedRows)
		if err != nil {
			log.Warn("validation step failed",
				zap.Int("step", step.Number), zap.Error(err))
			if last != nil {
				return last, nil
			}
			return &ValidationResult{Candidate: cand, Err: err.Error()}, nil
		}
		res.StepNumber = step.Number
		history = append(history, StepMetric{
			Number:   step.Number,
			RowPct:   step.RowPct,
			MatchPct: res.MatchPct,
			Duration: time.Since(start),
		})
		res.History = history
		last = res

		log.Info("validation step",
			zap.Int("step", step.Number),
			zap.Float64("match_pct", res.MatchPct))

		// Early-termination rules, in precedence order.
		if step.Number >= 2 && res.MatchPct == 0 {
			log.Info("populations are disjoint, terminating")
			return res, nil
		}
		if step.Number >= 2 && res.MatchPct >= IntegrityThreshold && len(history) >= 2 {
			prev := history[len(history)-2].MatchPct
			if prev >= IntegrityThreshold && abs(res.MatchPct-prev) <= confirmStableDelta {
				log.Info("match rate stable and high, confirming early")
				return res, nil
			}
		}
		if step.Number >= 3 && res.MatchPct < lowStableCeiling && len(history) >= 3 {
			recent := history[len(history)-3:]
			lo, hi := recent[0].MatchPct, recent[0].MatchPct
			for _, m := range recent[1:] {
				if m.MatchPct < lo {
					lo = m.MatchPct
				}
				if m.MatchPct > hi {
					hi = m.MatchPct
				}
			}
			if hi-lo <= lowStableSpread {
				log.Info("match rate stable and low, terminating")
				return res, nil
			}
		}
	}
	return last, nil
}

// Bidirectional validates the edge in both directions so the caller can
// label its cardinality. Opt-in: it doubles the validation cost.
func (v *Validator) Bidirectional(ctx context.Context, cand Candidate) (forward, reverse *ValidationResult, err error) {
	forward, err = v.Validate(ctx, cand, false)
	if err != nil {
		return nil, nil, err
	}
	reverse, err = v.Validate(ctx, Candidate{
		ParentTable:       cand.ReferencedTable,
		ParentColumns:     cand.ReferencedColumns,
		ReferencedTable:   cand.ParentTable,
		ReferencedColumns: cand.ParentColumns,
		PatternName:       cand.PatternName,
	}, false)
	if err != nil {
		return nil, nil, err
	}
	return forward, reverse, nil
}

// ClassifyCardinality labels an edge from its two directional runs by
// comparing how fully each side resolves into the other.
func ClassifyCardinality(forward, reverse *ValidationResult) string {
	if forward == nil || reverse == nil || forward.Err != "" || reverse.Err != "" {
		return ""
	}
	fwdFull := forward.MatchPct >= IntegrityThreshold && forward.ReferencedOnly == 0
	revFull := reverse.MatchPct >= IntegrityThreshold && reverse.ReferencedOnly == 0
	switch {
	case fwdFull && revFull:
		return "1:1"
	case forward.MatchPct >= IntegrityThreshold || reverse.MatchPct >= IntegrityThreshold:
		return "1:N"
	default:
		return "N:M"
	}
}

func (v *Validator) validateAtStep(ctx context.Context, cand Candidate, step ValidationStep, parentRows, referencedRows int64) (*ValidationResult, error) {
	parent, err := v.quoteQualified(cand.ParentTable)
	if err != nil {
		return nil, err
	}
	referenced, err := v.quoteQualified(cand.ReferencedTable)
	if err != nil {
		return nil, err
	}

	mappings := make([]dialect.ColumnMapping, len(cand.ParentColumns))
	for i := range cand.ParentColumns {
		if i >= len(cand.ReferencedColumns) {
			return nil, fmt.Errorf("column mapping mismatch: %v -> %v",
				cand.ParentColumns, cand.ReferencedColumns)
		}
		mappings[i] = dialect.ColumnMapping{
			ParentColumn:     cand.ParentColumns[i],
			ReferencedColumn: cand.ReferencedColumns[i],
		}
	}

	seedCol := ""
	if step.RowPct < 100 && len(cand.ParentColumns) > 0 {
		seedCol = cand.ParentColumns[0]
	}

	sql, err := v.d.FKValidate(parent, referenced, mappings, step.RowPct, seedCol)
	if err != nil {
		return nil, err
	}
	_, row, err := v.exec.QueryOneWithTimeout(ctx, step.Timeout, sql)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &ValidationResult{Candidate: cand}, nil
	}

	match := source.AsInt64(row[0])
	orphan := source.AsInt64(row[1])
	referencedOnly := source.AsInt64(row[2])

	total := match + orphan
	matchPct, orphanPct := 0.0, 0.0
	if total > 0 {
		matchPct = float64(match) / float64(total) * 100
		orphanPct = float64(orphan) / float64(total) * 100
	}

	return &ValidationResult{
		Candidate:           cand,
		MatchPct:            matchPct,
		OrphanPct:           orphanPct,
		MatchCount:          match,
		OrphanCount:         orphan,
		ReferencedOnly:      referencedOnly,
		TotalParentRows:     parentRows,
		TotalReferencedRows: referencedRows,
		SamplePct:           step.RowPct,
	}, nil
}

func (v *Validator) quoteQualified(qualified string) (string, error) {
	schema, table, err := sqlsafe.SplitQualified(qualified)
	if err != nil {
		return "", err
	}
	return v.d.QuoteQualified(schema, table)
}

func (v *Validator) rowCount(ctx context.Context, qualified string) (int64, error) {
	schema, table, err := sqlsafe.SplitQualified(qualified)
	if err != nil {
		return 0, err
	}
	sql, err := v.d.RowCount(schema, table)
	if err != nil {
		return 0, err
	}
	_, row, err := v.exec.QueryOne(ctx, source.ClassCount, sql)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return source.AsInt64(row[0]), nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
