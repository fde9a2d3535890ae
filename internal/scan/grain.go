package scan

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/sample"
	"github.com/grainhound/graind/internal/source"
)

// Grain statuses surfaced per asset.
const (
	GrainConfirmed   = "confirmed"
	GrainNoNaturalPK = "no_natural_pk"
	GrainUnknown     = "unknown"
	GrainError       = "error"
)

// Discovery methods recorded with a grain outcome.
const (
	MethodConfig       = "config"
	MethodNoPK         = "no-pk"
	MethodPattern      = "pattern"
	MethodProgressive  = "progressive-scan"
	MethodVaryingChase = "varying-column-chase"
	MethodAccumulation = "iterative-accumulation"
	MethodExhausted    = "exhausted"
)

// Tables at or below this row count are profiled on a full copy instead
// of a 1% sample.
const smallTableRows = 100_000

// patternUniqueness is the selectivity a pattern hit (or chase/IA key)
// must reach on its validation sample.
const patternUniqueness = 0.9999

// Overrides supplies operator-confirmed grain decisions. Implemented by
// the primary-key override config file.
type Overrides interface {
	NoNaturalPK(qualified string) bool
	PrimaryKey(qualified string) ([]string, bool)
}

// GrainResult is the terminal outcome of grain discovery for one asset.
type GrainResult struct {
	QualifiedName string
	Status        string
	PrimaryKey    []string
	PKMinimal     []string
	FDRemoved     []string
	Method        string
	Confidence    float64
	Reason        string
	Steps         []StepResult
}

// Discoverer runs the full grain discovery ladder for one asset:
// override, pattern, progressive scan, varying-column chase, iterative
// accumulation.
type Discoverer struct {
	exec      *source.Executor
	d         dialect.Dialect
	scanner   *Scanner
	chaser    *Chaser
	accum     *Accumulator
	fdmin     *Minimiser
	overrides Overrides
	log       *zap.Logger
}

// NewDiscoverer wires a discoverer. overrides may be nil.
func NewDiscoverer(exec *source.Executor, d dialect.Dialect, overrides Overrides, log *zap.Logger) *Discoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{
		exec:      exec,
		d:         d,
		scanner:   NewScanner(exec, d, nil, log),
		chaser:    NewChaser(exec, d, log),
		accum:     NewAccumulator(exec, d, log),
		fdmin:     NewMinimiser(exec, d, log),
		overrides: overrides,
		log:       log,
	}
}

// Discover finds the grain of schema.table. The pool supplies every
// sample the ladder needs and is owned by the caller.
func (g *Discoverer) Discover(ctx context.Context, schema, table string, columns []Column, rowCount int64, pool *sample.Pool) *GrainResult {
	qualified := schema + "." + table
	log := g.log.With(zap.String("asset", qualified))

	if g.overrides != nil {
		if g.overrides.NoNaturalPK(qualified) {
			return &GrainResult{QualifiedName: qualified, Status: GrainNoNaturalPK, Method: MethodNoPK}
		}
		if pk, ok := g.overrides.PrimaryKey(qualified); ok {
			return &GrainResult{
				QualifiedName: qualified,
				Status:        GrainConfirmed,
				PrimaryKey:    pk,
				Method:        MethodConfig,
				Confidence:    1.0,
			}
		}
	}

	samplePct := 1.0
	if rowCount > 0 && rowCount <= smallTableRows {
		samplePct = 100
	}

	// Pattern hit, validated against a sample before acceptance.
	if pk := patternCandidate(table, columns); pk != nil {
		src, err := pool.Get(ctx, samplePct)
		if err != nil {
			return g.errorResult(qualified, "pattern validation sample failed: "+err.Error())
		}
		sel := g.testUniqueness(ctx, src, pk)
		if sel >= patternUniqueness {
			return &GrainResult{
				QualifiedName: qualified,
				Status:        GrainConfirmed,
				PrimaryKey:    pk,
				Method:        MethodPattern,
				Confidence:    sel,
			}
		}
		log.Info("pattern candidate rejected",
			zap.Strings("candidate", pk),
			zap.Float64("selectivity", sel))
	}

	scanResult, err := g.scanner.Scan(ctx, schema, table, columns, rowCount, pool)
	if err != nil {
		return g.errorResult(qualified, err.Error())
	}

	switch scanResult.Status {
	case StatusConfirmed:
		res := &GrainResult{
			QualifiedName: qualified,
			Status:        GrainConfirmed,
			PrimaryKey:    scanResult.PrimaryKey,
			Method:        MethodProgressive,
			Confidence:    scanResult.Confidence,
			Steps:         scanResult.Steps,
		}
		g.applyFDMinimisation(ctx, res, pool, samplePct)
		return res

	case StatusError:
		return &GrainResult{
			QualifiedName: qualified,
			Status:        GrainError,
			Reason:        scanResult.EscalationReason,
			Steps:         scanResult.Steps,
		}
	}

	// Escalated: chase the scanner's best candidate first.
	testable := testableNames(columns)
	if best, bestSel := scanResult.BestCandidate(); best != "" && bestSel > 0 {
		if res := g.tryChase(ctx, qualified, ParseCandidateKey(best), testable, pool, samplePct, scanResult.Steps); res != nil {
			return res
		}
	}

	// Iterative accumulation, with its plateau feeding back into VCC.
	src, err := pool.Get(ctx, samplePct)
	if err != nil {
		return g.errorResult(qualified, "accumulation sample failed: "+err.Error())
	}
	pk, plateau, err := g.accum.Accumulate(ctx, src, testable)
	if err != nil {
		log.Warn("iterative accumulation failed", zap.Error(err))
	}
	if pk != nil {
		res := &GrainResult{
			QualifiedName: qualified,
			Status:        GrainConfirmed,
			PrimaryKey:    pk,
			Method:        MethodAccumulation,
			Confidence:    iaUniqueness,
			Steps:         scanResult.Steps,
		}
		g.applyFDMinimisation(ctx, res, pool, samplePct)
		return res
	}
	if plateau != nil {
		log.Info("accumulation plateau escalating to chase",
			zap.Strings("composite", plateau.Columns),
			zap.Float64("selectivity", plateau.Selectivity))
		if res := g.tryChase(ctx, qualified, plateau.Columns, testable, pool, samplePct, scanResult.Steps); res != nil {
			return res
		}
	}

	return &GrainResult{
		QualifiedName: qualified,
		Status:        GrainUnknown,
		Method:        MethodExhausted,
		Reason:        scanResult.EscalationReason,
		Steps:         scanResult.Steps,
	}
}

func (g *Discoverer) tryChase(ctx context.Context, qualified string, candidate, testable []string, pool *sample.Pool, samplePct float64, steps []StepResult) *GrainResult {
	src, err := pool.Get(ctx, samplePct)
	if err != nil {
		g.log.Warn("chase sample failed", zap.Error(err))
		return nil
	}
	chase, err := g.chaser.Chase(ctx, src, candidate, testable)
	if err != nil {
		g.log.Warn("chase failed", zap.Error(err))
		return nil
	}
	if chase == nil {
		return nil
	}
	res := &GrainResult{
		QualifiedName: qualified,
		Status:        GrainConfirmed,
		PrimaryKey:    chase.PrimaryKey,
		Method:        MethodVaryingChase,
		Confidence:    chase.Selectivity,
		Steps:         steps,
	}
	g.applyFDMinimisation(ctx, res, pool, samplePct)
	return res
}

// applyFDMinimisation fills PKMinimal/FDRemoved for composite keys. The
// full key stays as the business PK; the reduced set is the
// architectural PK.
func (g *Discoverer) applyFDMinimisation(ctx context.Context, res *GrainResult, pool *sample.Pool, samplePct float64) {
	if len(res.PrimaryKey) <= 1 {
		return
	}
	src, err := pool.Get(ctx, samplePct)
	if err != nil {
		g.log.Warn("fd minimisation sample failed", zap.Error(err))
		return
	}
	minimal, removed := g.fdmin.Minimise(ctx, src, res.PrimaryKey)
	if len(removed) > 0 {
		res.PKMinimal = minimal
		res.FDRemoved = removed
	}
}

// testUniqueness measures the composite selectivity of cols on src.
func (g *Discoverer) testUniqueness(ctx context.Context, src string, cols []string) float64 {
	sql, err := g.d.CountDistinct(src, nil, [][]string{cols})
	if err != nil {
		return 0
	}
	_, row, err := g.exec.QueryOne(ctx, source.ClassDistinct, sql)
	if err != nil || row == nil {
		return 0
	}
	return Selectivity(source.AsInt64(row[1]), source.AsInt64(row[0]))
}

func (g *Discoverer) errorResult(qualified, reason string) *GrainResult {
	return &GrainResult{QualifiedName: qualified, Status: GrainError, Reason: reason}
}

// patternCandidate looks for conventional key names: an exact
// <Table><suffix> column, else a single ID-suffixed column.
func patternCandidate(table string, columns []Column) []string {
	names := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		names[c.Name] = struct{}{}
	}
	for _, suffix := range []string{"ID", "Id", "_ID", "_id", "Key", "_Key"} {
		if _, ok := names[table+suffix]; ok {
			return []string{table + suffix}
		}
	}

	var idCols []string
	for _, c := range columns {
		if strings.HasSuffix(strings.ToUpper(c.Name), "ID") {
			idCols = append(idCols, c.Name)
		}
	}
	if len(idCols) == 1 {
		return idCols
	}
	return nil
}

func testableNames(columns []Column) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if Testable(c.Name, c.DataType) {
			out = append(out, c.Name)
		}
	}
	return out
}
