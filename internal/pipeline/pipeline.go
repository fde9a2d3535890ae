// Package pipeline orchestrates the discovery phases for one schema
// batch: PK discovery, cardinality, frequencies, FK candidates, FK
// validation. Each phase commits in its own catalog transaction, writes
// a phase-log row, and checkpoints so a rerun resumes where it stopped.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/catalog"
	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/fk"
	"github.com/grainhound/graind/internal/profile"
	"github.com/grainhound/graind/internal/sample"
	"github.com/grainhound/graind/internal/scan"
	"github.com/grainhound/graind/internal/source"
)

// Phase names, in execution order.
const (
	PhasePKDiscovery  = "pk_discovery"
	PhaseCardinality  = "cardinality"
	PhaseFrequencies  = "frequencies"
	PhaseFKDiscovery  = "fk_discovery"
	PhaseFKValidation = "fk_validation"
)

// Columns with measured selectivity below this are treated as constants
// and skipped by the profiling phases.
const minCandidateSelectivity = 0.0001

// Options configures one orchestrator run.
type Options struct {
	SchemaPattern       string
	SamplePct           float64
	TopNValues          int
	FKTopNPerColumn     int
	ValidateFKs         bool
	ClassifyCardinality bool
	ErrorRateAbort      float64
	CheckpointPath      string
	Resume              bool

	SkipPKDiscovery bool
	SkipCardinality bool
	SkipFrequencies bool
}

// CandidateSource proposes FK candidate edges from catalog state. The
// default is the naming-pattern registry; richer collaborators (value
// overlap, vector similarity) plug in here.
type CandidateSource interface {
	Propose(ctx context.Context, source fk.TableInfo, targets []fk.TableInfo, topNPerColumn int) ([]fk.Candidate, error)
}

// registrySource adapts the pattern-matcher registry.
type registrySource struct {
	registry *fk.Registry
}

func (r registrySource) Propose(_ context.Context, source fk.TableInfo, targets []fk.TableInfo, topN int) ([]fk.Candidate, error) {
	return r.registry.Discover(source, targets, topN), nil
}

// PhaseResult summarises one executed phase.
type PhaseResult struct {
	Name      string
	Status    string // success, skipped, error
	Duration  time.Duration
	Processed int
	Total     int
	Errors    []string
}

// RunResult is the run summary surfaced to the operator.
type RunResult struct {
	Batch    string
	RunID    string
	Status   string // success, partial, error
	Duration time.Duration
	Phases   []PhaseResult

	PKDiscovered     int
	PKNoNatural      int
	ColumnsProfiled  int
	FrequencyColumns int
	FKCandidates     int
	FKConfirmed      int
}

// Orchestrator drives the phases over one source connection and one
// catalog store.
type Orchestrator struct {
	store      *catalog.Store
	exec       *source.Executor
	d          dialect.Dialect
	overrides  scan.Overrides
	candidates CandidateSource
	opts       Options
	log        *zap.Logger

	runID string
}

// New wires an orchestrator. overrides may be nil; candidates defaults
// to the naming-pattern registry.
func New(store *catalog.Store, exec *source.Executor, d dialect.Dialect, overrides scan.Overrides, candidates CandidateSource, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if candidates == nil {
		candidates = registrySource{registry: fk.NewRegistry()}
	}
	if opts.ErrorRateAbort <= 0 {
		opts.ErrorRateAbort = 0.5
	}
	if opts.SamplePct <= 0 {
		opts.SamplePct = 10
	}
	if opts.TopNValues <= 0 {
		opts.TopNValues = 100
	}
	return &Orchestrator{
		store:      store,
		exec:       exec,
		d:          d,
		overrides:  overrides,
		candidates: candidates,
		opts:       opts,
		log:        log,
		runID:      uuid.NewString(),
	}
}

type phaseStats struct {
	processed int
	total     int
	errors    []string
}

// Run executes the pipeline for the configured schema batch.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	batch := o.opts.SchemaPattern
	start := time.Now()
	result := &RunResult{Batch: batch, RunID: o.runID}

	cp, err := LoadCheckpoint(o.opts.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if !o.opts.Resume {
		if err := cp.Clear(batch); err != nil {
			return nil, err
		}
	}

	o.log.Info("pipeline starting",
		zap.String("batch", batch), zap.String("run_id", o.runID))

	phases := []struct {
		name string
		skip bool
		fn   func(context.Context, *catalog.Queries, *RunResult) (phaseStats, error)
	}{
		{PhasePKDiscovery, o.opts.SkipPKDiscovery, o.phasePKDiscovery},
		{PhaseCardinality, o.opts.SkipCardinality, o.phaseCardinality},
		{PhaseFrequencies, o.opts.SkipFrequencies, o.phaseFrequencies},
		{PhaseFKDiscovery, false, o.phaseFKDiscovery},
		{PhaseFKValidation, !o.opts.ValidateFKs, o.phaseFKValidation},
	}

	aborted := false
	for _, p := range phases {
		if p.skip || cp.Done(batch, p.name) {
			result.Phases = append(result.Phases, PhaseResult{Name: p.name, Status: "skipped"})
			continue
		}
		if aborted {
			result.Phases = append(result.Phases, PhaseResult{Name: p.name, Status: "skipped"})
			continue
		}

		pr := o.runPhase(ctx, batch, p.name, result, p.fn)
		result.Phases = append(result.Phases, pr)

		if pr.Status == catalog.PhaseError {
			aborted = true
			continue
		}
		if err := cp.MarkDone(batch, p.name); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	result.Status = overallStatus(result.Phases)
	o.log.Info("pipeline complete",
		zap.String("status", result.Status),
		zap.Duration("elapsed", result.Duration))
	return result, nil
}

func overallStatus(phases []PhaseResult) string {
	hasError, hasItemErrors := false, false
	for _, p := range phases {
		if p.Status == catalog.PhaseError {
			hasError = true
		}
		if len(p.Errors) > 0 {
			hasItemErrors = true
		}
	}
	switch {
	case hasError:
		return "error"
	case hasItemErrors:
		return "partial"
	default:
		return "success"
	}
}

// runPhase brackets a phase in one catalog transaction, then appends its
// phase-log row outside the transaction so a rollback still leaves an
// audit trail.
func (o *Orchestrator) runPhase(ctx context.Context, batch, name string, result *RunResult, fn func(context.Context, *catalog.Queries, *RunResult) (phaseStats, error)) PhaseResult {
	start := time.Now()
	var stats phaseStats

	err := o.store.WithTx(ctx, func(q *catalog.Queries) error {
		var ferr error
		stats, ferr = fn(ctx, q, result)
		return ferr
	})
	elapsed := time.Since(start)

	pl := &catalog.PhaseLog{
		RunID:          o.runID,
		Scope:          batch,
		Phase:          name,
		DurationMs:     elapsed.Milliseconds(),
		ItemsProcessed: stats.processed,
		ItemsTotal:     stats.total,
	}
	pr := PhaseResult{
		Name:      name,
		Duration:  elapsed,
		Processed: stats.processed,
		Total:     stats.total,
		Errors:    stats.errors,
	}

	if err != nil {
		pl.Status = catalog.PhaseError
		pl.ErrorDetail = err.Error()
		pr.Status = catalog.PhaseError
		pr.Errors = append(pr.Errors, err.Error())
		o.log.Error("phase failed", zap.String("phase", name), zap.Error(err))
	} else {
		pl.Status = catalog.PhaseSuccess
		pr.Status = catalog.PhaseSuccess
	}

	if logErr := o.store.AppendPhaseLog(ctx, pl); logErr != nil {
		o.log.Warn("phase log write failed", zap.Error(logErr))
	}
	return pr
}

// tooManyErrors applies the batch abort threshold.
func (o *Orchestrator) tooManyErrors(errs []string, total int) bool {
	return total > 0 && float64(len(errs)) > o.opts.ErrorRateAbort*float64(total)
}

// ensureInventory fills missing column and row-count metadata from the
// source.
func (o *Orchestrator) ensureInventory(ctx context.Context, q *catalog.Queries, a *catalog.Asset) error {
	if len(a.Columns) == 0 {
		sql, err := o.d.ColumnMetadata(a.Schema, a.Table)
		if err != nil {
			return err
		}
		_, rows, err := o.exec.QueryAll(ctx, source.ClassCount, sql)
		if err != nil {
			return fmt.Errorf("fetch column inventory: %w", err)
		}
		for _, row := range rows {
			name, _ := source.AsString(row[0])
			dataType, _ := source.AsString(row[1])
			a.Columns = append(a.Columns, catalog.ColumnInfo{
				Name:     name,
				DataType: dataType,
				Ordinal:  int(source.AsInt64(row[2])),
			})
		}
		if _, err := q.UpsertAsset(ctx, a); err != nil {
			return err
		}
	}
	if a.RowEstimate == 0 {
		sql, err := o.d.RowCount(a.Schema, a.Table)
		if err != nil {
			return err
		}
		_, row, err := o.exec.QueryOne(ctx, source.ClassCount, sql)
		if err != nil {
			return fmt.Errorf("fetch row count: %w", err)
		}
		if row != nil {
			a.RowEstimate = source.AsInt64(row[0])
			if err := q.UpdateRowEstimate(ctx, a.ID, a.RowEstimate); err != nil {
				return err
			}
		}
	}
	return nil
}

// assetPool builds the per-asset sample pool, selecting the seed column
// first. The caller owns release.
func (o *Orchestrator) assetPool(ctx context.Context, a *catalog.Asset) (*sample.Pool, error) {
	names := make([]string, len(a.Columns))
	for i, c := range a.Columns {
		names[i] = c.Name
	}
	seed := sample.SelectSeedColumn(ctx, o.exec, o.d, a.Schema, a.Table, names, o.log)
	if seed == "" {
		return nil, fmt.Errorf("asset %s has no columns", a.QualifiedName)
	}
	return sample.NewPool(o.exec, o.d, a.Schema, a.Table, seed, o.log)
}

func scanColumns(a *catalog.Asset) []scan.Column {
	out := make([]scan.Column, len(a.Columns))
	for i, c := range a.Columns {
		out[i] = scan.Column{Name: c.Name, DataType: c.DataType, Ordinal: c.Ordinal}
	}
	return out
}

// phasePKDiscovery runs the grain ladder for every asset that still
// needs one.
func (o *Orchestrator) phasePKDiscovery(ctx context.Context, q *catalog.Queries, result *RunResult) (phaseStats, error) {
	assets, err := q.ListAssetsBySchema(ctx, o.opts.SchemaPattern)
	if err != nil {
		return phaseStats{}, err
	}
	stats := phaseStats{total: len(assets)}
	discoverer := scan.NewDiscoverer(o.exec, o.d, o.overrides, o.log)

	for _, a := range assets {
		if a.GrainStatus == catalog.GrainConfirmed || a.GrainStatus == catalog.GrainNoNaturalPK {
			stats.processed++
			continue
		}
		if err := o.discoverAssetGrain(ctx, q, discoverer, a, result); err != nil {
			stats.errors = append(stats.errors, fmt.Sprintf("%s: %v", a.QualifiedName, err))
			o.log.Warn("pk discovery failed",
				zap.String("asset", a.QualifiedName), zap.Error(err))
			if o.tooManyErrors(stats.errors, len(assets)) {
				return stats, fmt.Errorf("pk discovery error rate exceeded: %d/%d assets failed",
					len(stats.errors), len(assets))
			}
			continue
		}
		stats.processed++
	}
	return stats, nil
}

func (o *Orchestrator) discoverAssetGrain(ctx context.Context, q *catalog.Queries, discoverer *scan.Discoverer, a *catalog.Asset, result *RunResult) error {
	if err := o.ensureInventory(ctx, q, a); err != nil {
		return err
	}

	// The no-source override paths must not require a pool.
	var pool *sample.Pool
	needsSource := true
	if o.overrides != nil {
		qualified := a.Schema + "." + a.Table
		if o.overrides.NoNaturalPK(qualified) {
			needsSource = false
		} else if _, ok := o.overrides.PrimaryKey(qualified); ok {
			needsSource = false
		}
	}
	if needsSource {
		var err error
		pool, err = o.assetPool(ctx, a)
		if err != nil {
			return err
		}
		defer pool.ReleaseAll(ctx)
	}

	res := discoverer.Discover(ctx, a.Schema, a.Table, scanColumns(a), a.RowEstimate, pool)

	update := catalog.GrainUpdate{
		PrimaryKey:  res.PrimaryKey,
		PKMinimal:   res.PKMinimal,
		FDRemoved:   res.FDRemoved,
		GrainStatus: res.Status,
		Method:      res.Method,
	}
	if err := q.UpdateGrain(ctx, a.ID, update); err != nil {
		return err
	}

	switch res.Status {
	case scan.GrainConfirmed:
		result.PKDiscovered++
	case scan.GrainNoNaturalPK:
		result.PKNoNatural++
	case scan.GrainError:
		return fmt.Errorf("grain discovery: %s", res.Reason)
	}
	return nil
}

// candidateColumns filters an asset's columns to the profile-worthy set:
// type-testable, and not known to be near-constant.
func candidateColumns(ctx context.Context, q *catalog.Queries, a *catalog.Asset) ([]string, error) {
	known, err := q.ListCardinality(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	bySelectivity := make(map[string]float64, len(known))
	for _, rec := range known {
		bySelectivity[rec.ColumnName] = rec.Selectivity
	}

	var out []string
	for _, c := range a.Columns {
		if !scan.Testable(c.Name, c.DataType) {
			continue
		}
		if sel, measured := bySelectivity[c.Name]; measured && sel < minCandidateSelectivity {
			continue
		}
		out = append(out, c.Name)
	}
	return out, nil
}

// phaseCardinality records distinct counts at the 1% and 10% levels.
func (o *Orchestrator) phaseCardinality(ctx context.Context, q *catalog.Queries, result *RunResult) (phaseStats, error) {
	assets, err := q.ListAssetsBySchema(ctx, o.opts.SchemaPattern)
	if err != nil {
		return phaseStats{}, err
	}
	stats := phaseStats{total: len(assets)}
	scanner := profile.NewScanner(o.exec, o.d, o.log)

	for _, a := range assets {
		err := func() error {
			if err := o.ensureInventory(ctx, q, a); err != nil {
				return err
			}
			cols, err := candidateColumns(ctx, q, a)
			if err != nil {
				return err
			}
			if len(cols) == 0 {
				return nil
			}
			pool, err := o.assetPool(ctx, a)
			if err != nil {
				return err
			}
			defer pool.ReleaseAll(ctx)

			measurements, err := scanner.ScanCardinality(ctx, pool, cols, []float64{1, 10})
			if err != nil {
				return err
			}
			for _, m := range measurements {
				rec := &catalog.CardinalityRecord{
					AssetID:       a.ID,
					ColumnName:    m.Column,
					SamplePct:     m.SamplePct,
					DistinctCount: m.Distinct,
					Selectivity:   m.Selectivity,
					TotalRows:     m.TotalRows,
				}
				if err := q.UpsertCardinality(ctx, rec); err != nil {
					return err
				}
			}
			result.ColumnsProfiled += len(cols)
			return nil
		}()
		if err != nil {
			stats.errors = append(stats.errors, fmt.Sprintf("%s: %v", a.QualifiedName, err))
			if o.tooManyErrors(stats.errors, len(assets)) {
				return stats, fmt.Errorf("cardinality error rate exceeded: %d/%d assets failed",
					len(stats.errors), len(assets))
			}
			continue
		}
		stats.processed++
	}
	return stats, nil
}

// phaseFrequencies stores top-N values per candidate column on the
// shared sample.
func (o *Orchestrator) phaseFrequencies(ctx context.Context, q *catalog.Queries, result *RunResult) (phaseStats, error) {
	assets, err := q.ListAssetsBySchema(ctx, o.opts.SchemaPattern)
	if err != nil {
		return phaseStats{}, err
	}
	stats := phaseStats{total: len(assets)}
	scanner := profile.NewScanner(o.exec, o.d, o.log)

	for _, a := range assets {
		err := func() error {
			if err := o.ensureInventory(ctx, q, a); err != nil {
				return err
			}
			cols, err := candidateColumns(ctx, q, a)
			if err != nil {
				return err
			}
			if len(cols) == 0 {
				return nil
			}
			pool, err := o.assetPool(ctx, a)
			if err != nil {
				return err
			}
			defer pool.ReleaseAll(ctx)

			freqs, err := scanner.ScanFrequencies(ctx, pool, cols, o.opts.SamplePct, o.opts.TopNValues)
			if err != nil {
				return err
			}
			sampleRows, _ := pool.RowCount(o.opts.SamplePct)

			for col, values := range freqs {
				var records []*catalog.ValueFrequency
				if len(values) == 0 {
					// Sentinel for a column that yielded nothing.
					records = append(records, &catalog.ValueFrequency{Rank: 0, Frequency: 0})
				}
				for rank, vc := range values {
					value := vc.Value
					rel := 0.0
					if sampleRows > 0 {
						rel = float64(vc.Count) / float64(sampleRows)
					}
					records = append(records, &catalog.ValueFrequency{
						Rank:              rank + 1,
						Value:             &value,
						Frequency:         vc.Count,
						RelativeFrequency: rel,
					})
				}
				if err := q.ReplaceFrequencies(ctx, a.ID, col, sample.Canonical(o.opts.SamplePct), records); err != nil {
					return err
				}
				result.FrequencyColumns++
			}
			return nil
		}()
		if err != nil {
			stats.errors = append(stats.errors, fmt.Sprintf("%s: %v", a.QualifiedName, err))
			if o.tooManyErrors(stats.errors, len(assets)) {
				return stats, fmt.Errorf("frequency error rate exceeded: %d/%d assets failed",
					len(stats.errors), len(assets))
			}
			continue
		}
		stats.processed++
	}
	return stats, nil
}

// tableInfos builds the matcher view of the batch: every asset with its
// columns, plus the architectural (or business) PK when confirmed.
func tableInfos(assets []*catalog.Asset) []fk.TableInfo {
	infos := make([]fk.TableInfo, 0, len(assets))
	for _, a := range assets {
		names := make([]string, len(a.Columns))
		for i, c := range a.Columns {
			names[i] = c.Name
		}
		info := fk.TableInfo{QualifiedName: a.QualifiedName, Columns: names}
		if a.GrainStatus == catalog.GrainConfirmed {
			if len(a.PKMinimal) > 0 {
				info.PrimaryKey = a.PKMinimal
			} else {
				info.PrimaryKey = a.PrimaryKey
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// proposeAll collects candidate edges for every asset in the batch.
func (o *Orchestrator) proposeAll(ctx context.Context, assets []*catalog.Asset) ([]fk.Candidate, error) {
	infos := tableInfos(assets)
	var all []fk.Candidate
	for _, info := range infos {
		cands, err := o.candidates.Propose(ctx, info, infos, o.opts.FKTopNPerColumn)
		if err != nil {
			return nil, fmt.Errorf("propose candidates for %s: %w", info.QualifiedName, err)
		}
		all = append(all, cands...)
	}
	return all, nil
}

// phaseFKDiscovery counts candidate edges; validation re-derives them so
// a resumed run does not depend on in-memory state.
func (o *Orchestrator) phaseFKDiscovery(ctx context.Context, q *catalog.Queries, result *RunResult) (phaseStats, error) {
	assets, err := q.ListAssetsBySchema(ctx, o.opts.SchemaPattern)
	if err != nil {
		return phaseStats{}, err
	}
	cands, err := o.proposeAll(ctx, assets)
	if err != nil {
		return phaseStats{}, err
	}
	result.FKCandidates = len(cands)
	return phaseStats{processed: len(cands), total: len(cands)}, nil
}

// phaseFKValidation validates every candidate edge and persists the
// metrics; only edges at or above the integrity threshold are flagged
// validated.
func (o *Orchestrator) phaseFKValidation(ctx context.Context, q *catalog.Queries, result *RunResult) (phaseStats, error) {
	assets, err := q.ListAssetsBySchema(ctx, o.opts.SchemaPattern)
	if err != nil {
		return phaseStats{}, err
	}
	byName := make(map[string]*catalog.Asset, len(assets))
	for _, a := range assets {
		byName[a.QualifiedName] = a
	}

	cands, err := o.proposeAll(ctx, assets)
	if err != nil {
		return phaseStats{}, err
	}
	stats := phaseStats{total: len(cands)}
	validator := fk.NewValidator(o.exec, o.d, o.log)

	for _, cand := range cands {
		err := func() error {
			parent, ok := byName[cand.ParentTable]
			if !ok {
				return fmt.Errorf("parent asset %s not in batch", cand.ParentTable)
			}
			referenced, ok := byName[cand.ReferencedTable]
			if !ok {
				return fmt.Errorf("referenced asset %s not in batch", cand.ReferencedTable)
			}

			res, err := validator.Validate(ctx, cand, false)
			if err != nil {
				return err
			}

			mappings := make([]catalog.ColumnMapping, len(cand.ParentColumns))
			for i := range cand.ParentColumns {
				mappings[i] = catalog.ColumnMapping{
					ParentColumn:     cand.ParentColumns[i],
					ReferencedColumn: cand.ReferencedColumns[i],
				}
			}
			rel := &catalog.Relationship{
				ParentAssetID:     parent.ID,
				ReferencedAssetID: referenced.ID,
				Mappings:          mappings,
				Confidence:        cand.Confidence,
				MatchPct:          res.MatchPct,
				OrphanPct:         res.OrphanPct,
				SamplePct:         res.SamplePct,
				StepNumber:        res.StepNumber,
				Validated:         res.Valid(),
				PatternName:       cand.PatternName,
			}

			if res.Valid() && o.opts.ClassifyCardinality {
				fwd := res
				rev, err := validator.Validate(ctx, reverseCandidate(cand), false)
				if err == nil {
					rel.Cardinality = fk.ClassifyCardinality(fwd, rev)
				} else {
					o.log.Warn("reverse validation failed",
						zap.String("parent", cand.ParentTable), zap.Error(err))
				}
			}

			if _, err := q.UpsertRelationship(ctx, rel); err != nil {
				return err
			}
			if rel.Validated {
				result.FKConfirmed++
			}
			return nil
		}()
		if err != nil {
			stats.errors = append(stats.errors, fmt.Sprintf("%s->%s: %v",
				cand.ParentTable, cand.ReferencedTable, err))
			if o.tooManyErrors(stats.errors, len(cands)) {
				return stats, fmt.Errorf("fk validation error rate exceeded: %d/%d edges failed",
					len(stats.errors), len(cands))
			}
			continue
		}
		stats.processed++
	}
	return stats, nil
}

func reverseCandidate(c fk.Candidate) fk.Candidate {
	return fk.Candidate{
		ParentTable:       c.ReferencedTable,
		ParentColumns:     c.ReferencedColumns,
		ReferencedTable:   c.ParentTable,
		ReferencedColumns: c.ParentColumns,
		PatternName:       c.PatternName,
	}
}
