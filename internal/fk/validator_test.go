package fk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/testutil"
)

// fullSteps is the validation schedule with every step reading the full
// parent table, so match percentages are exact in tests.
func fullSteps() []ValidationStep {
	steps := ValidationSteps()
	for i := range steps {
		steps[i].RowPct = 100
		steps[i].Timeout = 10 * time.Second
	}
	return steps
}

// seedOrdersCustomers creates 1000 orders; matched controls how many of
// them reference an existing customer.
func seedOrdersCustomers(t *testing.T, matched int) (*sql.DB, *source.Executor) {
	t.Helper()
	db, exec := testutil.NewSourceDB(t)
	testutil.MustExec(t, db, `CREATE TABLE orders ("OrderID" INTEGER, "CustomerID" INTEGER)`)
	testutil.MustExec(t, db, `CREATE TABLE customers ("CustomerID" INTEGER, "Name" TEXT)`)
	for i := 1; i <= 1000; i++ {
		cust := i
		if i > matched {
			cust = i + 100000 // no such customer
		}
		testutil.MustExec(t, db, `INSERT INTO orders VALUES (?, ?)`, i, cust)
	}
	for i := 1; i <= 1000; i++ {
		testutil.MustExec(t, db, `INSERT INTO customers VALUES (?, ?)`, i, "n")
	}
	return db, exec
}

func newTestValidator(exec *source.Executor, d dialect.Dialect) *Validator {
	v := NewValidator(exec, d, nil)
	v.steps = fullSteps()
	v.progressive = 10 // force the progressive path for small fixtures
	return v
}

func ordersCandidate() Candidate {
	return Candidate{
		ParentTable:       "main.orders",
		ParentColumns:     []string{"CustomerID"},
		ReferencedTable:   "main.customers",
		ReferencedColumns: []string{"CustomerID"},
		PatternName:       "same_name",
	}
}

func TestValidator_DisjointTerminatesAtStepTwo(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 0)
	v := newTestValidator(exec, &testutil.SQLiteDialect{})

	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.MatchPct != 0 {
		t.Errorf("match_pct = %v, want 0", res.MatchPct)
	}
	if res.StepNumber != 2 {
		t.Errorf("terminated at step %d, want 2 (disjoint rule waits one step)", res.StepNumber)
	}
	if res.Valid() {
		t.Error("disjoint edge must not validate")
	}
}

func TestValidator_HighMatchConfirmsAtStepTwo(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 999) // 99.9% matched
	v := newTestValidator(exec, &testutil.SQLiteDialect{})

	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.StepNumber != 2 {
		t.Errorf("confirmed at step %d, want 2", res.StepNumber)
	}
	if !res.Valid() {
		t.Errorf("match_pct = %v, want validated", res.MatchPct)
	}
	if len(res.History) != 2 {
		t.Errorf("history = %d entries, want 2", len(res.History))
	}
}

func TestValidator_StableLowTerminatesAtStepThree(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 300) // 30% matched, stable
	v := newTestValidator(exec, &testutil.SQLiteDialect{})

	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.StepNumber != 3 {
		t.Errorf("terminated at step %d, want 3 (stable-low needs three steps)", res.StepNumber)
	}
	if res.MatchPct >= lowStableCeiling {
		t.Errorf("match_pct = %v", res.MatchPct)
	}
	if res.Valid() {
		t.Error("low-integrity edge must not validate")
	}
}

func TestValidator_SmallParentSkipsToFullStep(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 999)
	v := NewValidator(exec, &testutil.SQLiteDialect{}, nil)
	v.steps = fullSteps() // default progressive threshold: 1000 rows is small

	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.StepNumber != 7 {
		t.Errorf("step = %d, want 7 (row-count guard)", res.StepNumber)
	}
	if len(res.History) != 1 {
		t.Errorf("history = %d entries, want 1", len(res.History))
	}
	if !res.Valid() {
		t.Errorf("match_pct = %v", res.MatchPct)
	}
}

func TestValidator_EmptyParent(t *testing.T) {
	t.Parallel()

	db, exec := testutil.NewSourceDB(t)
	testutil.MustExec(t, db, `CREATE TABLE orders ("OrderID" INTEGER, "CustomerID" INTEGER)`)
	testutil.MustExec(t, db, `CREATE TABLE customers ("CustomerID" INTEGER)`)

	v := newTestValidator(exec, &testutil.SQLiteDialect{})
	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Err == "" {
		t.Error("empty parent should be reported on the result")
	}
}

// failAfterDialect fails every FKValidate call after the first n.
type failAfterDialect struct {
	testutil.SQLiteDialect
	calls, failAfter int
}

func (d *failAfterDialect) FKValidate(fkTable, pkTable string, mappings []dialect.ColumnMapping, samplePct float64, seedCol string) (string, error) {
	d.calls++
	if d.calls > d.failAfter {
		return "SELECT * FROM no_such_table_anywhere", nil
	}
	return d.SQLiteDialect.FKValidate(fkTable, pkTable, mappings, samplePct, seedCol)
}

func TestValidator_StepErrorFallsBackToPriorSuccess(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 600) // 60%: no early rule fires at step 1
	d := &failAfterDialect{failAfter: 1}
	v := NewValidator(exec, d, nil)
	v.steps = fullSteps()
	v.progressive = 10

	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Err != "" {
		t.Fatalf("result error = %q, want prior success", res.Err)
	}
	if res.StepNumber != 1 {
		t.Errorf("step = %d, want the surviving step 1 result", res.StepNumber)
	}
}

func TestValidator_StepErrorWithNoPriorSuccessFailsEdge(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 600)
	d := &failAfterDialect{failAfter: 0}
	v := NewValidator(exec, d, nil)
	v.steps = fullSteps()
	v.progressive = 10

	res, err := v.Validate(context.Background(), ordersCandidate(), false)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Err == "" {
		t.Error("edge should fail when no step succeeded")
	}
}

func TestValidator_EarlyTerminationConsistency(t *testing.T) {
	t.Parallel()

	// Whenever the validator stops before step 7, one of the three
	// early-termination predicates must hold on the recorded history.
	fixtures := []int{0, 300, 999}
	for _, matched := range fixtures {
		_, exec := seedOrdersCustomers(t, matched)
		v := newTestValidator(exec, &testutil.SQLiteDialect{})
		res, err := v.Validate(context.Background(), ordersCandidate(), false)
		if err != nil {
			t.Fatalf("Validate(matched=%d) error = %v", matched, err)
		}
		if res.StepNumber >= 7 {
			continue
		}
		h := res.History
		last := h[len(h)-1].MatchPct

		disjoint := res.StepNumber >= 2 && last == 0
		confirmed := res.StepNumber >= 2 && len(h) >= 2 &&
			last >= IntegrityThreshold && h[len(h)-2].MatchPct >= IntegrityThreshold &&
			abs(last-h[len(h)-2].MatchPct) <= confirmStableDelta
		stableLow := false
		if res.StepNumber >= 3 && len(h) >= 3 && last < lowStableCeiling {
			recent := h[len(h)-3:]
			lo, hi := recent[0].MatchPct, recent[0].MatchPct
			for _, m := range recent[1:] {
				if m.MatchPct < lo {
					lo = m.MatchPct
				}
				if m.MatchPct > hi {
					hi = m.MatchPct
				}
			}
			stableLow = hi-lo <= lowStableSpread
		}
		if !disjoint && !confirmed && !stableLow {
			t.Errorf("matched=%d stopped at step %d with no predicate true: %+v",
				matched, res.StepNumber, h)
		}
	}
}

func TestValidator_MissingParentTable(t *testing.T) {
	t.Parallel()

	_, exec := testutil.NewSourceDB(t)
	v := newTestValidator(exec, &testutil.SQLiteDialect{})
	_, err := v.Validate(context.Background(), Candidate{
		ParentTable:       "main.ghost",
		ParentColumns:     []string{"X"},
		ReferencedTable:   "main.ghost2",
		ReferencedColumns: []string{"X"},
	}, false)
	if err == nil {
		t.Error("expected error for missing parent table")
	}
}

func TestClassifyCardinality(t *testing.T) {
	t.Parallel()

	high := func(refOnly int64) *ValidationResult {
		return &ValidationResult{MatchPct: 99.9, ReferencedOnly: refOnly}
	}
	low := &ValidationResult{MatchPct: 40}

	if got := ClassifyCardinality(high(0), high(0)); got != "1:1" {
		t.Errorf("both full = %q, want 1:1", got)
	}
	if got := ClassifyCardinality(high(0), low); got != "1:N" {
		t.Errorf("forward full = %q, want 1:N", got)
	}
	if got := ClassifyCardinality(low, low); got != "N:M" {
		t.Errorf("neither = %q, want N:M", got)
	}
	if got := ClassifyCardinality(nil, high(0)); got != "" {
		t.Errorf("nil input = %q, want empty", got)
	}
}

func TestValidator_Bidirectional(t *testing.T) {
	t.Parallel()

	_, exec := seedOrdersCustomers(t, 999)
	v := newTestValidator(exec, &testutil.SQLiteDialect{})

	fwd, rev, err := v.Bidirectional(context.Background(), ordersCandidate())
	if err != nil {
		t.Fatalf("Bidirectional() error = %v", err)
	}
	if fwd == nil || rev == nil {
		t.Fatal("missing directional result")
	}
	if rev.Candidate.ParentTable != "main.customers" {
		t.Errorf("reverse parent = %s", rev.Candidate.ParentTable)
	}
	if fwd.MatchPct < IntegrityThreshold || rev.MatchPct < IntegrityThreshold {
		t.Errorf("fwd=%v rev=%v, want both high in this fixture", fwd.MatchPct, rev.MatchPct)
	}
}
