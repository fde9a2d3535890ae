package profile

import (
	"context"
	"testing"

	"github.com/grainhound/graind/internal/sample"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/testutil"
)

func seedInventory(t *testing.T) (*source.Executor, *sample.Pool) {
	t.Helper()
	db, exec := testutil.NewSourceDB(t)
	testutil.MustExec(t, db, `CREATE TABLE stock ("SKU" INTEGER, "Depot" TEXT, "Empty" TEXT)`)
	depots := []string{"north", "north", "north", "south", "south", "east"}
	for i := 1; i <= 600; i++ {
		testutil.MustExec(t, db, `INSERT INTO stock VALUES (?, ?, NULL)`,
			i, depots[i%len(depots)])
	}
	pool, err := sample.NewPool(exec, &testutil.SQLiteDialect{}, "main", "stock", "SKU", nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { pool.ReleaseAll(context.Background()) })
	return exec, pool
}

func TestScanCardinality(t *testing.T) {
	t.Parallel()

	exec, pool := seedInventory(t)
	s := NewScanner(exec, &testutil.SQLiteDialect{}, nil)

	got, err := s.ScanCardinality(context.Background(), pool,
		[]string{"SKU", "Depot", "Empty"}, []float64{100})
	if err != nil {
		t.Fatalf("ScanCardinality() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("measurements = %d, want 3", len(got))
	}
	byCol := map[string]Measurement{}
	for _, m := range got {
		byCol[m.Column] = m
	}
	if m := byCol["SKU"]; m.Distinct != 600 || m.Selectivity != 1.0 {
		t.Errorf("SKU = %+v", m)
	}
	if m := byCol["Depot"]; m.Distinct != 3 {
		t.Errorf("Depot = %+v", m)
	}
	if m := byCol["Empty"]; m.Distinct != 0 || m.Selectivity != 0 {
		t.Errorf("Empty = %+v", m)
	}
}

func TestScanCardinality_MultipleLevels(t *testing.T) {
	t.Parallel()

	exec, pool := seedInventory(t)
	s := NewScanner(exec, &testutil.SQLiteDialect{}, nil)

	got, err := s.ScanCardinality(context.Background(), pool,
		[]string{"SKU"}, []float64{1, 10})
	if err != nil {
		t.Fatalf("ScanCardinality() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("measurements = %d, want 2", len(got))
	}
	if got[0].SamplePct != 1 || got[1].SamplePct != 10 {
		t.Errorf("sample levels = %v, %v", got[0].SamplePct, got[1].SamplePct)
	}
}

func TestScanFrequencies_FallbackAndSentinelShape(t *testing.T) {
	t.Parallel()

	exec, pool := seedInventory(t)
	s := NewScanner(exec, &testutil.SQLiteDialect{}, nil)

	// The SQLite test dialect's unpivot yields zero rows, so every
	// column takes the per-column fallback, exactly the degraded path
	// the contract requires.
	got, err := s.ScanFrequencies(context.Background(), pool,
		[]string{"Depot", "Empty"}, 100, 10)
	if err != nil {
		t.Fatalf("ScanFrequencies() error = %v", err)
	}

	depot := got["Depot"]
	if len(depot) != 3 {
		t.Fatalf("Depot values = %d, want 3", len(depot))
	}
	// Frequency-descending: north (300) first.
	if depot[0].Value != "north" || depot[0].Count != 300 {
		t.Errorf("top Depot value = %+v", depot[0])
	}
	for i := 1; i < len(depot); i++ {
		if depot[i].Count > depot[i-1].Count {
			t.Errorf("frequencies not descending: %+v", depot)
		}
	}

	// All-NULL column: empty slice, the caller's sentinel case.
	if len(got["Empty"]) != 0 {
		t.Errorf("Empty = %+v, want no values", got["Empty"])
	}
}

func TestScanFrequencies_TopNLimit(t *testing.T) {
	t.Parallel()

	exec, pool := seedInventory(t)
	s := NewScanner(exec, &testutil.SQLiteDialect{}, nil)

	got, err := s.ScanFrequencies(context.Background(), pool,
		[]string{"SKU"}, 100, 5)
	if err != nil {
		t.Fatalf("ScanFrequencies() error = %v", err)
	}
	if len(got["SKU"]) != 5 {
		t.Errorf("SKU values = %d, want top 5", len(got["SKU"]))
	}
}
