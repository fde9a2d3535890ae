package sample

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/sqlsafe"
)

// fakeDialect emits SQLite-compatible SQL so pool behavior can be
// exercised against an in-memory database. Sampling uses rowid modulo
// arithmetic, which is deterministic for a fixed table.
type fakeDialect struct {
	dialect.Postgres
	createCalls map[float64]int
}

func newFakeDialect() *fakeDialect {
	return &fakeDialect{createCalls: map[float64]int{}}
}

func (f *fakeDialect) CreateSample(tempName, schema, table, seedCol string, pct float64) (string, error) {
	if err := sqlsafe.ValidateIdentifier(tempName); err != nil {
		return "", err
	}
	f.createCalls[pct]++
	if pct >= 100 {
		return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT * FROM %s", tempName, table), nil
	}
	modulo := int(100 / pct)
	return fmt.Sprintf(
		"CREATE TEMPORARY TABLE %s AS SELECT * FROM %s WHERE (rowid %% %d) = 0",
		tempName, table, modulo), nil
}

func (f *fakeDialect) SeedColumn(schema, table string, columns []string, topN int) (string, error) {
	exprs := make([]string, len(columns))
	for i, c := range columns {
		exprs[i] = fmt.Sprintf(`COUNT(DISTINCT "%s") AS sel_%d`, c, i)
	}
	return fmt.Sprintf("SELECT %s FROM (SELECT * FROM %s LIMIT %d)",
		strings.Join(exprs, ", "), table, topN), nil
}

func newTestSource(t *testing.T) *source.Executor {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1) // keep session temps on one connection

	if _, err := db.Exec(`CREATE TABLE orders (order_id INTEGER, status TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for i := 1; i <= 1000; i++ {
		if _, err := db.Exec(`INSERT INTO orders VALUES (?, ?)`, i, "ok"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return source.New(db, source.DefaultTimeouts(), nil)
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{0.1, 0.1},
		{0.3, 0.3},
		{1, 1},
		{2, 1},
		{5, 3},
		{10, 10},
		{30, 30},
		{100, 100},
		{150, 100},
		{0.05, 0.1},
	}
	for _, tt := range tests {
		if got := Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func TestPool_MaterialisesOnce(t *testing.T) {
	t.Parallel()

	exec := newTestSource(t)
	d := newFakeDialect()
	pool, err := NewPool(exec, d, "main", "orders", "order_id", nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	ctx := context.Background()

	first, err := pool.Get(ctx, 10)
	if err != nil {
		t.Fatalf("Get(10) error = %v", err)
	}
	second, err := pool.Get(ctx, 10)
	if err != nil {
		t.Fatalf("Get(10) again error = %v", err)
	}
	if first != second {
		t.Errorf("Get(10) returned different temps: %q vs %q", first, second)
	}
	if d.createCalls[10] != 1 {
		t.Errorf("create_sample calls at 10%% = %d, want 1", d.createCalls[10])
	}

	rows, ok := pool.RowCount(10)
	if !ok {
		t.Fatal("RowCount(10) not recorded")
	}
	if rows != 100 {
		t.Errorf("RowCount(10) = %d, want 100 (rowid %% 10 over 1000 rows)", rows)
	}
}

func TestPool_CollapsesOver100(t *testing.T) {
	t.Parallel()

	exec := newTestSource(t)
	d := newFakeDialect()
	pool, err := NewPool(exec, d, "main", "orders", "order_id", nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	ctx := context.Background()

	full, err := pool.Get(ctx, 250)
	if err != nil {
		t.Fatalf("Get(250) error = %v", err)
	}
	again, err := pool.Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get(100) error = %v", err)
	}
	if full != again {
		t.Errorf("250%% and 100%% should share a sample: %q vs %q", full, again)
	}
	if rows, _ := pool.RowCount(100); rows != 1000 {
		t.Errorf("full copy rows = %d, want 1000", rows)
	}
}

func TestPool_ReleaseAll(t *testing.T) {
	t.Parallel()

	exec := newTestSource(t)
	d := newFakeDialect()
	pool, err := NewPool(exec, d, "main", "orders", "order_id", nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	ctx := context.Background()

	name, err := pool.Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get(100) error = %v", err)
	}
	pool.ReleaseAll(ctx)

	// Dropped: querying the temp must fail now.
	if _, _, err := exec.QueryOne(ctx, source.ClassCount, "SELECT COUNT(*) FROM "+name); err == nil {
		t.Errorf("temp %s still queryable after ReleaseAll", name)
	}

	// A fresh Get materialises again.
	if _, err := pool.Get(ctx, 100); err != nil {
		t.Fatalf("Get(100) after release error = %v", err)
	}
	if d.createCalls[100] != 2 {
		t.Errorf("create calls = %d, want 2", d.createCalls[100])
	}
}

func TestPool_RejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	exec := newTestSource(t)
	if _, err := NewPool(exec, newFakeDialect(), "main", "orders; DROP", "order_id", nil); err == nil {
		t.Error("NewPool() with unsafe table should fail")
	}
}

func newNopLogger() *zap.Logger { return zap.NewNop() }

func TestSelectSeedColumn(t *testing.T) {
	t.Parallel()

	exec := newTestSource(t)
	d := newFakeDialect()
	log := newNopLogger()

	// order_id has 1000 distinct values, status has 1.
	got := SelectSeedColumn(context.Background(), exec, d, "main", "orders",
		[]string{"status", "order_id"}, log)
	if got != "order_id" {
		t.Errorf("SelectSeedColumn() = %q, want order_id", got)
	}
}

func TestSelectSeedColumn_FallsBackOnError(t *testing.T) {
	t.Parallel()

	exec := newTestSource(t)
	d := newFakeDialect()
	got := SelectSeedColumn(context.Background(), exec, d, "main", "missing_table",
		[]string{"a", "b"}, newNopLogger())
	if got != "a" {
		t.Errorf("SelectSeedColumn() fallback = %q, want first column", got)
	}
}
