package scan

import (
	"database/sql"
	"testing"
	"time"

	"github.com/grainhound/graind/internal/sample"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/testutil"
)

type sqliteDialect = testutil.SQLiteDialect

func newSourceDB(t *testing.T) (*sql.DB, *source.Executor) {
	return testutil.NewSourceDB(t)
}

func mustExec(t *testing.T, db *sql.DB, stmt string, args ...any) {
	t.Helper()
	testutil.MustExec(t, db, stmt, args...)
}

// fullSampleSteps is the default schedule with every step reading the
// full table, so measured selectivities are exact in tests.
func fullSampleSteps() []Step {
	steps := DefaultSteps()
	for i := range steps {
		steps[i].RowPct = 100
		steps[i].Timeout = 10 * time.Second
	}
	return steps
}

func newTestPool(t *testing.T, exec *source.Executor, table, seedCol string) *sample.Pool {
	t.Helper()
	pool, err := sample.NewPool(exec, &sqliteDialect{}, "main", table, seedCol, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return pool
}
