package scan

import (
	"context"
	"testing"
)

func TestAccumulator_FindsCompositeKey(t *testing.T) {
	t.Parallel()

	db, exec := newSourceDB(t)
	// No single column is unique; (Cell, Block) together are.
	mustExec(t, db, `CREATE TABLE grid ("Cell" INTEGER, "Block" INTEGER, "Zone" TEXT)`)
	for i := 0; i < 1000; i++ {
		mustExec(t, db, `INSERT INTO grid VALUES (?, ?, ?)`, i%50, i/50, "z")
	}

	acc := NewAccumulator(exec, &sqliteDialect{}, nil)
	pk, plateau, err := acc.Accumulate(context.Background(), `"main"."grid"`,
		[]string{"Cell", "Block", "Zone"})
	if err != nil {
		t.Fatalf("Accumulate() error = %v", err)
	}
	if plateau != nil {
		t.Errorf("unexpected plateau: %+v", plateau)
	}
	if len(pk) != 2 {
		t.Fatalf("primary key = %v, want 2 columns", pk)
	}
	found := map[string]bool{}
	for _, c := range pk {
		found[c] = true
	}
	if !found["Cell"] || !found["Block"] {
		t.Errorf("primary key = %v, want {Cell, Block}", pk)
	}
}

func TestAccumulator_PlateauOnLowCardinalityColumns(t *testing.T) {
	t.Parallel()

	db, exec := newSourceDB(t)
	// Eight two-valued columns: cumulative selectivity creeps up too
	// slowly, tripping the plateau detector.
	mustExec(t, db, `CREATE TABLE bits (
		"B1" INTEGER, "B2" INTEGER, "B3" INTEGER, "B4" INTEGER,
		"B5" INTEGER, "B6" INTEGER, "B7" INTEGER, "B8" INTEGER)`)
	for i := 0; i < 1000; i++ {
		mustExec(t, db, `INSERT INTO bits VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			i&1, (i>>1)&1, (i>>2)&1, (i>>3)&1, (i>>4)&1, (i>>5)&1, (i>>6)&1, (i>>7)&1)
	}

	acc := NewAccumulator(exec, &sqliteDialect{}, nil)
	pk, plateau, err := acc.Accumulate(context.Background(), `"main"."bits"`,
		[]string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8"})
	if err != nil {
		t.Fatalf("Accumulate() error = %v", err)
	}
	if pk != nil {
		t.Errorf("unexpected key: %v", pk)
	}
	if plateau == nil {
		t.Fatal("expected a plateau composite for chase escalation")
	}
	if len(plateau.Columns) == 0 || plateau.Selectivity <= 0 {
		t.Errorf("plateau = %+v", plateau)
	}
}

func TestAccumulator_DropsZeroSelectivityColumns(t *testing.T) {
	t.Parallel()

	db, exec := newSourceDB(t)
	mustExec(t, db, `CREATE TABLE sparse ("K" INTEGER, "AllNull" INTEGER)`)
	for i := 1; i <= 200; i++ {
		mustExec(t, db, `INSERT INTO sparse VALUES (?, NULL)`, i)
	}

	acc := NewAccumulator(exec, &sqliteDialect{}, nil)
	pk, _, err := acc.Accumulate(context.Background(), `"main"."sparse"`,
		[]string{"K", "AllNull"})
	if err != nil {
		t.Fatalf("Accumulate() error = %v", err)
	}
	if len(pk) != 1 || pk[0] != "K" {
		t.Errorf("primary key = %v, want [K]", pk)
	}
}

func TestAccumulator_LeaveOneOutMinimises(t *testing.T) {
	t.Parallel()

	db, exec := newSourceDB(t)
	// X mirrors Y (same distinct count, accumulated first by the name
	// tiebreak), so the found key [X, Y, Z] carries a redundant column
	// that leave-one-out strips back out.
	mustExec(t, db, `CREATE TABLE tall ("X" INTEGER, "Y" INTEGER, "Z" INTEGER)`)
	for i := 0; i < 1000; i++ {
		mustExec(t, db, `INSERT INTO tall VALUES (?, ?, ?)`, 2*(i%100), i%100, i/100)
	}

	acc := NewAccumulator(exec, &sqliteDialect{}, nil)
	pk, _, err := acc.Accumulate(context.Background(), `"main"."tall"`,
		[]string{"X", "Y", "Z"})
	if err != nil {
		t.Fatalf("Accumulate() error = %v", err)
	}
	if len(pk) != 2 {
		t.Fatalf("primary key = %v, want 2 columns after minimisation", pk)
	}
	for _, c := range pk {
		if c == "X" {
			t.Errorf("redundant column X survived minimisation: %v", pk)
		}
	}
}

func TestMinimiser_RemovesFunctionallyDependentColumn(t *testing.T) {
	t.Parallel()

	db, exec := newSourceDB(t)
	// Key and Derived determine each other (Derived = Key * 2). The
	// single pass walks the original key in order, so Key drops first
	// and Derived then survives as the representative.
	mustExec(t, db, `CREATE TABLE fd ("Key" INTEGER, "Derived" INTEGER, "Line" INTEGER)`)
	for i := 0; i < 300; i++ {
		mustExec(t, db, `INSERT INTO fd VALUES (?, ?, ?)`, i/3, (i/3)*2, i%3)
	}

	m := NewMinimiser(exec, &sqliteDialect{}, nil)
	minimal, removed := m.Minimise(context.Background(), `"main"."fd"`,
		[]string{"Key", "Derived", "Line"})
	if len(removed) != 1 || removed[0] != "Key" {
		t.Fatalf("removed = %v, want [Key]", removed)
	}
	if len(minimal) != 2 || minimal[0] != "Derived" || minimal[1] != "Line" {
		t.Fatalf("minimal = %v, want [Derived Line]", minimal)
	}
}

func TestMinimiser_SingleColumnUntouched(t *testing.T) {
	t.Parallel()

	_, exec := newSourceDB(t)
	m := NewMinimiser(exec, &sqliteDialect{}, nil)
	minimal, removed := m.Minimise(context.Background(), "ignored", []string{"OnlyCol"})
	if len(minimal) != 1 || removed != nil {
		t.Errorf("Minimise(single) = %v, %v", minimal, removed)
	}
}

func TestMinimiser_IndependentColumnsKept(t *testing.T) {
	t.Parallel()

	db, exec := newSourceDB(t)
	mustExec(t, db, `CREATE TABLE pairkey ("A" INTEGER, "B" INTEGER)`)
	for i := 0; i < 100; i++ {
		mustExec(t, db, `INSERT INTO pairkey VALUES (?, ?)`, i%10, i/10)
	}

	m := NewMinimiser(exec, &sqliteDialect{}, nil)
	minimal, removed := m.Minimise(context.Background(), `"main"."pairkey"`,
		[]string{"A", "B"})
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}
	if len(minimal) != 2 {
		t.Errorf("minimal = %v", minimal)
	}
}
