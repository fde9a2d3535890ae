// Package testutil provides test doubles shared by the engine's suites:
// a SQLite-compatible dialect and an in-memory source database, so the
// discovery algorithms can be exercised end-to-end without a live
// Postgres.
package testutil

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
	"github.com/grainhound/graind/internal/sqlsafe"
)

// SQLiteDialect adapts the engine's query shapes to SQLite. Sampling uses
// rowid modulo arithmetic, which is deterministic for a fixed table and
// so matches the stability the hash-based production sampling promises.
type SQLiteDialect struct {
	dialect.Postgres
}

func (d *SQLiteDialect) CreateSample(tempName, schema, table, seedCol string, pct float64) (string, error) {
	if err := sqlsafe.ValidateIdentifier(tempName); err != nil {
		return "", err
	}
	src, err := sqlsafe.QuoteQualified(schema, table)
	if err != nil {
		return "", err
	}
	if pct >= 100 {
		return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT * FROM %s", tempName, src), nil
	}
	modulo := int(100 / pct)
	return fmt.Sprintf(
		"CREATE TEMPORARY TABLE %s AS SELECT * FROM %s WHERE (rowid %% %d) = 0",
		tempName, src, modulo), nil
}

func sqliteComposite(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf(`COALESCE(CAST("%s" AS TEXT), '')`, c)
	}
	return strings.Join(parts, " || char(124) || ")
}

func (d *SQLiteDialect) CountDistinct(src string, columns []string, composites [][]string) (string, error) {
	exprs := []string{"COUNT(*) AS _row_count"}
	for i, col := range columns {
		if err := sqlsafe.ValidateIdentifier(col); err != nil {
			return "", err
		}
		exprs = append(exprs, fmt.Sprintf(`COUNT(DISTINCT "%s") AS card_%d`, col, i))
	}
	for j, comp := range composites {
		if err := sqlsafe.ValidateIdentifiers(comp); err != nil {
			return "", err
		}
		exprs = append(exprs, fmt.Sprintf("COUNT(DISTINCT (%s)) AS comp_%d", sqliteComposite(comp), j))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), src), nil
}

func (d *SQLiteDialect) Frequency(src, column string, topN int) (string, error) {
	if err := sqlsafe.ValidateIdentifier(column); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`SELECT CAST("%s" AS TEXT) AS val, COUNT(*) AS freq FROM %s WHERE "%s" IS NOT NULL GROUP BY "%s" ORDER BY freq DESC LIMIT %d`,
		column, src, column, column, topN), nil
}

// UnpivotFrequency cannot be expressed in SQLite; per the dialect
// contract it returns a query yielding zero rows so callers take the
// per-column fallback.
func (d *SQLiteDialect) UnpivotFrequency(src string, columns []string, topN int) (string, error) {
	return "SELECT '' AS col_name, '' AS col_value, 0 AS freq WHERE 1 = 0", nil
}

func (d *SQLiteDialect) FKValidate(fkTable, pkTable string, mappings []dialect.ColumnMapping, samplePct float64, seedCol string) (string, error) {
	joins := make([]string, len(mappings))
	fkNotNull := make([]string, len(mappings))
	pkNotNull := make([]string, len(mappings))
	for i, m := range mappings {
		if err := sqlsafe.ValidateIdentifier(m.ParentColumn); err != nil {
			return "", err
		}
		if err := sqlsafe.ValidateIdentifier(m.ReferencedColumn); err != nil {
			return "", err
		}
		joins[i] = fmt.Sprintf(`fk."%s" = pk."%s"`, m.ParentColumn, m.ReferencedColumn)
		fkNotNull[i] = fmt.Sprintf(`fk."%s" IS NOT NULL`, m.ParentColumn)
		pkNotNull[i] = fmt.Sprintf(`pk."%s" IS NOT NULL`, m.ReferencedColumn)
	}
	fkWhere := ""
	if samplePct < 100 {
		fkWhere = fmt.Sprintf(" WHERE (rowid %% %d) = 0", int(100/samplePct))
	}
	fkCond := strings.Join(fkNotNull, " AND ")
	pkCond := strings.Join(pkNotNull, " AND ")
	return fmt.Sprintf(
		"SELECT "+
			"SUM(CASE WHEN %s AND %s THEN 1 ELSE 0 END) AS match_count, "+
			"SUM(CASE WHEN %s AND NOT (%s) THEN 1 ELSE 0 END) AS orphan_count, "+
			"SUM(CASE WHEN NOT (%s) AND %s THEN 1 ELSE 0 END) AS referenced_only_count "+
			"FROM (SELECT * FROM %s%s) AS fk FULL OUTER JOIN %s AS pk ON %s",
		fkCond, pkCond, fkCond, pkCond, fkCond, pkCond,
		fkTable, fkWhere, pkTable, strings.Join(joins, " AND ")), nil
}

func (d *SQLiteDialect) DuplicateGroupRows(src string, candidateCols []string, topN int) (string, error) {
	if err := sqlsafe.ValidateIdentifiers(candidateCols); err != nil {
		return "", err
	}
	quoted := make([]string, len(candidateCols))
	joins := make([]string, len(candidateCols))
	for i, c := range candidateCols {
		quoted[i] = `"` + c + `"`
		// SQLite's IS operator is the NULL-safe equality.
		joins[i] = fmt.Sprintf(`s."%s" IS dk."%s"`, c, c)
	}
	cols := strings.Join(quoted, ", ")
	return fmt.Sprintf(
		"WITH dupe_keys AS ("+
			"SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC LIMIT %d"+
			") SELECT s.* FROM %s s INNER JOIN dupe_keys dk ON %s",
		cols, src, cols, topN, src, strings.Join(joins, " AND ")), nil
}

// NewSourceDB opens an in-memory SQLite database pinned to a single
// connection so session temp tables survive across statements, and wraps
// it in a source executor.
func NewSourceDB(t *testing.T) (*sql.DB, *source.Executor) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	return db, source.New(db, source.DefaultTimeouts(), nil)
}

// MustExec runs a statement and fails the test on error.
func MustExec(t *testing.T, db *sql.DB, stmt string, args ...any) {
	t.Helper()
	if _, err := db.Exec(stmt, args...); err != nil {
		t.Fatalf("exec %q: %v", stmt, err)
	}
}
