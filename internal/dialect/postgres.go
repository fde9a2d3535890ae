package dialect

import (
	"fmt"
	"strings"

	"github.com/grainhound/graind/internal/sqlsafe"
)

// Postgres generates SQL for a PostgreSQL source.
//
// Sampling uses abs(hashtext(seed::text)) modulo arithmetic, which is
// deterministic for a given server and therefore stable across repeated
// runs over unchanged data. Temp objects are session-scoped TEMPORARY
// tables. The "source" argument accepted by the measurement queries must
// be either an internally generated temp-table name or a value returned
// by QuoteQualified; raw user input never reaches those methods.
type Postgres struct{}

// NewPostgres returns the PostgreSQL dialect.
func NewPostgres() *Postgres {
	return &Postgres{}
}

const maxDistinctExprs = 50

func (d *Postgres) MaxDistinctExpressions() int { return maxDistinctExprs }

func (d *Postgres) QuoteQualified(schema, table string) (string, error) {
	return sqlsafe.QuoteQualified(schema, table)
}

func (d *Postgres) RowCount(schema, table string) (string, error) {
	src, err := sqlsafe.QuoteQualified(schema, table)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT(*) AS row_count FROM %s", src), nil
}

func (d *Postgres) ColumnMetadata(schema, table string) (string, error) {
	if err := sqlsafe.ValidateIdentifier(schema); err != nil {
		return "", err
	}
	if err := sqlsafe.ValidateIdentifier(table); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"SELECT column_name, data_type, ordinal_position "+
			"FROM information_schema.columns "+
			"WHERE table_schema = '%s' AND table_name = '%s' "+
			"ORDER BY ordinal_position",
		schema, table), nil
}

func (d *Postgres) CreateSample(tempName, schema, table, seedCol string, pct float64) (string, error) {
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
	seed, err := sqlsafe.Quote(seedCol)
	if err != nil {
		return "", err
	}
	modulo := int(100 / pct)
	return fmt.Sprintf(
		"CREATE TEMPORARY TABLE %s AS SELECT * FROM %s WHERE abs(hashtext(%s::text)) %% %d = 0",
		tempName, src, seed, modulo), nil
}

func (d *Postgres) DropSample(tempName string) (string, error) {
	if err := sqlsafe.ValidateIdentifier(tempName); err != nil {
		return "", err
	}
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", tempName), nil
}

// compositeExpr concatenates the columns with chr(124) ('|') between
// coalesced text casts, so NULLs collapse to empty strings and distinct
// tuples stay distinct as long as the delimiter is absent from the data.
func compositeExpr(cols []string) (string, error) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		q, err := sqlsafe.Quote(c)
		if err != nil {
			return "", err
		}
		parts[i] = fmt.Sprintf("coalesce(%s::text, '')", q)
	}
	return strings.Join(parts, " || chr(124) || "), nil
}

func (d *Postgres) CountDistinct(source string, columns []string, composites [][]string) (string, error) {
	exprs := []string{"COUNT(*) AS _row_count"}
	for i, col := range columns {
		q, err := sqlsafe.Quote(col)
		if err != nil {
			return "", err
		}
		exprs = append(exprs, fmt.Sprintf("COUNT(DISTINCT %s) AS card_%d", q, i))
	}
	for j, comp := range composites {
		concat, err := compositeExpr(comp)
		if err != nil {
			return "", err
		}
		exprs = append(exprs, fmt.Sprintf("COUNT(DISTINCT (%s)) AS comp_%d", concat, j))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), source), nil
}

func (d *Postgres) SeedColumn(schema, table string, columns []string, topN int) (string, error) {
	src, err := sqlsafe.QuoteQualified(schema, table)
	if err != nil {
		return "", err
	}
	exprs := make([]string, len(columns))
	for i, col := range columns {
		q, err := sqlsafe.Quote(col)
		if err != nil {
			return "", err
		}
		exprs[i] = fmt.Sprintf("COUNT(DISTINCT %s) AS sel_%d", q, i)
	}
	return fmt.Sprintf(
		"SELECT %s FROM (SELECT * FROM %s LIMIT %d) AS _sample",
		strings.Join(exprs, ", "), src, topN), nil
}

func (d *Postgres) Frequency(source, column string, topN int) (string, error) {
	q, err := sqlsafe.Quote(column)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"SELECT %s::text AS val, COUNT(*) AS freq FROM %s GROUP BY %s ORDER BY freq DESC LIMIT %d",
		q, source, q, topN), nil
}

func (d *Postgres) UnpivotFrequency(source string, columns []string, topN int) (string, error) {
	names := make([]string, len(columns))
	values := make([]string, len(columns))
	for i, col := range columns {
		q, err := sqlsafe.Quote(col)
		if err != nil {
			return "", err
		}
		names[i] = fmt.Sprintf("'%s'", col)
		values[i] = fmt.Sprintf("%s::text", q)
	}
	return fmt.Sprintf(
		"SELECT col_name, col_value, freq FROM ("+
			"SELECT col_name, col_value, COUNT(*) AS freq, "+
			"ROW_NUMBER() OVER (PARTITION BY col_name ORDER BY COUNT(*) DESC) AS rn "+
			"FROM ("+
			"SELECT u.col_name, u.col_value FROM %s, "+
			"LATERAL unnest(ARRAY[%s], ARRAY[%s]) AS u(col_name, col_value)"+
			") AS raw_vals "+
			"WHERE col_value IS NOT NULL "+
			"GROUP BY col_name, col_value"+
			") AS ranked WHERE rn <= %d",
		source, strings.Join(names, ", "), strings.Join(values, ", "), topN), nil
}

func (d *Postgres) FKValidate(fkTable, pkTable string, mappings []ColumnMapping, samplePct float64, seedCol string) (string, error) {
	if len(mappings) == 0 {
		return "", fmt.Errorf("fk validation requires at least one column mapping")
	}
	joins := make([]string, len(mappings))
	fkNotNull := make([]string, len(mappings))
	pkNotNull := make([]string, len(mappings))
	for i, m := range mappings {
		fq, err := sqlsafe.Quote(m.ParentColumn)
		if err != nil {
			return "", err
		}
		pq, err := sqlsafe.Quote(m.ReferencedColumn)
		if err != nil {
			return "", err
		}
		joins[i] = fmt.Sprintf("fk.%s = pk.%s", fq, pq)
		fkNotNull[i] = fmt.Sprintf("fk.%s IS NOT NULL", fq)
		pkNotNull[i] = fmt.Sprintf("pk.%s IS NOT NULL", pq)
	}

	fkWhere := ""
	if samplePct < 100 && seedCol != "" {
		seed, err := sqlsafe.Quote(seedCol)
		if err != nil {
			return "", err
		}
		modulo := int(100 / samplePct)
		fkWhere = fmt.Sprintf(" WHERE abs(hashtext(%s::text)) %% %d = 0", seed, modulo)
	}

	fkCond := strings.Join(fkNotNull, " AND ")
	pkCond := strings.Join(pkNotNull, " AND ")
	return fmt.Sprintf(
		"SELECT "+
			"SUM(CASE WHEN %s AND %s THEN 1 ELSE 0 END) AS match_count, "+
			"SUM(CASE WHEN %s AND NOT (%s) THEN 1 ELSE 0 END) AS orphan_count, "+
			"SUM(CASE WHEN NOT (%s) AND %s THEN 1 ELSE 0 END) AS referenced_only_count "+
			"FROM (SELECT * FROM %s%s) AS fk "+
			"FULL OUTER JOIN %s AS pk ON %s",
		fkCond, pkCond,
		fkCond, pkCond,
		fkCond, pkCond,
		fkTable, fkWhere,
		pkTable, strings.Join(joins, " AND ")), nil
}

// CreateHashTemp materialises a distinct projection of the join columns.
// PostgreSQL has no distribution clause; the planner hashes the join
// itself, so the projection alone carries the win.
func (d *Postgres) CreateHashTemp(tempName, schema, table string, columns []string) (string, error) {
	if err := sqlsafe.ValidateIdentifier(tempName); err != nil {
		return "", err
	}
	src, err := sqlsafe.QuoteQualified(schema, table)
	if err != nil {
		return "", err
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		q, err := sqlsafe.Quote(c)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return fmt.Sprintf(
		"CREATE TEMPORARY TABLE %s AS SELECT DISTINCT %s FROM %s",
		tempName, strings.Join(quoted, ", "), src), nil
}

func quoteAll(cols []string) ([]string, error) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		q, err := sqlsafe.Quote(c)
		if err != nil {
			return nil, err
		}
		quoted[i] = q
	}
	return quoted, nil
}

func (d *Postgres) TopDuplicateGroups(source string, candidateCols []string, topN int) (string, error) {
	quoted, err := quoteAll(candidateCols)
	if err != nil {
		return "", err
	}
	cols := strings.Join(quoted, ", ")
	return fmt.Sprintf(
		"SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC LIMIT %d",
		cols, source, cols, topN), nil
}

func (d *Postgres) DuplicateGroupRows(source string, candidateCols []string, topN int) (string, error) {
	quoted, err := quoteAll(candidateCols)
	if err != nil {
		return "", err
	}
	cols := strings.Join(quoted, ", ")
	joins := make([]string, len(quoted))
	for i, q := range quoted {
		// IS NOT DISTINCT FROM makes the group match NULL-safe.
		joins[i] = fmt.Sprintf("s.%s IS NOT DISTINCT FROM dk.%s", q, q)
	}
	return fmt.Sprintf(
		"WITH dupe_keys AS ("+
			"SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC LIMIT %d"+
			") SELECT s.* FROM %s s INNER JOIN dupe_keys dk ON %s",
		cols, source, cols, topN,
		source, strings.Join(joins, " AND ")), nil
}

func (d *Postgres) FDCheck(source, column string, groupCols []string) (string, error) {
	col, err := sqlsafe.Quote(column)
	if err != nil {
		return "", err
	}
	quoted, err := quoteAll(groupCols)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"SELECT MAX(cnt) FROM ("+
			"SELECT COUNT(DISTINCT %s) AS cnt FROM %s GROUP BY %s"+
			") AS fd_check",
		col, source, strings.Join(quoted, ", ")), nil
}
