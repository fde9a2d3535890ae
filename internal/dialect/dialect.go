// Package dialect builds source-database SQL for every query shape the
// discovery engine needs. Dialects are pure string builders: nothing here
// touches a connection, and every identifier is validated before it is
// interpolated. Connection concerns (timeouts, draining, retry) live in
// the source executor.
package dialect

// ColumnMapping pairs a parent-side column with its referenced-side
// counterpart in an FK candidate.
type ColumnMapping struct {
	ParentColumn     string
	ReferencedColumn string
}

// Dialect generates SQL text for one source database engine.
//
// Methods return an error for identifier-safety violations and for
// malformed arguments (FKValidate with no column mappings); a dialect
// that cannot express a shape (e.g. batched unpivot) returns a
// query that yields zero rows so callers can fall back.
type Dialect interface {
	// RowCount yields a single-row, single-column integer count.
	RowCount(schema, table string) (string, error)

	// ColumnMetadata yields (column_name, data_type, ordinal_position)
	// rows in ordinal order.
	ColumnMetadata(schema, table string) (string, error)

	// CreateSample materialises a deterministic subset of schema.table
	// into tempName. pct >= 100 is a full copy; otherwise rows where
	// hash(seedCol) mod floor(100/pct) = 0. The hash must be stable
	// across calls on the same server.
	CreateSample(tempName, schema, table, seedCol string, pct float64) (string, error)

	// DropSample conditionally removes a temp object.
	DropSample(tempName string) (string, error)

	// CountDistinct yields one row: _row_count, card_<i> per single
	// column, comp_<j> per composite. Composites concatenate values with
	// a delimiter plus null sentinels.
	CountDistinct(source string, columns []string, composites [][]string) (string, error)

	// SeedColumn yields one row of approximate distinct counts
	// (sel_<i> per column) over the first topN rows.
	SeedColumn(schema, table string, columns []string, topN int) (string, error)

	// Frequency yields top-N (val, freq) pairs for one column,
	// frequency-descending.
	Frequency(source, column string, topN int) (string, error)

	// UnpivotFrequency yields (col_name, col_value, freq) for the top-N
	// values of every listed column in one statement.
	UnpivotFrequency(source string, columns []string, topN int) (string, error)

	// FKValidate yields one row of three integers: match_count,
	// orphan_count, referenced_only_count, from a full outer join with
	// optional parent-side sampling.
	FKValidate(fkTable, pkTable string, mappings []ColumnMapping, samplePct float64, seedCol string) (string, error)

	// CreateHashTemp materialises a distinct projection of the given
	// columns, distributed or indexed by the first column where the
	// engine supports it.
	CreateHashTemp(tempName, schema, table string, columns []string) (string, error)

	// TopDuplicateGroups yields the key tuples of the top-N duplicate
	// groups of the candidate columns (count(*) > 1, largest first).
	TopDuplicateGroups(source string, candidateCols []string, topN int) (string, error)

	// DuplicateGroupRows yields every row of source whose candidate
	// tuple appears in one of the top-N duplicate groups (NULL-safe
	// match).
	DuplicateGroupRows(source string, candidateCols []string, topN int) (string, error)

	// FDCheck yields one row with max(count(distinct col)) grouped by
	// the remaining key columns. A result of 1 means col is functionally
	// determined by the rest.
	FDCheck(source, column string, groupCols []string) (string, error)

	// QuoteQualified validates and quotes a schema.table pair for use as
	// a query source.
	QuoteQualified(schema, table string) (string, error)

	// MaxDistinctExpressions is the largest number of aggregate
	// expressions a single CountDistinct statement may carry before the
	// caller must batch.
	MaxDistinctExpressions() int
}
