// Package source wraps the shared source-database connection. It owns the
// concerns the dialect must not: per-operation-class soft timeouts, result
// draining, and retry on transient driver errors. The connection is used
// serially by one orchestrator run.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrQueryTimeout marks a query that exceeded its soft timeout. The step
// that issued it is failed; the error is never retried.
var ErrQueryTimeout = errors.New("source query timeout")

// OpClass selects which soft timeout applies to an operation.
type OpClass int

const (
	// ClassSample covers sample materialisation (CTAS).
	ClassSample OpClass = iota
	// ClassCount covers plain row counts.
	ClassCount
	// ClassDistinct covers COUNT(DISTINCT ...) measurement queries.
	ClassDistinct
	// ClassFrequency covers frequency and unpivot scans.
	ClassFrequency
	// ClassValidate covers FK outer-join validation. Steps carry their
	// own timeouts, so callers usually use the WithTimeout variants.
	ClassValidate
)

// Timeouts holds the soft timeout per operation class.
type Timeouts struct {
	Sample    time.Duration
	Count     time.Duration
	Distinct  time.Duration
	Frequency time.Duration
	Validate  time.Duration
}

// DefaultTimeouts mirrors the per-class limits the engine was tuned with.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Sample:    600 * time.Second,
		Count:     300 * time.Second,
		Distinct:  600 * time.Second,
		Frequency: 300 * time.Second,
		Validate:  600 * time.Second,
	}
}

func (t Timeouts) forClass(class OpClass) time.Duration {
	switch class {
	case ClassSample:
		return t.Sample
	case ClassCount:
		return t.Count
	case ClassDistinct:
		return t.Distinct
	case ClassFrequency:
		return t.Frequency
	default:
		return t.Validate
	}
}

const (
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
	retryFactor    = 5.0
)

// Executor runs queries against the source database.
type Executor struct {
	db       *sql.DB
	timeouts Timeouts
	log      *zap.Logger
}

// New creates an executor over an open source connection.
func New(db *sql.DB, timeouts Timeouts, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{db: db, timeouts: timeouts, log: log}
}

// IsTransient reports whether an error is a transient driver fault worth
// retrying: SQLSTATE class 08 (connection exception) or 57P03
// (cannot_connect_now, e.g. a paused or restarting server).
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return pgErr.Code == "57P03"
	}
	return false
}

// isStatementTimeout reports a per-statement timeout: either the server
// cancelled the query (57014) or the soft deadline expired client-side.
func isStatementTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "57014"
}

func (e *Executor) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.Multiplier = retryFactor
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isStatementTimeout(err) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrQueryTimeout, err))
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		e.log.Warn("transient source error, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// Exec runs a statement with the class timeout, draining nothing (DDL and
// temp-table statements return no rows).
func (e *Executor) Exec(ctx context.Context, class OpClass, query string) error {
	return e.ExecWithTimeout(ctx, e.timeouts.forClass(class), query)
}

// ExecWithTimeout runs a statement with an explicit soft timeout.
func (e *Executor) ExecWithTimeout(ctx context.Context, timeout time.Duration, query string) error {
	return e.retry(ctx, func() error {
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := e.db.ExecContext(qctx, query)
		return err
	})
}

// QueryOne runs a query expected to return a single row and drains the
// remainder of the result set. Returns the column names and the row
// values; row is nil when the result set is empty.
func (e *Executor) QueryOne(ctx context.Context, class OpClass, query string) (cols []string, row []any, err error) {
	return e.QueryOneWithTimeout(ctx, e.timeouts.forClass(class), query)
}

// QueryOneWithTimeout is QueryOne with an explicit soft timeout.
func (e *Executor) QueryOneWithTimeout(ctx context.Context, timeout time.Duration, query string) (cols []string, row []any, err error) {
	err = e.retry(ctx, func() error {
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c, rows, qerr := e.queryAll(qctx, query, 1)
		if qerr != nil {
			return qerr
		}
		cols = c
		if len(rows) > 0 {
			row = rows[0]
		} else {
			row = nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cols, row, nil
}

// QueryAll runs a query and returns every row, fully draining the result
// set before returning.
func (e *Executor) QueryAll(ctx context.Context, class OpClass, query string) (cols []string, rows [][]any, err error) {
	err = e.retry(ctx, func() error {
		qctx, cancel := context.WithTimeout(ctx, e.timeouts.forClass(class))
		defer cancel()

		c, r, qerr := e.queryAll(qctx, query, 0)
		if qerr != nil {
			return qerr
		}
		cols, rows = c, r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cols, rows, nil
}

// queryAll collects up to keep rows (0 = all) but always iterates the full
// result set so the connection is left clean for the next statement.
func (e *Executor) queryAll(ctx context.Context, query string, keep int) ([]string, [][]any, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		if keep > 0 && len(out) >= keep {
			continue // drain without keeping
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

// AsInt64 converts a scanned driver value to int64, treating NULL as 0.
func AsInt64(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return int64(x)
	case []byte:
		var n int64
		_, _ = fmt.Sscan(string(x), &n)
		return n
	case string:
		var n int64
		_, _ = fmt.Sscan(x, &n)
		return n
	default:
		return 0
	}
}

// AsString converts a scanned driver value to its text form; NULL maps to
// ("", false).
func AsString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return fmt.Sprint(x), true
	}
}
