package scan

import (
	"context"

	"go.uber.org/zap"

	"github.com/grainhound/graind/internal/dialect"
	"github.com/grainhound/graind/internal/source"
)

// Minimiser removes functionally-dependent columns from a composite key.
type Minimiser struct {
	exec *source.Executor
	d    dialect.Dialect
	log  *zap.Logger
}

// NewMinimiser creates an FD minimiser.
func NewMinimiser(exec *source.Executor, d dialect.Dialect, log *zap.Logger) *Minimiser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Minimiser{exec: exec, d: d, log: log}
}

// Minimise tests each column of pk for FD-redundancy against src: when
// max(count(distinct col)) grouped by the remaining columns is 1, the
// column is determined by the rest and drops out. One pass over the
// columns of the original key; a failed probe keeps the column.
func (m *Minimiser) Minimise(ctx context.Context, src string, pk []string) (minimal, removed []string) {
	if len(pk) <= 1 {
		return pk, nil
	}

	remaining := append([]string(nil), pk...)
	for _, col := range pk {
		others := without(remaining, col)
		if len(others) == 0 {
			continue
		}

		sql, err := m.d.FDCheck(src, col, others)
		if err != nil {
			m.log.Warn("fd check build failed", zap.String("column", col), zap.Error(err))
			continue
		}
		_, row, err := m.exec.QueryOne(ctx, source.ClassDistinct, sql)
		if err != nil {
			m.log.Warn("fd check failed", zap.String("column", col), zap.Error(err))
			continue
		}
		if row != nil && source.AsInt64(row[0]) == 1 {
			removed = append(removed, col)
			remaining = others
			m.log.Info("fd-redundant column removed",
				zap.String("column", col),
				zap.Strings("determined_by", others))
		}
	}
	return remaining, removed
}

func without(cols []string, drop string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != drop {
			out = append(out, c)
		}
	}
	return out
}
