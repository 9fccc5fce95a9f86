package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/orbit-ai/orbit/internal/domain"
)

// Datasource executes read-only parameterized queries for the sql and intent
// retrievers. Callers build the SQL; the datasource owns timeout and row-cap
// enforcement.
type Datasource struct {
	Pool         PgxPool
	QueryTimeout time.Duration
	MaxRows      int
}

// NewDatasource constructs a Datasource; zero timeout and cap fall back to
// 10s and 100 rows.
func NewDatasource(p PgxPool, timeout time.Duration, maxRows int) *Datasource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRows <= 0 {
		maxRows = 100
	}
	return &Datasource{Pool: p, QueryTimeout: timeout, MaxRows: maxRows}
}

// Select runs a parameterized query and returns up to limit rows as column
// maps. A non-positive limit uses the datasource cap; limits above the cap
// are clamped to it.
func (d *Datasource) Select(ctx domain.Context, sql string, args []any, limit int) ([]map[string]any, error) {
	tracer := otel.Tracer("repo.sqlsource")
	ctx, span := tracer.Start(ctx, "sqlsource.Select")
	defer span.End()

	if limit <= 0 || limit > d.MaxRows {
		limit = d.MaxRows
	}
	ctx, cancel := context.WithTimeout(ctx, d.QueryTimeout)
	defer cancel()

	rows, err := d.Pool.Query(ctx, sql, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=sqlsource.select: %w", domain.ErrTimeout)
		}
		return nil, fmt.Errorf("op=sqlsource.select: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	out := make([]map[string]any, 0, limit)
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("op=sqlsource.select: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=sqlsource.select: %w", domain.ErrTimeout)
		}
		return nil, fmt.Errorf("op=sqlsource.select: %w", err)
	}
	return out, nil
}
