package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements the subset of pgx.Rows the repos touch. The embedded
// interface covers the remainder; calling an unstubbed method panics the
// test, which is the intent.
type rowsStub struct {
	pgx.Rows
	cols []string
	data [][]any
	idx  int
	err  error
}

func (r *rowsStub) Close() {}

func (r *rowsStub) Err() error { return r.err }

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *rowsStub) Values() ([]any, error) { return r.data[r.idx-1], nil }

func (r *rowsStub) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *[]byte:
			*p = row[i].([]byte)
		case *bool:
			*p = row[i].(bool)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("rowsStub: unsupported scan dest %T", d)
		}
	}
	return nil
}

// txStub implements pgx.Tx for the transactional repos; only Exec, Commit
// and Rollback are stubbed.
type txStub struct {
	pgx.Tx
	exec       func(sql string, args ...any) (pgconn.CommandTag, error)
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.exec != nil {
		return t.exec(sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (t *txStub) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *txStub) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

// poolStub implements postgres.PgxPool for tests
// It records the SQL and arguments it sees so tests can assert on them.
// Define in a shared helper so multiple *_test.go files can reuse it without redefs

type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	execSQL  []string
	execArgs [][]any

	row     rowStub
	rowSQL  string
	rowArgs []any

	rows      pgx.Rows
	queryErr  error
	querySQL  string
	queryArgs []any

	tx       pgx.Tx
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowSQL = sql
	p.rowArgs = args
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.querySQL = sql
	p.queryArgs = args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}
