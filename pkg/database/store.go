package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoRows is returned by QueryOne when the query matches nothing.
// Callers map it to their own not-found sentinel.
var ErrNoRows = errors.New("no rows in result set")

// Store is the parameterised query façade every component persists through.
// All SQL is positional-parameter only; no component concatenates values
// into query strings.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB in the query façade.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Execute runs a statement and returns the number of affected rows.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// Query runs a query and returns the raw rows. Callers own Close.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// Tx runs fn inside a transaction, rolling back on error.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RowScanner is the subset of *sql.Rows / *sql.Row needed by scan functions.
type RowScanner interface {
	Scan(dest ...any) error
}

// QueryOne runs a query expected to return at most one row and scans it with
// scan. Returns ErrNoRows when the query matches nothing.
func QueryOne[T any](ctx context.Context, s *Store, query string, scan func(RowScanner) (T, error), args ...any) (T, error) {
	var zero T
	row := s.db.QueryRowContext(ctx, query, args...)
	v, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNoRows
		}
		return zero, fmt.Errorf("query one: %w", err)
	}
	return v, nil
}

// QueryMany runs a query and scans every row with scan, preserving order.
func QueryMany[T any](ctx context.Context, s *Store, query string, scan func(RowScanner) (T, error), args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query many: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
