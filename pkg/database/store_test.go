package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestExecuteReturnsAffectedRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE tasks SET`).
		WithArgs("t-1", "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := store.Execute(context.Background(),
		`UPDATE tasks SET status = $2 WHERE id = $1`, "t-1", "completed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryOneMapsMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT name FROM tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err := QueryOne(context.Background(), store,
		`SELECT name FROM tasks WHERE id = $1`,
		func(r RowScanner) (string, error) {
			var name string
			err := r.Scan(&name)
			return name, err
		}, "missing")
	assert.ErrorIs(t, err, ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryManyPreservesOrder(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT name FROM tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("first").AddRow("second").AddRow("third"))

	names, err := QueryMany(context.Background(), store,
		`SELECT name FROM tasks ORDER BY created_at`,
		func(r RowScanner) (string, error) {
			var name string
			err := r.Scan(&name)
			return name, err
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO delegation_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Tx(context.Background(), func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(context.Background(),
			`INSERT INTO delegation_messages (delegation_id, seq) VALUES ($1, $2)`, "d-1", 0)
		return execErr
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("insert failed")
	err := store.Tx(context.Background(), func(tx *sql.Tx) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
