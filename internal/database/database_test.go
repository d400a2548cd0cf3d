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

func TestMySQLDSN(t *testing.T) {
	assert.Equal(t,
		"raffle:pw@tcp(db:3306)/rifas?charset=utf8mb4&parseTime=true&loc=UTC",
		MySQLDSN("raffle", "pw", "db", "3306", "rifas"))
	assert.Equal(t,
		"root@tcp(localhost:3306)/rifas?charset=utf8mb4&parseTime=true&loc=UTC",
		MySQLDSN("root", "", "localhost", "3306", "rifas"))
}

func TestApplyMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"prizes", "purchases", "ticket_numbers", "webhook_logs", "draws"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Apply(context.Background(), db, MySQL))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS prizes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchases").WillReturnError(errors.New("denied"))

	err = Apply(context.Background(), db, MySQL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, Apply(context.Background(), db, "postgres"))
}

func TestApplySQLite(t *testing.T) {
	db, err := OpenSQLite("file:schema_test?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, Apply(ctx, db, SQLite))
	require.NoError(t, Apply(ctx, db, SQLite), "schema must be re-appliable")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('prizes','purchases','ticket_numbers','webhook_logs','draws')`).Scan(&n))
	assert.Equal(t, 5, n)
}

func TestWithTxCommitAndRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE prizes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	require.NoError(t, WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE prizes SET active = 0")
		return err
	}))

	boom := errors.New("boom")
	err = WithTx(ctx, db, func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
