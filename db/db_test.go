package db

import (
	"context"
	"errors"
	"math/big"
	"path"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/russross/meddler"
	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/db/types"
	"github.com/xcall-tracker/xtracker/log"
)

const testMigration = `
-- +migrate Down
DROP TABLE IF EXISTS sample;

-- +migrate Up
CREATE TABLE sample (
	id         INTEGER PRIMARY KEY,
	amount     TEXT,
	created_at INTEGER,
	UNIQUE (amount)
);
`

type sample struct {
	ID        int64     `meddler:"id,pk"`
	Amount    *big.Int  `meddler:"amount,bigint"`
	CreatedAt time.Time `meddler:"created_at,unixtime"`
}

func newTestDB(t *testing.T) DBer {
	t.Helper()

	dbPath := path.Join(t.TempDir(), "dbtest.sqlite")
	require.NoError(t, RunMigrations(dbPath, []types.Migration{{ID: "0001", SQL: testMigration, Prefix: "test"}}))
	database, err := NewSQLiteDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMeddlersRoundTrip(t *testing.T) {
	database := newTestDB(t)
	now := time.Unix(1700000000, 0).UTC()

	withValue := &sample{Amount: big.NewInt(42), CreatedAt: now}
	require.NoError(t, meddler.Insert(database, "sample", withValue))
	withoutValue := &sample{}
	require.NoError(t, meddler.Insert(database, "sample", withoutValue))

	var got sample
	require.NoError(t, meddler.QueryRow(database, &got, "SELECT * FROM sample WHERE id = $1", withValue.ID))
	require.Equal(t, big.NewInt(42), got.Amount)
	require.Equal(t, now, got.CreatedAt)

	got = sample{}
	require.NoError(t, meddler.QueryRow(database, &got, "SELECT * FROM sample WHERE id = $1", withoutValue.ID))
	require.Nil(t, got.Amount)
	require.True(t, got.CreatedAt.IsZero())
}

func TestIsUniqueViolation(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, meddler.Insert(database, "sample", &sample{Amount: big.NewInt(1)}))
	err := meddler.Insert(database, "sample", &sample{Amount: big.NewInt(1)})
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
	require.False(t, IsUniqueViolation(errors.New("other")))
}

func TestReturnErrNotFound(t *testing.T) {
	database := newTestDB(t)

	var got sample
	err := meddler.QueryRow(database, &got, "SELECT * FROM sample WHERE id = $1", 99)
	require.ErrorIs(t, ReturnErrNotFound(err), ErrNotFound)
}

func TestRunInTxCallbacks(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	committed := false
	err := RunInTx(ctx, database, log.GetDefaultLogger(), func(tx *Tx) error {
		tx.AddCommitCallback(func() { committed = true })
		return meddler.Insert(tx, "sample", &sample{Amount: big.NewInt(7)})
	})
	require.NoError(t, err)
	require.True(t, committed)

	rolledBack := false
	errFn := errors.New("abort")
	err = RunInTx(ctx, database, log.GetDefaultLogger(), func(tx *Tx) error {
		tx.AddRollbackCallback(func() { rolledBack = true })
		if err := meddler.Insert(tx, "sample", &sample{Amount: big.NewInt(8)}); err != nil {
			return err
		}
		return errFn
	})
	require.ErrorIs(t, err, errFn)
	require.True(t, rolledBack)

	var count int
	require.NoError(t, database.QueryRow("SELECT COUNT(*) FROM sample").Scan(&count))
	require.Equal(t, 1, count)
}

func TestRunInTxCommitError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	errCommit := errors.New("disk I/O error")
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sample").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errCommit)

	err = RunInTx(context.Background(), mockDB, log.GetDefaultLogger(), func(tx *Tx) error {
		_, err := tx.Exec("UPDATE sample SET amount = NULL")
		return err
	})
	require.ErrorIs(t, err, errCommit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsRejectsMissingMarker(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "bad.sqlite")
	err := RunMigrations(dbPath, []types.Migration{{ID: "0001", SQL: "CREATE TABLE x (id INTEGER);"}})
	require.Error(t, err)
}
