package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxManager_WithTx(t *testing.T) {
	t.Run("CommitsOnSuccess", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE saga_instances").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		manager := NewTxManager(db)
		err = manager.WithTx(context.Background(), func(ctx context.Context) error {
			assert.True(t, HasTx(ctx))
			_, execErr := GetTx(ctx, db).ExecContext(ctx, "UPDATE saga_instances SET status = $1", "RUNNING")
			return execErr
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollsBackOnError", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		manager := NewTxManager(db)
		fnErr := errors.New("write failed")
		err = manager.WithTx(context.Background(), func(ctx context.Context) error {
			return fnErr
		})

		assert.ErrorIs(t, err, fnErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ReturnsBeginError", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		beginErr := errors.New("connection lost")
		mock.ExpectBegin().WillReturnError(beginErr)

		manager := NewTxManager(db)
		err = manager.WithTx(context.Background(), func(ctx context.Context) error {
			t.Fatal("fn must not run when begin fails")
			return nil
		})

		assert.ErrorIs(t, err, beginErr)
	})
}

func TestGetTx(t *testing.T) {
	t.Run("ReturnsDBWithoutTransaction", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		querier := GetTx(context.Background(), db)
		assert.Equal(t, db, querier)
	})
}

func TestHasTx(t *testing.T) {
	assert.False(t, HasTx(context.Background()))
}
