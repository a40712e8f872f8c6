package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serializable = pgx.TxOptions{IsoLevel: pgx.Serializable}

func newManager(t *testing.T, retries int) (*TxManager, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	m := NewTxManager(mock, retries, zerolog.Nop())
	m.backoff = time.Millisecond
	return m, mock
}

func TestWithinTxCommitsAndRunsHooks(t *testing.T) {
	m, mock := newManager(t, 2)

	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("UPDATE appointments").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	hookRan := false
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		assert.True(t, InTx(ctx))
		AfterCommit(ctx, func() { hookRan = true })
		_, err := Conn(ctx, mock).Exec(ctx, "UPDATE appointments SET status = 'CONFIRMED'")
		assert.False(t, hookRan)
		return err
	})

	require.NoError(t, err)
	assert.True(t, hookRan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRetriesSerializationFailure(t *testing.T) {
	m, mock := newManager(t, 2)

	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("INSERT INTO appointments").WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("INSERT INTO appointments").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	calls := 0
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		calls++
		_, err := Conn(ctx, mock).Exec(ctx, "INSERT INTO appointments (id) VALUES (1)")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxGivesUpAfterMaxRetries(t *testing.T) {
	m, mock := newManager(t, 1)

	for i := 0; i < 2; i++ {
		mock.ExpectBeginTx(serializable)
		mock.ExpectExec("INSERT INTO appointments").WillReturnError(&pgconn.PgError{Code: "40P01"})
		mock.ExpectRollback()
	}

	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		_, err := Conn(ctx, mock).Exec(ctx, "INSERT INTO appointments (id) VALUES (1)")
		return err
	})

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxDoesNotRetryOtherErrors(t *testing.T) {
	m, mock := newManager(t, 3)
	boom := errors.New("boom")

	mock.ExpectBeginTx(serializable)
	mock.ExpectRollback()

	hookRan := false
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { hookRan = true })
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.False(t, hookRan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepointFailureKeepsOuterTxAndDropsHooks(t *testing.T) {
	m, mock := newManager(t, 0)
	auditDown := errors.New("audit down")

	mock.ExpectBeginTx(serializable)
	mock.ExpectExec("UPDATE appointments").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(auditDown)
	mock.ExpectRollback()
	mock.ExpectCommit()

	var spErr error
	outerHook, innerHook := false, false
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := Conn(ctx, mock).Exec(ctx, "UPDATE appointments SET status = 'CONFIRMED'"); err != nil {
			return err
		}
		AfterCommit(ctx, func() { outerHook = true })

		spErr = Savepoint(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { innerHook = true })
			_, err := Conn(ctx, mock).Exec(ctx, "INSERT INTO audit_events (id) VALUES (1)")
			return err
		})
		return nil
	})

	require.NoError(t, err)
	require.ErrorIs(t, spErr, auditDown)
	assert.True(t, outerHook)
	assert.False(t, innerHook)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepointSuccessPromotesHooksToParent(t *testing.T) {
	m, mock := newManager(t, 0)

	mock.ExpectBeginTx(serializable)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO encounters").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectCommit()

	hookRan := false
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		err := m.WithinTx(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { hookRan = true })
			_, err := Conn(ctx, mock).Exec(ctx, "INSERT INTO encounters (id) VALUES (1)")
			return err
		})
		assert.False(t, hookRan)
		return err
	})

	require.NoError(t, err)
	assert.True(t, hookRan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepointWithoutTxRunsDirectly(t *testing.T) {
	calls := 0
	err := Savepoint(context.Background(), func(ctx context.Context) error {
		calls++
		assert.False(t, InTx(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAfterCommitWithoutTxRunsImmediately(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestPgErrorCode(t *testing.T) {
	assert.Equal(t, "23P01", PgErrorCode(&pgconn.PgError{Code: "23P01"}))
	assert.Equal(t, "", PgErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
}
