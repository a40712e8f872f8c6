package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is satisfied by *pgxpool.Pool and pgxmock pools.
type Pool interface {
	Querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

type txKey struct{}

type txState struct {
	tx    pgx.Tx
	hooks []func()
}

func stateFrom(ctx context.Context) (*txState, bool) {
	s, ok := ctx.Value(txKey{}).(*txState)
	return s, ok
}

// Conn returns the transaction bound to ctx, or fallback when there is none.
func Conn(ctx context.Context, fallback Querier) Querier {
	if s, ok := stateFrom(ctx); ok {
		return s.tx
	}
	return fallback
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	_, ok := stateFrom(ctx)
	return ok
}

// AfterCommit defers fn until the outermost transaction in ctx commits.
// Hooks registered inside a savepoint that rolls back are dropped. Without a
// transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if s, ok := stateFrom(ctx); ok {
		s.hooks = append(s.hooks, fn)
		return
	}
	if hooks, ok := ctx.Value(localKey{}).(*[]func()); ok {
		*hooks = append(*hooks, fn)
		return
	}
	fn()
}

// Savepoint runs fn inside a savepoint of the transaction bound to ctx so a
// failure in fn leaves the outer transaction usable. Without a transaction fn
// runs directly.
func Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	parent, ok := stateFrom(ctx)
	if !ok {
		return fn(ctx)
	}
	sp, err := parent.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	child := &txState{tx: sp}
	if err := fn(context.WithValue(ctx, txKey{}, child)); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	parent.hooks = append(parent.hooks, child.hooks...)
	return nil
}

// Transactor is what services depend on to group writes.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxManager runs units of work in serializable transactions and retries them
// on serialization failures and deadlocks.
type TxManager struct {
	pool       Pool
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
}

func NewTxManager(pool Pool, maxRetries int, log zerolog.Logger) *TxManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TxManager{pool: pool, maxRetries: maxRetries, backoff: 20 * time.Millisecond, log: log}
}

// WithinTx runs fn in a transaction. When ctx already carries one, fn runs in
// a savepoint of it and is not retried on its own.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return Savepoint(ctx, fn)
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			m.log.Debug().Int("attempt", attempt).Err(lastErr).Msg("retrying transaction")
			if err := m.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		state, err := m.run(ctx, fn)
		if err == nil {
			for _, hook := range state.hooks {
				hook()
			}
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) (*txState, error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	state := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return state, nil
}

func (m *TxManager) sleep(ctx context.Context, attempt int) error {
	d := m.backoff * time.Duration(attempt)
	if d > 0 {
		d += time.Duration(rand.Int64N(int64(d)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryable reports whether err is a serialization failure or deadlock.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

// PgErrorCode returns the SQLSTATE of err, or "" when err is not a Postgres error.
func PgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
