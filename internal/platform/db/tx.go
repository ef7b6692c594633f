package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return withIsolation(ctx, pool, pgx.RepeatableRead, fn)
}

// WithSerializableTx executes a function within a Serializable transaction.
// Used by write paths whose correctness depends on full serialization of
// concurrent commits (ledger posts, promocode activation, version writes).
func WithSerializableTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return withIsolation(ctx, pool, pgx.Serializable, fn)
}

func withIsolation(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// RetryBudget bounds serialization-conflict retries.
type RetryBudget struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryBudget matches the handler-level retry policy for conflicts.
var DefaultRetryBudget = RetryBudget{Attempts: 3, Backoff: 25 * time.Millisecond}

// RetrySerializable runs fn inside a Serializable transaction and retries it
// when the database reports a serialization failure or deadlock. Any other
// error aborts immediately. After the budget the last error is returned.
func RetrySerializable(ctx context.Context, pool *pgxpool.Pool, budget RetryBudget, fn func(pgx.Tx) error) error {
	if budget.Attempts <= 0 {
		budget = DefaultRetryBudget
	}
	var lastErr error
	for attempt := 0; attempt < budget.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(budget.Backoff * time.Duration(attempt)):
			}
		}
		lastErr = WithSerializableTx(ctx, pool, fn)
		if lastErr == nil || !IsSerializationFailure(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// IsSerializationFailure reports whether err is a retryable transaction
// conflict (SQLSTATE 40001 or 40P01).
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505), optionally for the given constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsForeignKeyViolation reports whether err is a foreign-key violation
// (SQLSTATE 23503).
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
