package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketloop/bondmarket/internal/domain"
)

// Querier is the subset of pgx operations the stores need. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so the same store code runs inside and outside a
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStores binds all entity stores to the given querier.
func NewStores(db Querier) domain.Stores {
	return domain.Stores{
		Bonds:        NewBondStore(db),
		Portfolios:   NewPortfolioStore(db),
		Transactions: NewTransactionStore(db),
		Audit:        NewAuditStore(db),
	}
}

// UnitOfWork implements domain.UnitOfWork on a pgx connection pool. Trade
// writes run in a serializable transaction; serialization failures and
// deadlocks surface as domain.ErrTxConflict so the executor can retry.
type UnitOfWork struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewUnitOfWork creates a UnitOfWork. timeout bounds how long a single
// transaction (begin through commit) may take; zero means no bound.
func NewUnitOfWork(pool *pgxpool.Pool, timeout time.Duration) *UnitOfWork {
	return &UnitOfWork{pool: pool, timeout: timeout}
}

// Stores returns autocommit stores bound to the pool.
func (u *UnitOfWork) Stores() domain.Stores {
	return NewStores(u.pool)
}

// WithinTx runs fn against transaction-bound stores and commits if fn returns
// nil. On error the transaction is rolled back and none of fn's writes are
// visible to other readers.
func (u *UnitOfWork) WithinTx(ctx context.Context, fn func(s domain.Stores) error) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", classifyTxErr(err))
	}

	if err := fn(NewStores(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return classifyTxErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", classifyTxErr(err))
	}
	return nil
}

// classifyTxErr maps retryable PostgreSQL error codes (serialization failure,
// deadlock) onto domain.ErrTxConflict, leaving everything else untouched.
func classifyTxErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrTxConflict, pgErr.Message)
		}
	}
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Compile-time interface check.
var _ domain.UnitOfWork = (*UnitOfWork)(nil)
