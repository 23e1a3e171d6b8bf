package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marketloop/bondmarket/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL. The
// table is append-only; there is no UPDATE or DELETE anywhere in this file.
type TransactionStore struct {
	db Querier
}

// NewTransactionStore creates a new TransactionStore backed by the given querier.
func NewTransactionStore(db Querier) *TransactionStore {
	return &TransactionStore{db: db}
}

const txSelectCols = `transaction_id, user_id, bond_id, side, quantity,
	price_per_unit, total_amount, status, idempotency_key, created_at`

func scanTransactionRow(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var side, status string
	var bondID, idemKey *string

	err := row.Scan(
		&t.ID, &t.UserID, &bondID, &side, &t.Quantity,
		&t.PricePerUnit, &t.TotalAmount, &status, &idemKey, &t.Timestamp,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	if bondID != nil {
		t.BondID = *bondID
	}
	if idemKey != nil {
		t.IdempotencyKey = *idemKey
	}
	t.Side = domain.TradeSide(side)
	t.Status = domain.TransactionStatus(status)
	return t, nil
}

func scanTransactionRows(rows pgx.Rows) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Record appends one transaction. The unique index on (user_id,
// idempotency_key) surfaces a duplicate key for the same user as
// domain.ErrAlreadyExists so a saga retry cannot double-apply.
func (s *TransactionStore) Record(ctx context.Context, t domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			transaction_id, user_id, bond_id, side, quantity,
			price_per_unit, total_amount, status, idempotency_key, created_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5,
			$6, $7, $8, NULLIF($9, ''), $10
		)`

	_, err := s.db.Exec(ctx, query,
		t.ID, t.UserID, t.BondID, string(t.Side), t.Quantity,
		t.PricePerUnit, t.TotalAmount, string(t.Status), t.IdempotencyKey, t.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: record transaction %s: %w", t.ID, err)
	}
	return nil
}

// GetByID retrieves a single transaction.
func (s *TransactionStore) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+txSelectCols+` FROM transactions WHERE transaction_id = $1`, id)

	t, err := scanTransactionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Transaction{}, domain.ErrNotFound
		}
		return domain.Transaction{}, fmt.Errorf("postgres: get transaction %s: %w", id, err)
	}
	return t, nil
}

// GetByIdempotencyKey finds the user's transaction recorded under the given
// key. Keys are scoped per user, matching the unique index.
func (s *TransactionStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (domain.Transaction, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+txSelectCols+` FROM transactions
		 WHERE user_id = $1 AND idempotency_key = $2`, userID, key)

	t, err := scanTransactionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Transaction{}, domain.ErrNotFound
		}
		return domain.Transaction{}, fmt.Errorf("postgres: get transaction by key: %w", err)
	}
	return t, nil
}

// ListByUser returns the user's transactions newest first, with pagination and
// optional time filtering.
func (s *TransactionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query := `SELECT ` + txSelectCols + ` FROM transactions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions for %s: %w", userID, err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions for %s: %w", userID, err)
	}
	return txs, nil
}

// ListBefore returns confirmed transactions older than the cutoff, oldest
// first, for statement archival.
func (s *TransactionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions
		 WHERE created_at < $1 AND status = 'confirmed'
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions before: %w", err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

// Compile-time interface check.
var _ domain.TransactionStore = (*TransactionStore)(nil)
