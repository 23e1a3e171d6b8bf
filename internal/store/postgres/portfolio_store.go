package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marketloop/bondmarket/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore using PostgreSQL. The wallet
// row and the holdings rows live in separate tables joined by user_id.
type PortfolioStore struct {
	db Querier
}

// NewPortfolioStore creates a new PortfolioStore backed by the given querier.
func NewPortfolioStore(db Querier) *PortfolioStore {
	return &PortfolioStore{db: db}
}

// GetOrCreate returns the user's portfolio, inserting an empty one if absent.
// ON CONFLICT DO NOTHING makes concurrent first-touch creation idempotent.
func (s *PortfolioStore) GetOrCreate(ctx context.Context, userID string) (domain.Portfolio, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO portfolios (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("postgres: create portfolio %s: %w", userID, err)
	}
	return s.GetByUser(ctx, userID)
}

// GetByUser loads the portfolio and its holdings for the given user.
func (s *PortfolioStore) GetByUser(ctx context.Context, userID string) (domain.Portfolio, error) {
	var p domain.Portfolio
	err := s.db.QueryRow(ctx,
		`SELECT user_id, balance, total_invested, created_at, updated_at
		 FROM portfolios WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Balance, &p.TotalInvested, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Portfolio{}, domain.ErrNotFound
		}
		return domain.Portfolio{}, fmt.Errorf("postgres: get portfolio %s: %w", userID, err)
	}

	holdings, err := s.listHoldings(ctx, userID)
	if err != nil {
		return domain.Portfolio{}, err
	}
	p.Holdings = holdings
	return p, nil
}

func (s *PortfolioStore) listHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	rows, err := s.db.Query(ctx,
		`SELECT bond_id, quantity, avg_price FROM holdings
		 WHERE user_id = $1 ORDER BY bond_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list holdings %s: %w", userID, err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.BondID, &h.Quantity, &h.AvgPrice); err != nil {
			return nil, fmt.Errorf("postgres: scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// Debit subtracts amount from the wallet in one conditional update guarded by
// balance >= amount, mirroring the inventory's conditional-decrement pattern.
// Two concurrent debits can therefore never overdraw the wallet.
func (s *PortfolioStore) Debit(ctx context.Context, userID string, amount float64) (float64, error) {
	var newBalance float64
	err := s.db.QueryRow(ctx,
		`UPDATE portfolios SET balance = balance - $2, updated_at = NOW()
		 WHERE user_id = $1 AND balance >= $2
		 RETURNING balance`, userID, amount,
	).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("postgres: debit portfolio %s: %w", userID, err)
	}

	// Guard rejected the write; classify missing portfolio vs short balance.
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM portfolios WHERE user_id = $1)`, userID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("postgres: debit portfolio %s: %w", userID, err)
	}
	if !exists {
		return 0, domain.ErrNotFound
	}
	return 0, domain.ErrInsufficientFunds
}

// Credit adds amount to the wallet and returns the new balance.
func (s *PortfolioStore) Credit(ctx context.Context, userID string, amount float64) (float64, error) {
	var newBalance float64
	err := s.db.QueryRow(ctx,
		`UPDATE portfolios SET balance = balance + $2, updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING balance`, userID, amount,
	).Scan(&newBalance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: credit portfolio %s: %w", userID, err)
	}
	return newBalance, nil
}

// AddInvested adjusts the advisory total_invested bookkeeping field.
func (s *PortfolioStore) AddInvested(ctx context.Context, userID string, delta float64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE portfolios SET total_invested = total_invested + $2, updated_at = NOW()
		 WHERE user_id = $1`, userID, delta)
	if err != nil {
		return fmt.Errorf("postgres: add invested %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetHolding retrieves a single holding.
func (s *PortfolioStore) GetHolding(ctx context.Context, userID, bondID string) (domain.Holding, error) {
	var h domain.Holding
	err := s.db.QueryRow(ctx,
		`SELECT bond_id, quantity, avg_price FROM holdings
		 WHERE user_id = $1 AND bond_id = $2`, userID, bondID,
	).Scan(&h.BondID, &h.Quantity, &h.AvgPrice)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Holding{}, domain.ErrNotFound
		}
		return domain.Holding{}, fmt.Errorf("postgres: get holding %s/%s: %w", userID, bondID, err)
	}
	return h, nil
}

// MergeHolding upserts qty units at price into the user's holding for the
// bond. The weighted-average recompute happens inside the single upsert
// statement, against the row values at write time.
func (s *PortfolioStore) MergeHolding(ctx context.Context, userID, bondID string, qty int64, price float64) error {
	const query = `
		INSERT INTO holdings (user_id, bond_id, quantity, avg_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, bond_id) DO UPDATE SET
			avg_price = (holdings.quantity * holdings.avg_price
				+ EXCLUDED.quantity * EXCLUDED.avg_price)
				/ (holdings.quantity + EXCLUDED.quantity),
			quantity   = holdings.quantity + EXCLUDED.quantity,
			updated_at = NOW()`

	if _, err := s.db.Exec(ctx, query, userID, bondID, qty, price); err != nil {
		return fmt.Errorf("postgres: merge holding %s/%s: %w", userID, bondID, err)
	}
	return nil
}

// ReduceHolding subtracts qty units, guarded by quantity >= qty, and removes
// the holding row when it reaches zero.
func (s *PortfolioStore) ReduceHolding(ctx context.Context, userID, bondID string, qty int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE holdings SET quantity = quantity - $3, updated_at = NOW()
		 WHERE user_id = $1 AND bond_id = $2 AND quantity >= $3`,
		userID, bondID, qty)
	if err != nil {
		return fmt.Errorf("postgres: reduce holding %s/%s: %w", userID, bondID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientHoldings
	}

	if _, err := s.db.Exec(ctx,
		`DELETE FROM holdings WHERE user_id = $1 AND bond_id = $2 AND quantity = 0`,
		userID, bondID); err != nil {
		return fmt.Errorf("postgres: remove empty holding %s/%s: %w", userID, bondID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PortfolioStore = (*PortfolioStore)(nil)
