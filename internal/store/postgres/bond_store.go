package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marketloop/bondmarket/internal/domain"
)

// BondStore implements domain.BondStore using PostgreSQL.
type BondStore struct {
	db Querier
}

// NewBondStore creates a new BondStore backed by the given querier.
func NewBondStore(db Querier) *BondStore {
	return &BondStore{db: db}
}

const bondSelectCols = `bond_id, name, issuer, coupon_rate, face_value,
	maturity_date, units_available, units_sold, status, created_at, updated_at`

func scanBondRow(row pgx.Row) (domain.Bond, error) {
	var b domain.Bond
	var status string

	err := row.Scan(
		&b.ID, &b.Name, &b.Issuer, &b.CouponRate, &b.FaceValue,
		&b.MaturityDate, &b.UnitsAvailable, &b.UnitsSold,
		&status, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return domain.Bond{}, err
	}
	b.Status = domain.BondStatus(status)
	return b, nil
}

// Create inserts a new bond listing.
func (s *BondStore) Create(ctx context.Context, b domain.Bond) error {
	const query = `
		INSERT INTO bonds (
			bond_id, name, issuer, coupon_rate, face_value,
			maturity_date, units_available, units_sold, status, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, NOW()
		)`

	_, err := s.db.Exec(ctx, query,
		b.ID, b.Name, b.Issuer, b.CouponRate, b.FaceValue,
		b.MaturityDate, b.UnitsAvailable, b.UnitsSold, string(b.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create bond %s: %w", b.ID, err)
	}
	return nil
}

// GetByID retrieves a single bond by its ID.
func (s *BondStore) GetByID(ctx context.Context, bondID string) (domain.Bond, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+bondSelectCols+` FROM bonds WHERE bond_id = $1`, bondID)

	b, err := scanBondRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Bond{}, domain.ErrNotFound
		}
		return domain.Bond{}, fmt.Errorf("postgres: get bond %s: %w", bondID, err)
	}
	return b, nil
}

// ListActive returns active bonds ordered by maturity, with pagination.
func (s *BondStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Bond, error) {
	query := `SELECT ` + bondSelectCols + ` FROM bonds WHERE status = 'active'
		ORDER BY maturity_date ASC`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("postgres: list active bonds: %w", err)
	}
	defer rows.Close()

	var bonds []domain.Bond
	for rows.Next() {
		var b domain.Bond
		var status string
		if err := rows.Scan(
			&b.ID, &b.Name, &b.Issuer, &b.CouponRate, &b.FaceValue,
			&b.MaturityDate, &b.UnitsAvailable, &b.UnitsSold,
			&status, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan bond: %w", err)
		}
		b.Status = domain.BondStatus(status)
		bonds = append(bonds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active bonds rows: %w", err)
	}
	return bonds, nil
}

// UpdateStatus changes a bond's lifecycle status.
func (s *BondStore) UpdateStatus(ctx context.Context, bondID string, status domain.BondStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE bonds SET status = $2, updated_at = NOW() WHERE bond_id = $1`,
		bondID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update bond status %s: %w", bondID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the total number of bond listings.
func (s *BondStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM bonds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count bonds: %w", err)
	}
	return n, nil
}

// ReserveUnits moves qty units from available to sold in one conditional
// update. The guard on status and units_available is what prevents two
// concurrent buys from overselling the inventory: a stale read can never slip
// through because there is no separate read.
func (s *BondStore) ReserveUnits(ctx context.Context, bondID string, qty int64) error {
	const query = `
		UPDATE bonds SET
			units_available = units_available - $2,
			units_sold      = units_sold + $2,
			updated_at      = NOW()
		WHERE bond_id = $1
		  AND status = 'active'
		  AND units_available >= $2`

	tag, err := s.db.Exec(ctx, query, bondID, qty)
	if err != nil {
		return fmt.Errorf("postgres: reserve %d units of %s: %w", qty, bondID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// The guard rejected the write; classify why.
	b, err := s.GetByID(ctx, bondID)
	if err != nil {
		return err
	}
	if !b.Tradeable() {
		return domain.ErrBondInactive
	}
	return domain.ErrInsufficientInventory
}

// ReleaseUnits returns qty units from sold to available (sell or buy
// compensation). units_sold is guarded so the counters cannot go negative.
func (s *BondStore) ReleaseUnits(ctx context.Context, bondID string, qty int64) error {
	const query = `
		UPDATE bonds SET
			units_available = units_available + $2,
			units_sold      = units_sold - $2,
			updated_at      = NOW()
		WHERE bond_id = $1
		  AND units_sold >= $2`

	tag, err := s.db.Exec(ctx, query, bondID, qty)
	if err != nil {
		return fmt.Errorf("postgres: release %d units of %s: %w", qty, bondID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, bondID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: release of %d units exceeds units sold of %s",
			domain.ErrValidation, qty, bondID)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BondStore = (*BondStore)(nil)
