package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marketloop/bondmarket/internal/domain"
)

// PortfolioView is a portfolio enriched with its current market value.
type PortfolioView struct {
	domain.Portfolio
	CurrentValue float64 `json:"current_value"`
}

// PortfolioService handles portfolio and transaction-history reads.
type PortfolioService struct {
	portfolios   domain.PortfolioStore
	transactions domain.TransactionStore
	bonds        domain.BondStore
	logger       *slog.Logger
}

// NewPortfolioService creates a PortfolioService.
func NewPortfolioService(
	portfolios domain.PortfolioStore,
	transactions domain.TransactionStore,
	bonds domain.BondStore,
	logger *slog.Logger,
) *PortfolioService {
	return &PortfolioService{
		portfolios:   portfolios,
		transactions: transactions,
		bonds:        bonds,
		logger:       logger,
	}
}

// GetPortfolio returns the user's portfolio with holdings, creating an empty
// one on first access. Current value prices each holding at the bond's face
// value when the bond is still listed, falling back to the holding's average
// purchase price.
func (s *PortfolioService) GetPortfolio(ctx context.Context, userID string) (PortfolioView, error) {
	if userID == "" {
		return PortfolioView{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	p, err := s.portfolios.GetOrCreate(ctx, userID)
	if err != nil {
		return PortfolioView{}, fmt.Errorf("portfolio_service: get portfolio for %q: %w", userID, err)
	}

	view := PortfolioView{Portfolio: p}
	for _, h := range p.Holdings {
		price := h.AvgPrice
		if b, err := s.bonds.GetByID(ctx, h.BondID); err == nil && b.FaceValue > 0 {
			price = b.FaceValue
		}
		view.CurrentValue += float64(h.Quantity) * price
	}
	return view, nil
}

// ListTransactions returns the user's transaction history, newest first.
func (s *PortfolioService) ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	txs, err := s.transactions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("portfolio_service: list transactions for %q: %w", userID, err)
	}
	return txs, nil
}

// GetTransaction returns a single transaction, restricted to its owner.
func (s *PortfolioService) GetTransaction(ctx context.Context, userID, txID string) (domain.Transaction, error) {
	tx, err := s.transactions.GetByID(ctx, txID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("portfolio_service: get transaction %q: %w", txID, err)
	}
	if tx.UserID != userID {
		s.logger.WarnContext(ctx, "portfolio_service: cross-user transaction access denied",
			slog.String("transaction_id", txID),
			slog.String("requested_by", userID),
		)
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx, nil
}
