package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/marketloop/bondmarket/internal/service"
)

// PortfolioService defines the methods the portfolio handler requires.
type PortfolioService interface {
	GetPortfolio(ctx context.Context, userID string) (service.PortfolioView, error)
	GetTransaction(ctx context.Context, userID, txID string) (domain.Transaction, error)
}

// PortfolioHandler serves the portfolio endpoints.
type PortfolioHandler struct {
	portfolios PortfolioService
	logger     *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler with the given service and
// logger.
func NewPortfolioHandler(portfolios PortfolioService, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		portfolios: portfolios,
		logger:     logger,
	}
}

// GetPortfolio returns the caller's wallet balance and holdings.
// GET /api/portfolio?user_id=...
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := resolveUser(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	view, err := h.portfolios.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// GetTransaction returns a single transaction owned by the caller.
// GET /api/transactions/{id}?user_id=...
func (h *PortfolioHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := pathParam(r, "id")
	if txID == "" {
		writeError(w, http.StatusBadRequest, "missing transaction id")
		return
	}

	userID := resolveUser(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	tx, err := h.portfolios.GetTransaction(r.Context(), userID, txID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}
