package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/marketloop/bondmarket/internal/server/middleware"
)

// TradingService defines the methods the trading handler requires from the
// order executor.
type TradingService interface {
	ExecuteBuy(ctx context.Context, req domain.OrderRequest) (domain.TradeResult, error)
	ExecuteSell(ctx context.Context, req domain.OrderRequest) (domain.TradeResult, error)
	ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error)
}

// TradingHandler serves the buy/sell/history endpoints.
type TradingHandler struct {
	trading TradingService
	logger  *slog.Logger
}

// NewTradingHandler creates a TradingHandler with the given executor and logger.
func NewTradingHandler(trading TradingService, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{
		trading: trading,
		logger:  logger,
	}
}

// orderRequest is the JSON body for buy and sell orders.
type orderRequest struct {
	UserID         string  `json:"user_id"`
	BondID         string  `json:"bond_id"`
	Quantity       int64   `json:"quantity"`
	PricePerUnit   float64 `json:"price_per_unit"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// tradeResponse wraps an executed trade in the success envelope.
type tradeResponse struct {
	Success     bool               `json:"success"`
	Transaction domain.Transaction `json:"transaction"`
	NewBalance  float64            `json:"new_balance"`
}

// Buy executes a buy order.
// POST /api/trading/buy
func (h *TradingHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.executeOrder(w, r, h.trading.ExecuteBuy)
}

// Sell executes a sell order.
// POST /api/trading/sell
func (h *TradingHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.executeOrder(w, r, h.trading.ExecuteSell)
}

func (h *TradingHandler) executeOrder(
	w http.ResponseWriter,
	r *http.Request,
	exec func(ctx context.Context, req domain.OrderRequest) (domain.TradeResult, error),
) {
	var body orderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	userID := resolveUser(r, body.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	// An idempotency key may come from the body or the standard header.
	key := body.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	result, err := exec(r.Context(), domain.OrderRequest{
		UserID:         userID,
		BondID:         body.BondID,
		Quantity:       body.Quantity,
		PricePerUnit:   body.PricePerUnit,
		IdempotencyKey: key,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, tradeResponse{
		Success:     true,
		Transaction: result.Transaction,
		NewBalance:  result.NewBalance,
	})
}

// listTransactionsResponse wraps the transaction history response.
type listTransactionsResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// ListTransactions returns the caller's transaction history, newest first.
// GET /api/trading?user_id=...&limit=50&offset=0
func (h *TradingHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := resolveUser(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	txs, err := h.trading.ListTransactions(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Transactions: txs})
}

// resolveUser picks the caller identity: the authenticated X-User-ID wins over
// anything in the request body or query, so one user cannot trade on behalf of
// another.
func resolveUser(r *http.Request, fromRequest string) string {
	if id := middleware.UserID(r.Context()); id != "" {
		return id
	}
	return fromRequest
}
