package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/marketloop/bondmarket/internal/domain"
)

// PaymentService defines the methods the payment handler requires.
type PaymentService interface {
	Deposit(ctx context.Context, userID string, amount float64, method string) (domain.TradeResult, error)
}

// PaymentHandler serves the wallet funding endpoint.
type PaymentHandler struct {
	payments PaymentService
	logger   *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler with the given service and logger.
func NewPaymentHandler(payments PaymentService, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		logger:   logger,
	}
}

// depositRequest is the JSON body for a wallet deposit.
type depositRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
}

// Deposit credits funds to the caller's wallet. Payment processing is
// simulated: the deposit always settles immediately.
// POST /api/payments/deposit
func (h *PaymentHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var body depositRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	userID := resolveUser(r, body.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.payments.Deposit(r.Context(), userID, body.Amount, body.Method)
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
