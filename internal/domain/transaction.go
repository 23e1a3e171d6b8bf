package domain

import "time"

// TradeSide indicates the direction of a transaction.
type TradeSide string

const (
	TradeSideBuy     TradeSide = "buy"
	TradeSideSell    TradeSide = "sell"
	TradeSideDeposit TradeSide = "deposit"
)

// TransactionStatus is the terminal state of a transaction record.
type TransactionStatus string

const (
	TransactionConfirmed TransactionStatus = "confirmed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is an immutable record of one completed trade or deposit. It is
// created exactly once by a successful executor run and never mutated or
// deleted afterwards (audit trail).
type Transaction struct {
	ID             string            `json:"transaction_id"`
	UserID         string            `json:"user_id"`
	BondID         string            `json:"bond_id,omitempty"`
	Side           TradeSide         `json:"side"`
	Quantity       int64             `json:"quantity"`
	PricePerUnit   float64           `json:"price_per_unit"`
	TotalAmount    float64           `json:"total_amount"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// OrderRequest carries the parameters of a buy or sell order into the
// executor. IdempotencyKey is optional; when set, retries of the same order
// return the original transaction instead of applying the trade twice.
type OrderRequest struct {
	UserID         string
	BondID         string
	Quantity       int64
	PricePerUnit   float64
	IdempotencyKey string
}

// TradeResult is returned by a successful executor run.
type TradeResult struct {
	Transaction Transaction `json:"transaction"`
	NewBalance  float64     `json:"new_balance"`
}
