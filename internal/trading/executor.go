// Package trading implements the order executor: the single write path that
// applies a buy, sell, or deposit to the bond inventory, the user's portfolio,
// and the transaction log as one unit, or applies nothing at all.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/bondmarket/internal/domain"
)

// Notifier is the best-effort notification side channel. Failures here must
// never roll back a committed trade.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes executor behaviour.
type Config struct {
	// MaxOrderQuantity is the platform-wide cap on units per order. Zero
	// disables the cap.
	MaxOrderQuantity int64

	// NonAtomic switches the executor from one storage transaction per trade
	// to the saga fallback (fixed write order with compensating writes). Only
	// for storage without multi-entity transactions; never the production
	// default.
	NonAtomic bool

	// ConflictRetries is how many times a trade is retried after a
	// serialization conflict before the error is surfaced.
	ConflictRetries int

	// RetryBackoff is the base delay between conflict retries; the delay
	// grows linearly with the attempt number.
	RetryBackoff time.Duration
}

// Executor orchestrates trades across the bond, portfolio, and transaction
// stores through a unit of work.
type Executor struct {
	uow      domain.UnitOfWork
	bus      domain.SignalBus
	cache    domain.BondCache
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// NewExecutor creates an Executor. bus, cache, and notifier are optional; nil
// disables the corresponding side channel.
func NewExecutor(uow domain.UnitOfWork, cfg Config, logger *slog.Logger) *Executor {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return &Executor{
		uow:    uow,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// WithSignalBus attaches the event bus used to publish executed trades.
func (e *Executor) WithSignalBus(bus domain.SignalBus) *Executor {
	e.bus = bus
	return e
}

// WithBondCache attaches the marketplace cache invalidated after trades.
func (e *Executor) WithBondCache(cache domain.BondCache) *Executor {
	e.cache = cache
	return e
}

// WithNotifier attaches the best-effort notification channel.
func (e *Executor) WithNotifier(n Notifier) *Executor {
	e.notifier = n
	return e
}

// ExecuteBuy atomically debits the wallet, decrements bond inventory, merges
// the holding at the recomputed weighted-average price, and records a
// confirmed transaction. On any failure none of those writes are visible.
func (e *Executor) ExecuteBuy(ctx context.Context, req domain.OrderRequest) (domain.TradeResult, error) {
	if err := validateOrder(req, e.cfg.MaxOrderQuantity); err != nil {
		return domain.TradeResult{}, err
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := e.replayIdempotent(ctx, req, domain.TradeSideBuy); err != nil {
			return domain.TradeResult{}, err
		} else if ok {
			return res, nil
		}
	}

	total := float64(req.Quantity) * req.PricePerUnit
	tx := domain.Transaction{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		BondID:         req.BondID,
		Side:           domain.TradeSideBuy,
		Quantity:       req.Quantity,
		PricePerUnit:   req.PricePerUnit,
		TotalAmount:    total,
		Status:         domain.TransactionConfirmed,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
	}

	var result domain.TradeResult
	apply := func(s domain.Stores) error {
		if err := s.Bonds.ReserveUnits(ctx, req.BondID, req.Quantity); err != nil {
			return err
		}
		if _, err := s.Portfolios.GetOrCreate(ctx, req.UserID); err != nil {
			return err
		}
		newBalance, err := s.Portfolios.Debit(ctx, req.UserID, total)
		if err != nil {
			return err
		}
		if err := s.Portfolios.MergeHolding(ctx, req.UserID, req.BondID, req.Quantity, req.PricePerUnit); err != nil {
			return err
		}
		if err := s.Portfolios.AddInvested(ctx, req.UserID, total); err != nil {
			return err
		}
		if err := s.Transactions.Record(ctx, tx); err != nil {
			return err
		}
		result = domain.TradeResult{Transaction: tx, NewBalance: newBalance}
		return nil
	}

	var err error
	if e.cfg.NonAtomic {
		err = e.buySaga(ctx, req, tx, &result)
	} else {
		err = e.withConflictRetry(ctx, apply)
	}
	if err != nil {
		e.logRejected(ctx, "buy", req, err)
		return domain.TradeResult{}, err
	}

	e.afterTrade(ctx, result)
	return result, nil
}

// ExecuteSell is the mirror of ExecuteBuy: it reduces the holding (failing if
// the user holds fewer than the requested units), credits the wallet, returns
// the units to the bond's available pool, and records the transaction. The
// cost basis comes off at the holding's average price.
func (e *Executor) ExecuteSell(ctx context.Context, req domain.OrderRequest) (domain.TradeResult, error) {
	if err := validateOrder(req, e.cfg.MaxOrderQuantity); err != nil {
		return domain.TradeResult{}, err
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := e.replayIdempotent(ctx, req, domain.TradeSideSell); err != nil {
			return domain.TradeResult{}, err
		} else if ok {
			return res, nil
		}
	}

	total := float64(req.Quantity) * req.PricePerUnit
	tx := domain.Transaction{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		BondID:         req.BondID,
		Side:           domain.TradeSideSell,
		Quantity:       req.Quantity,
		PricePerUnit:   req.PricePerUnit,
		TotalAmount:    total,
		Status:         domain.TransactionConfirmed,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      time.Now().UTC(),
	}

	var result domain.TradeResult
	apply := func(s domain.Stores) error {
		holding, err := s.Portfolios.GetHolding(ctx, req.UserID, req.BondID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrInsufficientHoldings
			}
			return err
		}
		if err := s.Portfolios.ReduceHolding(ctx, req.UserID, req.BondID, req.Quantity); err != nil {
			return err
		}
		if err := s.Bonds.ReleaseUnits(ctx, req.BondID, req.Quantity); err != nil {
			return err
		}
		newBalance, err := s.Portfolios.Credit(ctx, req.UserID, total)
		if err != nil {
			return err
		}
		if err := s.Portfolios.AddInvested(ctx, req.UserID, -float64(req.Quantity)*holding.AvgPrice); err != nil {
			return err
		}
		if err := s.Transactions.Record(ctx, tx); err != nil {
			return err
		}
		result = domain.TradeResult{Transaction: tx, NewBalance: newBalance}
		return nil
	}

	var err error
	if e.cfg.NonAtomic {
		err = e.sellSaga(ctx, req, tx, &result)
	} else {
		err = e.withConflictRetry(ctx, apply)
	}
	if err != nil {
		e.logRejected(ctx, "sell", req, err)
		return domain.TradeResult{}, err
	}

	e.afterTrade(ctx, result)
	return result, nil
}

// Deposit credits the wallet and records a deposit transaction. It shares the
// portfolio entity with the trade path and therefore the same conditional-
// update discipline.
func (e *Executor) Deposit(ctx context.Context, userID string, amount float64, method string) (domain.TradeResult, error) {
	if userID == "" {
		return domain.TradeResult{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if amount <= 0 {
		return domain.TradeResult{}, fmt.Errorf("%w: deposit amount must be positive", domain.ErrValidation)
	}

	tx := domain.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Side:        domain.TradeSideDeposit,
		TotalAmount: amount,
		Status:      domain.TransactionConfirmed,
		Timestamp:   time.Now().UTC(),
	}

	var result domain.TradeResult
	apply := func(s domain.Stores) error {
		if _, err := s.Portfolios.GetOrCreate(ctx, userID); err != nil {
			return err
		}
		newBalance, err := s.Portfolios.Credit(ctx, userID, amount)
		if err != nil {
			return err
		}
		if err := s.Transactions.Record(ctx, tx); err != nil {
			return err
		}
		result = domain.TradeResult{Transaction: tx, NewBalance: newBalance}
		return nil
	}

	if err := e.withConflictRetry(ctx, apply); err != nil {
		return domain.TradeResult{}, err
	}

	e.audit(ctx, "deposit", map[string]any{
		"transaction_id": tx.ID,
		"user_id":        userID,
		"amount":         amount,
		"method":         method,
	})
	e.logger.InfoContext(ctx, "deposit credited",
		slog.String("user_id", userID),
		slog.Float64("amount", amount),
		slog.String("method", method),
	)
	return result, nil
}

// ListTransactions returns the user's transaction history, newest first.
func (e *Executor) ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	txs, err := e.uow.Stores().Transactions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("trading: list transactions for %q: %w", userID, err)
	}
	return txs, nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// withConflictRetry runs the unit of work, retrying a bounded number of times
// with linear backoff when the storage layer reports a write conflict. The
// conflict is never swallowed into a false success: the last error surfaces.
func (e *Executor) withConflictRetry(ctx context.Context, fn func(s domain.Stores) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.ConflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * e.cfg.RetryBackoff):
			}
			e.logger.WarnContext(ctx, "retrying trade after conflict",
				slog.Int("attempt", attempt),
			)
		}
		err = e.uow.WithinTx(ctx, fn)
		if err == nil || !errors.Is(err, domain.ErrTxConflict) {
			return err
		}
	}
	return err
}

// replayIdempotent returns the previously recorded transaction for the
// requesting user's idempotency key, if one exists. Keys are scoped per user,
// so one user can never replay another's trade. A key reused with different
// order parameters is rejected rather than silently answered with the
// original transaction.
func (e *Executor) replayIdempotent(ctx context.Context, req domain.OrderRequest, side domain.TradeSide) (domain.TradeResult, bool, error) {
	s := e.uow.Stores()
	tx, err := s.Transactions.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TradeResult{}, false, nil
		}
		return domain.TradeResult{}, false, err
	}

	if tx.Side != side || tx.BondID != req.BondID ||
		tx.Quantity != req.Quantity || tx.PricePerUnit != req.PricePerUnit {
		return domain.TradeResult{}, false, fmt.Errorf(
			"%w: idempotency key %q already used with different order parameters",
			domain.ErrValidation, req.IdempotencyKey)
	}

	p, err := s.Portfolios.GetByUser(ctx, req.UserID)
	if err != nil {
		return domain.TradeResult{}, false, err
	}
	e.logger.InfoContext(ctx, "replaying idempotent order",
		slog.String("transaction_id", tx.ID),
		slog.String("idempotency_key", req.IdempotencyKey),
	)
	return domain.TradeResult{Transaction: tx, NewBalance: p.Balance}, true, nil
}

// buySaga applies the buy as a fixed sequence of autocommit writes
// (inventory, then portfolio, then transaction) and reverses the earlier
// writes when a later step fails. Used only when cfg.NonAtomic is set.
func (e *Executor) buySaga(ctx context.Context, req domain.OrderRequest, tx domain.Transaction, result *domain.TradeResult) error {
	s := e.uow.Stores()
	total := tx.TotalAmount

	if err := s.Bonds.ReserveUnits(ctx, req.BondID, req.Quantity); err != nil {
		return err
	}

	if _, err := s.Portfolios.GetOrCreate(ctx, req.UserID); err != nil {
		e.compensate(ctx, tx.ID, func() error { return s.Bonds.ReleaseUnits(ctx, req.BondID, req.Quantity) })
		return err
	}

	newBalance, err := s.Portfolios.Debit(ctx, req.UserID, total)
	if err != nil {
		e.compensate(ctx, tx.ID, func() error { return s.Bonds.ReleaseUnits(ctx, req.BondID, req.Quantity) })
		return err
	}

	if err := s.Portfolios.MergeHolding(ctx, req.UserID, req.BondID, req.Quantity, req.PricePerUnit); err != nil {
		e.compensate(ctx, tx.ID,
			func() error { _, cerr := s.Portfolios.Credit(ctx, req.UserID, total); return cerr },
			func() error { return s.Bonds.ReleaseUnits(ctx, req.BondID, req.Quantity) },
		)
		return err
	}
	if err := s.Portfolios.AddInvested(ctx, req.UserID, total); err != nil {
		// Advisory bookkeeping only; log and continue.
		e.logger.WarnContext(ctx, "total_invested update failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.Transactions.Record(ctx, tx); err != nil {
		// A duplicate idempotency key means a previous saga run already
		// recorded the trade; undo this run's writes and replay the original.
		e.compensate(ctx, tx.ID,
			func() error { return s.Portfolios.ReduceHolding(ctx, req.UserID, req.BondID, req.Quantity) },
			func() error { _, cerr := s.Portfolios.Credit(ctx, req.UserID, total); return cerr },
			func() error { return s.Portfolios.AddInvested(ctx, req.UserID, -total) },
			func() error { return s.Bonds.ReleaseUnits(ctx, req.BondID, req.Quantity) },
		)
		if errors.Is(err, domain.ErrAlreadyExists) && req.IdempotencyKey != "" {
			if res, ok, rerr := e.replayIdempotent(ctx, req, domain.TradeSideBuy); rerr == nil && ok {
				*result = res
				return nil
			}
		}
		return err
	}

	*result = domain.TradeResult{Transaction: tx, NewBalance: newBalance}
	return nil
}

// sellSaga mirrors buySaga for the sell side.
func (e *Executor) sellSaga(ctx context.Context, req domain.OrderRequest, tx domain.Transaction, result *domain.TradeResult) error {
	s := e.uow.Stores()
	total := tx.TotalAmount

	holding, err := s.Portfolios.GetHolding(ctx, req.UserID, req.BondID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrInsufficientHoldings
		}
		return err
	}

	if err := s.Portfolios.ReduceHolding(ctx, req.UserID, req.BondID, req.Quantity); err != nil {
		return err
	}

	if err := s.Bonds.ReleaseUnits(ctx, req.BondID, req.Quantity); err != nil {
		e.compensate(ctx, tx.ID, func() error {
			return s.Portfolios.MergeHolding(ctx, req.UserID, req.BondID, req.Quantity, holding.AvgPrice)
		})
		return err
	}

	newBalance, err := s.Portfolios.Credit(ctx, req.UserID, total)
	if err != nil {
		e.compensate(ctx, tx.ID,
			func() error { return s.Bonds.ReserveUnits(ctx, req.BondID, req.Quantity) },
			func() error {
				return s.Portfolios.MergeHolding(ctx, req.UserID, req.BondID, req.Quantity, holding.AvgPrice)
			},
		)
		return err
	}
	if err := s.Portfolios.AddInvested(ctx, req.UserID, -float64(req.Quantity)*holding.AvgPrice); err != nil {
		e.logger.WarnContext(ctx, "total_invested update failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.Transactions.Record(ctx, tx); err != nil {
		e.compensate(ctx, tx.ID,
			func() error { _, cerr := s.Portfolios.Debit(ctx, req.UserID, total); return cerr },
			func() error { return s.Bonds.ReserveUnits(ctx, req.BondID, req.Quantity) },
			func() error {
				return s.Portfolios.MergeHolding(ctx, req.UserID, req.BondID, req.Quantity, holding.AvgPrice)
			},
			func() error { return s.Portfolios.AddInvested(ctx, req.UserID, float64(req.Quantity)*holding.AvgPrice) },
		)
		if errors.Is(err, domain.ErrAlreadyExists) && req.IdempotencyKey != "" {
			if res, ok, rerr := e.replayIdempotent(ctx, req, domain.TradeSideSell); rerr == nil && ok {
				*result = res
				return nil
			}
		}
		return err
	}

	*result = domain.TradeResult{Transaction: tx, NewBalance: newBalance}
	return nil
}

// compensate runs reversal writes in order, logging any that fail. A failed
// compensation leaves the ledger inconsistent, which is exactly why the saga
// path is opt-in.
func (e *Executor) compensate(ctx context.Context, txID string, steps ...func() error) {
	for _, step := range steps {
		if err := step(); err != nil {
			e.logger.ErrorContext(ctx, "saga compensation failed",
				slog.String("transaction_id", txID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// afterTrade runs the decoupled side channels for a committed trade: cache
// invalidation, event publication, audit, and notification. None of these can
// fail the trade; the result has already been returned to the caller's view
// of the world.
func (e *Executor) afterTrade(ctx context.Context, result domain.TradeResult) {
	tx := result.Transaction

	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, tx.BondID); err != nil {
			e.logger.WarnContext(ctx, "bond cache invalidation failed",
				slog.String("bond_id", tx.BondID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":          "trade_executed",
			"transaction_id": tx.ID,
			"bond_id":        tx.BondID,
			"side":           string(tx.Side),
			"quantity":       tx.Quantity,
			"price_per_unit": tx.PricePerUnit,
			"total_amount":   tx.TotalAmount,
			"timestamp":      tx.Timestamp.Format(time.RFC3339),
		})
		if err := e.bus.Publish(ctx, "trades", payload); err != nil {
			e.logger.WarnContext(ctx, "trade event publish failed",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := e.bus.StreamAppend(ctx, "stream:trades", payload); err != nil {
			e.logger.WarnContext(ctx, "trade stream append failed",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.audit(ctx, "trade_executed", map[string]any{
		"transaction_id": tx.ID,
		"user_id":        tx.UserID,
		"bond_id":        tx.BondID,
		"side":           string(tx.Side),
		"quantity":       tx.Quantity,
		"total_amount":   tx.TotalAmount,
	})

	if e.notifier != nil {
		// Detached context: notification dispatch (simulated email, webhooks)
		// must not block or abort the committed trade.
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			title := fmt.Sprintf("Trade confirmed: %s %d units of %s", tx.Side, tx.Quantity, tx.BondID)
			msg := fmt.Sprintf("Transaction %s settled for %.2f.", tx.ID, tx.TotalAmount)
			if err := e.notifier.Notify(nctx, "trade_executed", title, msg); err != nil {
				e.logger.Warn("trade notification failed",
					slog.String("transaction_id", tx.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	e.logger.InfoContext(ctx, "trade executed",
		slog.String("transaction_id", tx.ID),
		slog.String("user_id", tx.UserID),
		slog.String("bond_id", tx.BondID),
		slog.String("side", string(tx.Side)),
		slog.Int64("quantity", tx.Quantity),
		slog.Float64("total_amount", tx.TotalAmount),
		slog.Float64("new_balance", result.NewBalance),
	)
}

func (e *Executor) audit(ctx context.Context, event string, detail map[string]any) {
	if err := e.uow.Stores().Audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) logRejected(ctx context.Context, side string, req domain.OrderRequest, err error) {
	e.logger.InfoContext(ctx, "order rejected",
		slog.String("side", side),
		slog.String("user_id", req.UserID),
		slog.String("bond_id", req.BondID),
		slog.Int64("quantity", req.Quantity),
		slog.String("reason", err.Error()),
	)
}

// validateOrder rejects malformed orders before any store is touched.
func validateOrder(req domain.OrderRequest, maxQty int64) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if req.BondID == "" {
		return fmt.Errorf("%w: bond id is required", domain.ErrValidation)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer", domain.ErrValidation)
	}
	if maxQty > 0 && req.Quantity > maxQty {
		return fmt.Errorf("%w: quantity exceeds platform maximum of %d", domain.ErrValidation, maxQty)
	}
	if req.PricePerUnit <= 0 {
		return fmt.Errorf("%w: price per unit must be positive", domain.ErrValidation)
	}
	return nil
}
