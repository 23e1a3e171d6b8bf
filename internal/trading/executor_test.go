package trading

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/marketloop/bondmarket/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *memory.Store) {
	t.Helper()
	st := memory.New()
	return NewExecutor(st, cfg, testLogger()), st
}

func seedBond(t *testing.T, st *memory.Store, id string, units int64) {
	t.Helper()
	err := st.Stores().Bonds.Create(context.Background(), domain.Bond{
		ID:             id,
		Name:           "Test Treasury 2031",
		Issuer:         "Treasury",
		CouponRate:     7.5,
		FaceValue:      1000,
		MaturityDate:   time.Now().AddDate(5, 0, 0),
		UnitsAvailable: units,
		Status:         domain.BondStatusActive,
	})
	require.NoError(t, err)
}

func fund(t *testing.T, e *Executor, userID string, amount float64) {
	t.Helper()
	_, err := e.Deposit(context.Background(), userID, amount, "test")
	require.NoError(t, err)
}

func TestExecuteBuyHappyPath(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 1000)
	fund(t, e, "user-1", 10000)

	res, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 5, PricePerUnit: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TradeSideBuy, res.Transaction.Side)
	assert.Equal(t, domain.TransactionConfirmed, res.Transaction.Status)
	assert.Equal(t, float64(5000), res.Transaction.TotalAmount)
	assert.Equal(t, float64(5000), res.NewBalance)

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(995), bond.UnitsAvailable)
	assert.Equal(t, int64(5), bond.UnitsSold)

	h, err := st.Stores().Portfolios.GetHolding(ctx, "user-1", "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.Quantity)
	assert.Equal(t, float64(1000), h.AvgPrice)

	txs, err := e.ListTransactions(ctx, "user-1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, txs, 2) // deposit + buy
	assert.Equal(t, domain.TradeSideBuy, txs[0].Side)
}

func TestExecuteBuyInsufficientFundsLeavesStateUntouched(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-1", 5000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 10, PricePerUnit: 1000,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bond.UnitsAvailable, "failed buy must not consume inventory")
	assert.Equal(t, int64(0), bond.UnitsSold)

	p, err := st.Stores().Portfolios.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, float64(5000), p.Balance)
	assert.Empty(t, p.Holdings)

	txs, err := e.ListTransactions(ctx, "user-1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, txs, 1, "only the deposit should be recorded")
}

func TestExecuteBuyInactiveBond(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	require.NoError(t, st.Stores().Bonds.UpdateStatus(ctx, "bond-1", domain.BondStatusInactive))
	fund(t, e, "user-1", 10000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
	})
	require.ErrorIs(t, err, domain.ErrBondInactive)
}

func TestExecuteBuyUnknownBond(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	fund(t, e, "user-1", 1000)

	_, err := e.ExecuteBuy(context.Background(), domain.OrderRequest{
		UserID: "user-1", BondID: "missing", Quantity: 1, PricePerUnit: 100,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteBuyValidation(t *testing.T) {
	e, _ := newTestExecutor(t, Config{MaxOrderQuantity: 100})
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.OrderRequest
	}{
		{"missing user", domain.OrderRequest{BondID: "b", Quantity: 1, PricePerUnit: 1}},
		{"missing bond", domain.OrderRequest{UserID: "u", Quantity: 1, PricePerUnit: 1}},
		{"zero quantity", domain.OrderRequest{UserID: "u", BondID: "b", Quantity: 0, PricePerUnit: 1}},
		{"negative quantity", domain.OrderRequest{UserID: "u", BondID: "b", Quantity: -3, PricePerUnit: 1}},
		{"over max quantity", domain.OrderRequest{UserID: "u", BondID: "b", Quantity: 101, PricePerUnit: 1}},
		{"zero price", domain.OrderRequest{UserID: "u", BondID: "b", Quantity: 1, PricePerUnit: 0}},
		{"negative price", domain.OrderRequest{UserID: "u", BondID: "b", Quantity: 1, PricePerUnit: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ExecuteBuy(ctx, tc.req)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestConcurrentBuysNeverOversell(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 10)
	fund(t, e, "user-a", 100000)
	fund(t, e, "user-b", 100000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = e.ExecuteBuy(ctx, domain.OrderRequest{
				UserID: user, BondID: "bond-1", Quantity: 6, PricePerUnit: 100,
			})
		}(i, user)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, domain.ErrInsufficientInventory)
			failed++
		}
	}
	assert.Equal(t, 1, ok, "exactly one of the competing buys must win")
	assert.Equal(t, 1, failed)

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), bond.UnitsAvailable)
	assert.Equal(t, int64(6), bond.UnitsSold)
}

func TestConcurrentBuysNeverOverdraft(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 1000)
	fund(t, e, "user-1", 1000)

	// Ten concurrent buys of 150 each against a 1000 wallet: at most six can
	// settle and the balance can never go negative.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var settled int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
				UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 150,
			})
			if err == nil {
				mu.Lock()
				settled++
				mu.Unlock()
			} else {
				require.ErrorIs(t, err, domain.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, settled)
	p, err := st.Stores().Portfolios.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), p.Balance)
	assert.GreaterOrEqual(t, p.Balance, float64(0))
}

func TestWeightedAveragePriceAcrossBuys(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 1000)
	fund(t, e, "user-1", 100000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 10, PricePerUnit: 100,
	})
	require.NoError(t, err)
	_, err = e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 10, PricePerUnit: 200,
	})
	require.NoError(t, err)

	h, err := st.Stores().Portfolios.GetHolding(ctx, "user-1", "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), h.Quantity)
	assert.InDelta(t, 150.0, h.AvgPrice, 1e-9)
}

func TestBuySellRoundTripRestoresState(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 50)
	fund(t, e, "user-1", 10000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 7, PricePerUnit: 500,
	})
	require.NoError(t, err)

	res, err := e.ExecuteSell(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 7, PricePerUnit: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(10000), res.NewBalance)

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bond.UnitsAvailable)
	assert.Equal(t, int64(0), bond.UnitsSold)

	_, err = st.Stores().Portfolios.GetHolding(ctx, "user-1", "bond-1")
	require.ErrorIs(t, err, domain.ErrNotFound, "fully sold holding is removed")

	p, err := st.Stores().Portfolios.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, p.TotalInvested, 1e-9)
}

func TestExecuteSellMoreThanHeld(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 50)
	fund(t, e, "user-1", 10000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 3, PricePerUnit: 100,
	})
	require.NoError(t, err)

	_, err = e.ExecuteSell(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 5, PricePerUnit: 100,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientHoldings)

	// Nothing moved.
	h, err := st.Stores().Portfolios.GetHolding(ctx, "user-1", "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.Quantity)
}

func TestExecuteSellNoHolding(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	seedBond(t, st, "bond-1", 50)
	fund(t, e, "user-1", 1000)

	_, err := e.ExecuteSell(context.Background(), domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientHoldings)
}

func TestIdempotencyKeyReplaysOriginal(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-1", 10000)

	req := domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 2, PricePerUnit: 1000,
		IdempotencyKey: "order-abc",
	}

	first, err := e.ExecuteBuy(ctx, req)
	require.NoError(t, err)

	second, err := e.ExecuteBuy(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.NewBalance, second.NewBalance)

	p, err := st.Stores().Portfolios.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, float64(8000), p.Balance, "replay must not debit twice")

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(98), bond.UnitsAvailable)
}

func TestIdempotencyKeyScopedPerUser(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-a", 10000)
	fund(t, e, "user-b", 10000)

	first, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-a", BondID: "bond-1", Quantity: 2, PricePerUnit: 1000,
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)

	// The same key from a different user is a fresh order, not a replay of
	// user-a's trade.
	second, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-b", BondID: "bond-1", Quantity: 5, PricePerUnit: 1000,
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, "user-b", second.Transaction.UserID)
	assert.Equal(t, int64(5), second.Transaction.Quantity)
	assert.Equal(t, float64(5000), second.NewBalance)

	h, err := st.Stores().Portfolios.GetHolding(ctx, "user-b", "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.Quantity)

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), bond.UnitsSold)
}

func TestIdempotencyKeyReuseWithDifferentParameters(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-1", 10000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 2, PricePerUnit: 1000,
		IdempotencyKey: "order-abc",
	})
	require.NoError(t, err)

	// Same key, different quantity: rejected instead of answered with the
	// original transaction.
	_, err = e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 5, PricePerUnit: 1000,
		IdempotencyKey: "order-abc",
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	// Same key on the opposite side is also a mismatch.
	_, err = e.ExecuteSell(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 2, PricePerUnit: 1000,
		IdempotencyKey: "order-abc",
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	p, err := st.Stores().Portfolios.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, float64(8000), p.Balance, "rejected reuse must not move money")
}

func TestDeposit(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()

	res, err := e.Deposit(ctx, "user-1", 2500, "upi")
	require.NoError(t, err)
	assert.Equal(t, float64(2500), res.NewBalance)
	assert.Equal(t, domain.TradeSideDeposit, res.Transaction.Side)

	res, err = e.Deposit(ctx, "user-1", 500, "upi")
	require.NoError(t, err)
	assert.Equal(t, float64(3000), res.NewBalance)

	_, err = e.Deposit(ctx, "user-1", -10, "upi")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = e.Deposit(ctx, "", 10, "upi")
	require.ErrorIs(t, err, domain.ErrValidation)
}

// conflictingUOW fails WithinTx with ErrTxConflict a fixed number of times
// before delegating to the wrapped unit of work.
type conflictingUOW struct {
	domain.UnitOfWork
	mu        sync.Mutex
	remaining int
}

func (c *conflictingUOW) WithinTx(ctx context.Context, fn func(s domain.Stores) error) error {
	c.mu.Lock()
	if c.remaining > 0 {
		c.remaining--
		c.mu.Unlock()
		return domain.ErrTxConflict
	}
	c.mu.Unlock()
	return c.UnitOfWork.WithinTx(ctx, fn)
}

func TestConflictRetrySucceedsWithinBudget(t *testing.T) {
	st := memory.New()
	uow := &conflictingUOW{UnitOfWork: st, remaining: 2}
	e := NewExecutor(uow, Config{ConflictRetries: 3, RetryBackoff: time.Millisecond}, testLogger())
	ctx := context.Background()

	seedBond(t, st, "bond-1", 10)
	fund(t, e, "user-1", 1000)

	res, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(900), res.NewBalance)
}

func TestConflictRetryExhaustedSurfacesError(t *testing.T) {
	st := memory.New()
	uow := &conflictingUOW{UnitOfWork: st, remaining: 10}
	e := NewExecutor(uow, Config{ConflictRetries: 2, RetryBackoff: time.Millisecond}, testLogger())
	ctx := context.Background()

	seedBond(t, st, "bond-1", 10)
	fund(t, e, "user-1", 1000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
	})
	require.ErrorIs(t, err, domain.ErrTxConflict)
}

func TestNonAtomicBuyCompensatesOnInsufficientFunds(t *testing.T) {
	e, st := newTestExecutor(t, Config{NonAtomic: true})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-1", 500)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 10, PricePerUnit: 100,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The reserve step ran first and must have been compensated.
	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bond.UnitsAvailable)
	assert.Equal(t, int64(0), bond.UnitsSold)
}

func TestNonAtomicRoundTrip(t *testing.T) {
	e, st := newTestExecutor(t, Config{NonAtomic: true})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-1", 10000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 4, PricePerUnit: 250,
	})
	require.NoError(t, err)

	res, err := e.ExecuteSell(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 4, PricePerUnit: 250,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(10000), res.NewBalance)

	bond, err := st.Stores().Bonds.GetByID(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bond.UnitsAvailable)
}

// stubNotifier records whether it was called and can be told to fail.
type stubNotifier struct {
	mu     sync.Mutex
	called chan struct{}
	fail   bool
}

func (n *stubNotifier) Notify(ctx context.Context, event, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case n.called <- struct{}{}:
	default:
	}
	if n.fail {
		return errors.New("smtp unavailable")
	}
	return nil
}

func TestNotifierFailureDoesNotAffectTrade(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	notifier := &stubNotifier{called: make(chan struct{}, 1), fail: true}
	e.WithNotifier(notifier)
	ctx := context.Background()

	seedBond(t, st, "bond-1", 10)
	fund(t, e, "user-1", 1000)

	res, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
	})
	require.NoError(t, err, "a failing notifier must never fail the trade")
	assert.Equal(t, float64(900), res.NewBalance)

	select {
	case <-notifier.called:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was never invoked")
	}
}

func TestTradeWritesAuditLog(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 10)
	fund(t, e, "user-1", 1000)

	_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
		UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
	})
	require.NoError(t, err)

	entries, err := st.Stores().Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var found bool
	for _, entry := range entries {
		if entry.Event == "trade_executed" {
			found = true
			assert.Equal(t, "user-1", entry.Detail["user_id"])
		}
	}
	assert.True(t, found, "expected a trade_executed audit entry")
}

func TestListTransactionsNewestFirst(t *testing.T) {
	e, st := newTestExecutor(t, Config{})
	ctx := context.Background()

	seedBond(t, st, "bond-1", 100)
	fund(t, e, "user-1", 100000)

	for i := 0; i < 5; i++ {
		_, err := e.ExecuteBuy(ctx, domain.OrderRequest{
			UserID: "user-1", BondID: "bond-1", Quantity: 1, PricePerUnit: 100,
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	txs, err := e.ListTransactions(ctx, "user-1", domain.ListOpts{Limit: 3})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i := 1; i < len(txs); i++ {
		assert.False(t, txs[i-1].Timestamp.Before(txs[i].Timestamp))
	}
}
