package service

import (
	"context"
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

// fakeBondCache is an in-process domain.BondCache for service tests.
type fakeBondCache struct {
	mu      sync.Mutex
	bonds   map[string]domain.Bond
	listing []domain.Bond
	hasList bool
}

func newFakeBondCache() *fakeBondCache {
	return &fakeBondCache{bonds: make(map[string]domain.Bond)}
}

func (c *fakeBondCache) GetBond(ctx context.Context, bondID string) (domain.Bond, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bonds[bondID]
	return b, ok, nil
}

func (c *fakeBondCache) SetBond(ctx context.Context, b domain.Bond) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bonds[b.ID] = b
	return nil
}

func (c *fakeBondCache) GetListing(ctx context.Context) ([]domain.Bond, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listing, c.hasList, nil
}

func (c *fakeBondCache) SetListing(ctx context.Context, bonds []domain.Bond) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listing = bonds
	c.hasList = true
	return nil
}

func (c *fakeBondCache) Invalidate(ctx context.Context, bondID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bonds, bondID)
	c.listing = nil
	c.hasList = false
	return nil
}

// fakeSignalBus records published events.
type fakeSignalBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeSignalBus() *fakeSignalBus {
	return &fakeSignalBus{published: make(map[string][][]byte)}
}

func (b *fakeSignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeSignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeSignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *fakeSignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func activeBond(id string, units int64) domain.Bond {
	return domain.Bond{
		ID:             id,
		Name:           "Bond " + id,
		FaceValue:      1000,
		MaturityDate:   time.Now().AddDate(3, 0, 0),
		UnitsAvailable: units,
		Status:         domain.BondStatusActive,
	}
}

func TestBondServiceGetBondBackfillsCache(t *testing.T) {
	st := memory.New()
	cache := newFakeBondCache()
	svc := NewBondService(st.Stores().Bonds, cache, testLogger())
	ctx := context.Background()

	require.NoError(t, svc.CreateBond(ctx, activeBond("bond-1", 100)))

	b, err := svc.GetBond(ctx, "bond-1")
	require.NoError(t, err)
	assert.Equal(t, "bond-1", b.ID)

	cached, ok, err := cache.GetBond(ctx, "bond-1")
	require.NoError(t, err)
	assert.True(t, ok, "store read should back-fill the cache")
	assert.Equal(t, b.ID, cached.ID)
}

func TestBondServiceListingCacheAside(t *testing.T) {
	st := memory.New()
	cache := newFakeBondCache()
	svc := NewBondService(st.Stores().Bonds, cache, testLogger())
	ctx := context.Background()

	require.NoError(t, svc.CreateBond(ctx, activeBond("bond-1", 100)))
	require.NoError(t, svc.CreateBond(ctx, activeBond("bond-2", 50)))

	first, err := svc.ListActive(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, first, 2)

	_, ok, err := cache.GetListing(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// A status change invalidates the listing so the inactive bond disappears.
	require.NoError(t, svc.UpdateStatus(ctx, "bond-2", domain.BondStatusInactive))
	second, err := svc.ListActive(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "bond-1", second[0].ID)
}

func TestBondServiceCreateValidation(t *testing.T) {
	st := memory.New()
	svc := NewBondService(st.Stores().Bonds, nil, testLogger())
	ctx := context.Background()

	err := svc.CreateBond(ctx, domain.Bond{Name: "no id"})
	require.ErrorIs(t, err, domain.ErrValidation)

	err = svc.CreateBond(ctx, domain.Bond{ID: "x"})
	require.ErrorIs(t, err, domain.ErrValidation)

	err = svc.UpdateStatus(ctx, "x", domain.BondStatus("bogus"))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestBondServicePublishesLifecycleEvents(t *testing.T) {
	st := memory.New()
	bus := newFakeSignalBus()
	svc := NewBondService(st.Stores().Bonds, nil, testLogger()).WithSignalBus(bus)
	ctx := context.Background()

	require.NoError(t, svc.CreateBond(ctx, activeBond("bond-1", 100)))
	require.NoError(t, svc.UpdateStatus(ctx, "bond-1", domain.BondStatusDelisted))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published["bonds"], 2)
	assert.Contains(t, string(bus.published["bonds"][0]), "bond_listed")
	assert.Contains(t, string(bus.published["bonds"][1]), "bond_status_changed")
}

func TestPortfolioServiceGetPortfolio(t *testing.T) {
	st := memory.New()
	stores := st.Stores()
	svc := NewPortfolioService(stores.Portfolios, stores.Transactions, stores.Bonds, testLogger())
	ctx := context.Background()

	require.NoError(t, stores.Bonds.Create(ctx, activeBond("bond-1", 100)))
	_, err := stores.Portfolios.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	_, err = stores.Portfolios.Credit(ctx, "user-1", 10000)
	require.NoError(t, err)
	require.NoError(t, stores.Portfolios.MergeHolding(ctx, "user-1", "bond-1", 4, 900))

	view, err := svc.GetPortfolio(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, float64(10000), view.Balance)
	require.Len(t, view.Holdings, 1)
	// Valued at face value (1000), not purchase price (900).
	assert.InDelta(t, 4000.0, view.CurrentValue, 1e-9)
}

func TestPortfolioServiceTransactionOwnership(t *testing.T) {
	st := memory.New()
	stores := st.Stores()
	svc := NewPortfolioService(stores.Portfolios, stores.Transactions, stores.Bonds, testLogger())
	ctx := context.Background()

	tx := domain.Transaction{
		ID:        "tx-1",
		UserID:    "user-1",
		Side:      domain.TradeSideDeposit,
		Status:    domain.TransactionConfirmed,
		Timestamp: time.Now(),
	}
	require.NoError(t, stores.Transactions.Record(ctx, tx))

	got, err := svc.GetTransaction(ctx, "user-1", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.ID)

	_, err = svc.GetTransaction(ctx, "user-2", "tx-1")
	require.ErrorIs(t, err, domain.ErrNotFound, "other users must not see the transaction")
}
