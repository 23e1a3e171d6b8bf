// Package memory implements the domain store interfaces in process memory.
//
// It backs the explicit "memory" storage mode used for demos and tests; it is
// never the default in production configuration. The same invariants hold as
// in the PostgreSQL implementation: every guarded mutation (balance, units,
// holding quantity) checks and writes under one critical section.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marketloop/bondmarket/internal/domain"
)

// Store holds all entities in maps guarded by a single mutex. WithinTx holds
// the mutex for the whole unit of work and restores a snapshot on error, so
// partial writes are never observable.
type Store struct {
	mu sync.Mutex

	bonds        map[string]domain.Bond
	portfolios   map[string]domain.Portfolio // Holdings field unused here
	holdings     map[string]map[string]domain.Holding
	transactions []domain.Transaction
	audit        []domain.AuditEntry
	auditSeq     int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		bonds:      make(map[string]domain.Bond),
		portfolios: make(map[string]domain.Portfolio),
		holdings:   make(map[string]map[string]domain.Holding),
	}
}

// snapshot captures a deep copy of all state for rollback.
type snapshot struct {
	bonds        map[string]domain.Bond
	portfolios   map[string]domain.Portfolio
	holdings     map[string]map[string]domain.Holding
	transactions []domain.Transaction
	audit        []domain.AuditEntry
	auditSeq     int64
}

func (s *Store) capture() snapshot {
	snap := snapshot{
		bonds:        make(map[string]domain.Bond, len(s.bonds)),
		portfolios:   make(map[string]domain.Portfolio, len(s.portfolios)),
		holdings:     make(map[string]map[string]domain.Holding, len(s.holdings)),
		transactions: append([]domain.Transaction(nil), s.transactions...),
		audit:        append([]domain.AuditEntry(nil), s.audit...),
		auditSeq:     s.auditSeq,
	}
	for k, v := range s.bonds {
		snap.bonds[k] = v
	}
	for k, v := range s.portfolios {
		snap.portfolios[k] = v
	}
	for user, hs := range s.holdings {
		m := make(map[string]domain.Holding, len(hs))
		for k, v := range hs {
			m[k] = v
		}
		snap.holdings[user] = m
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.bonds = snap.bonds
	s.portfolios = snap.portfolios
	s.holdings = snap.holdings
	s.transactions = snap.transactions
	s.audit = snap.audit
	s.auditSeq = snap.auditSeq
}

// WithinTx runs fn against stores that share the already-held lock. If fn
// fails, the pre-transaction snapshot is restored, so none of fn's writes are
// visible afterwards.
func (s *Store) WithinTx(ctx context.Context, fn func(st domain.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.capture()
	if err := fn(s.stores(false)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Stores returns stores whose every operation takes the lock individually
// (autocommit semantics, used by the non-atomic fallback path and reads).
func (s *Store) Stores() domain.Stores {
	return s.stores(true)
}

// Ping reports storage liveness. The in-memory store is always available.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) stores(locking bool) domain.Stores {
	a := accessor{s: s, locking: locking}
	return domain.Stores{
		Bonds:        bondStore{a},
		Portfolios:   portfolioStore{a},
		Transactions: transactionStore{a},
		Audit:        auditStore{a},
	}
}

// accessor mediates lock acquisition: transaction-bound stores run with the
// lock already held by WithinTx, autocommit stores lock per call.
type accessor struct {
	s       *Store
	locking bool
}

func (a accessor) acquire() func() {
	if a.locking {
		a.s.mu.Lock()
		return a.s.mu.Unlock
	}
	return func() {}
}

// ---------------------------------------------------------------------------
// BondStore
// ---------------------------------------------------------------------------

type bondStore struct{ a accessor }

func (bs bondStore) Create(ctx context.Context, b domain.Bond) error {
	defer bs.a.acquire()()
	if _, ok := bs.a.s.bonds[b.ID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	bs.a.s.bonds[b.ID] = b
	return nil
}

func (bs bondStore) GetByID(ctx context.Context, bondID string) (domain.Bond, error) {
	defer bs.a.acquire()()
	b, ok := bs.a.s.bonds[bondID]
	if !ok {
		return domain.Bond{}, domain.ErrNotFound
	}
	return b, nil
}

func (bs bondStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Bond, error) {
	defer bs.a.acquire()()
	var bonds []domain.Bond
	for _, b := range bs.a.s.bonds {
		if b.Status == domain.BondStatusActive {
			bonds = append(bonds, b)
		}
	}
	sort.Slice(bonds, func(i, j int) bool {
		return bonds[i].MaturityDate.Before(bonds[j].MaturityDate)
	})
	return paginate(bonds, opts), nil
}

func (bs bondStore) UpdateStatus(ctx context.Context, bondID string, status domain.BondStatus) error {
	defer bs.a.acquire()()
	b, ok := bs.a.s.bonds[bondID]
	if !ok {
		return domain.ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	bs.a.s.bonds[bondID] = b
	return nil
}

func (bs bondStore) Count(ctx context.Context) (int64, error) {
	defer bs.a.acquire()()
	return int64(len(bs.a.s.bonds)), nil
}

func (bs bondStore) ReserveUnits(ctx context.Context, bondID string, qty int64) error {
	defer bs.a.acquire()()
	b, ok := bs.a.s.bonds[bondID]
	if !ok {
		return domain.ErrNotFound
	}
	if !b.Tradeable() {
		return domain.ErrBondInactive
	}
	if b.UnitsAvailable < qty {
		return domain.ErrInsufficientInventory
	}
	b.UnitsAvailable -= qty
	b.UnitsSold += qty
	b.UpdatedAt = time.Now().UTC()
	bs.a.s.bonds[bondID] = b
	return nil
}

func (bs bondStore) ReleaseUnits(ctx context.Context, bondID string, qty int64) error {
	defer bs.a.acquire()()
	b, ok := bs.a.s.bonds[bondID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.UnitsSold < qty {
		return fmt.Errorf("%w: release of %d units exceeds units sold of %s",
			domain.ErrValidation, qty, bondID)
	}
	b.UnitsAvailable += qty
	b.UnitsSold -= qty
	b.UpdatedAt = time.Now().UTC()
	bs.a.s.bonds[bondID] = b
	return nil
}

// ---------------------------------------------------------------------------
// PortfolioStore
// ---------------------------------------------------------------------------

type portfolioStore struct{ a accessor }

func (ps portfolioStore) getOrCreateLocked(userID string) domain.Portfolio {
	p, ok := ps.a.s.portfolios[userID]
	if !ok {
		now := time.Now().UTC()
		p = domain.Portfolio{UserID: userID, CreatedAt: now, UpdatedAt: now}
		ps.a.s.portfolios[userID] = p
	}
	return p
}

func (ps portfolioStore) withHoldings(p domain.Portfolio) domain.Portfolio {
	hs := ps.a.s.holdings[p.UserID]
	holdings := make([]domain.Holding, 0, len(hs))
	for _, h := range hs {
		holdings = append(holdings, h)
	}
	sort.Slice(holdings, func(i, j int) bool {
		return strings.Compare(holdings[i].BondID, holdings[j].BondID) < 0
	})
	p.Holdings = holdings
	return p
}

func (ps portfolioStore) GetOrCreate(ctx context.Context, userID string) (domain.Portfolio, error) {
	defer ps.a.acquire()()
	return ps.withHoldings(ps.getOrCreateLocked(userID)), nil
}

func (ps portfolioStore) GetByUser(ctx context.Context, userID string) (domain.Portfolio, error) {
	defer ps.a.acquire()()
	p, ok := ps.a.s.portfolios[userID]
	if !ok {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	return ps.withHoldings(p), nil
}

func (ps portfolioStore) Debit(ctx context.Context, userID string, amount float64) (float64, error) {
	defer ps.a.acquire()()
	p, ok := ps.a.s.portfolios[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if p.Balance < amount {
		return 0, domain.ErrInsufficientFunds
	}
	p.Balance -= amount
	p.UpdatedAt = time.Now().UTC()
	ps.a.s.portfolios[userID] = p
	return p.Balance, nil
}

func (ps portfolioStore) Credit(ctx context.Context, userID string, amount float64) (float64, error) {
	defer ps.a.acquire()()
	p, ok := ps.a.s.portfolios[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	p.Balance += amount
	p.UpdatedAt = time.Now().UTC()
	ps.a.s.portfolios[userID] = p
	return p.Balance, nil
}

func (ps portfolioStore) AddInvested(ctx context.Context, userID string, delta float64) error {
	defer ps.a.acquire()()
	p, ok := ps.a.s.portfolios[userID]
	if !ok {
		return domain.ErrNotFound
	}
	p.TotalInvested += delta
	p.UpdatedAt = time.Now().UTC()
	ps.a.s.portfolios[userID] = p
	return nil
}

func (ps portfolioStore) GetHolding(ctx context.Context, userID, bondID string) (domain.Holding, error) {
	defer ps.a.acquire()()
	h, ok := ps.a.s.holdings[userID][bondID]
	if !ok {
		return domain.Holding{}, domain.ErrNotFound
	}
	return h, nil
}

func (ps portfolioStore) MergeHolding(ctx context.Context, userID, bondID string, qty int64, price float64) error {
	defer ps.a.acquire()()
	hs, ok := ps.a.s.holdings[userID]
	if !ok {
		hs = make(map[string]domain.Holding)
		ps.a.s.holdings[userID] = hs
	}
	h, ok := hs[bondID]
	if !ok {
		hs[bondID] = domain.Holding{BondID: bondID, Quantity: qty, AvgPrice: price}
		return nil
	}
	h.AvgPrice = domain.WeightedAvgPrice(h.Quantity, h.AvgPrice, qty, price)
	h.Quantity += qty
	hs[bondID] = h
	return nil
}

func (ps portfolioStore) ReduceHolding(ctx context.Context, userID, bondID string, qty int64) error {
	defer ps.a.acquire()()
	hs := ps.a.s.holdings[userID]
	h, ok := hs[bondID]
	if !ok || h.Quantity < qty {
		return domain.ErrInsufficientHoldings
	}
	h.Quantity -= qty
	if h.Quantity == 0 {
		delete(hs, bondID)
		return nil
	}
	hs[bondID] = h
	return nil
}

// ---------------------------------------------------------------------------
// TransactionStore
// ---------------------------------------------------------------------------

type transactionStore struct{ a accessor }

func (ts transactionStore) Record(ctx context.Context, t domain.Transaction) error {
	defer ts.a.acquire()()
	for _, existing := range ts.a.s.transactions {
		if existing.ID == t.ID {
			return domain.ErrAlreadyExists
		}
		if t.IdempotencyKey != "" && existing.UserID == t.UserID &&
			existing.IdempotencyKey == t.IdempotencyKey {
			return domain.ErrAlreadyExists
		}
	}
	ts.a.s.transactions = append(ts.a.s.transactions, t)
	return nil
}

func (ts transactionStore) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	defer ts.a.acquire()()
	for _, t := range ts.a.s.transactions {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Transaction{}, domain.ErrNotFound
}

func (ts transactionStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (domain.Transaction, error) {
	defer ts.a.acquire()()
	for _, t := range ts.a.s.transactions {
		if t.UserID == userID && t.IdempotencyKey != "" && t.IdempotencyKey == key {
			return t, nil
		}
	}
	return domain.Transaction{}, domain.ErrNotFound
}

func (ts transactionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	defer ts.a.acquire()()
	var txs []domain.Transaction
	for _, t := range ts.a.s.transactions {
		if t.UserID != userID {
			continue
		}
		if opts.Since != nil && t.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && t.Timestamp.After(*opts.Until) {
			continue
		}
		txs = append(txs, t)
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})
	return paginate(txs, opts), nil
}

func (ts transactionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	defer ts.a.acquire()()
	var txs []domain.Transaction
	for _, t := range ts.a.s.transactions {
		if t.Status == domain.TransactionConfirmed && t.Timestamp.Before(before) {
			txs = append(txs, t)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})
	return txs, nil
}

// ---------------------------------------------------------------------------
// AuditStore
// ---------------------------------------------------------------------------

type auditStore struct{ a accessor }

func (as auditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	defer as.a.acquire()()
	as.a.s.auditSeq++
	as.a.s.audit = append(as.a.s.audit, domain.AuditEntry{
		ID:        as.a.s.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (as auditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	defer as.a.acquire()()
	entries := append([]domain.AuditEntry(nil), as.a.s.audit...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return paginate(entries, opts), nil
}

// paginate applies Limit/Offset to a sorted slice.
func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface check.
var _ domain.UnitOfWork = (*Store)(nil)
