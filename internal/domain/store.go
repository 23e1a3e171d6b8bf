package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BondStore persists bond listings and their sellable inventory.
//
// ReserveUnits and ReleaseUnits enforce the inventory invariants as single
// conditional writes at the storage boundary, never as a read-then-write in
// application code. That is what makes concurrent buys safe.
type BondStore interface {
	Create(ctx context.Context, bond Bond) error
	GetByID(ctx context.Context, bondID string) (Bond, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Bond, error)
	UpdateStatus(ctx context.Context, bondID string, status BondStatus) error
	Count(ctx context.Context) (int64, error)

	// ReserveUnits atomically moves qty units from available to sold, only if
	// the bond is active and has at least qty units available. It returns
	// ErrNotFound, ErrBondInactive, or ErrInsufficientInventory otherwise.
	ReserveUnits(ctx context.Context, bondID string, qty int64) error

	// ReleaseUnits is the inverse: it moves qty units from sold back to
	// available (committed sell or buy compensation). It fails with
	// ErrNotFound if the bond is absent and with a wrapped ErrValidation
	// when the release would push units_sold negative.
	ReleaseUnits(ctx context.Context, bondID string, qty int64) error
}

// PortfolioStore persists per-user wallets and holdings.
//
// Debit and ReduceHolding are conditional writes guarded by the non-negativity
// invariants (balance >= amount, quantity >= qty).
type PortfolioStore interface {
	// GetOrCreate returns the user's portfolio, creating an empty one if it
	// does not exist yet. Create-if-missing is idempotent under concurrency.
	GetOrCreate(ctx context.Context, userID string) (Portfolio, error)
	GetByUser(ctx context.Context, userID string) (Portfolio, error)

	// Debit subtracts amount from the wallet only if balance >= amount, and
	// returns the new balance. Fails with ErrInsufficientFunds (or ErrNotFound
	// if no portfolio exists).
	Debit(ctx context.Context, userID string, amount float64) (float64, error)

	// Credit adds amount to the wallet and returns the new balance.
	Credit(ctx context.Context, userID string, amount float64) (float64, error)

	// AddInvested adjusts the advisory total_invested bookkeeping field.
	AddInvested(ctx context.Context, userID string, delta float64) error

	GetHolding(ctx context.Context, userID, bondID string) (Holding, error)

	// MergeHolding adds qty units at price to the user's holding for the bond,
	// recomputing the weighted-average purchase price, or creates the holding
	// if absent. The merge is a single upsert.
	MergeHolding(ctx context.Context, userID, bondID string, qty int64, price float64) error

	// ReduceHolding subtracts qty units only if the holding has at least qty,
	// removing the holding entirely when it reaches zero. Fails with
	// ErrInsufficientHoldings.
	ReduceHolding(ctx context.Context, userID, bondID string, qty int64) error
}

// TransactionStore is the append-only trade log. There is no update or delete
// in the public contract.
type TransactionStore interface {
	Record(ctx context.Context, tx Transaction) error
	GetByID(ctx context.Context, id string) (Transaction, error)
	// GetByIdempotencyKey finds the user's transaction recorded under the
	// given key. Keys are scoped per user; two users may share a key without
	// colliding.
	GetByIdempotencyKey(ctx context.Context, userID, key string) (Transaction, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Transaction, error)
	// ListBefore returns confirmed transactions older than the cutoff, for
	// statement archival. Archived rows are never deleted.
	ListBefore(ctx context.Context, before time.Time) ([]Transaction, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores bundles the entity stores that participate in a trade.
type Stores struct {
	Bonds        BondStore
	Portfolios   PortfolioStore
	Transactions TransactionStore
	Audit        AuditStore
}

// UnitOfWork scopes multi-entity writes.
//
// WithinTx runs fn against transaction-bound stores; if fn returns an error
// nothing it wrote is visible to other readers. Serialization conflicts
// surface as ErrTxConflict so callers can retry. Stores returns autocommit
// stores for single-write operations and for the non-atomic fallback path.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(s Stores) error) error
	Stores() Stores
}
