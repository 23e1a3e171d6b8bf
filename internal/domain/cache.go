package domain

import (
	"context"
	"time"
)

// BondCache caches marketplace bond listings so the hot read path does not hit
// the primary store on every request.
type BondCache interface {
	GetBond(ctx context.Context, bondID string) (Bond, bool, error)
	SetBond(ctx context.Context, bond Bond) error
	GetListing(ctx context.Context) ([]Bond, bool, error)
	SetListing(ctx context.Context, bonds []Bond) error
	// Invalidate drops the cached listing and the given bond after a trade
	// changes its inventory.
	Invalidate(ctx context.Context, bondID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	// Allow returns true if a request for key is permitted under the limit
	// within the sliding window, counting the request.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locks (used to serialize one-shot jobs like
// seeding across instances).
type LockManager interface {
	// Acquire obtains the lock for key with the given TTL and returns an
	// unlock function, or ErrLockHeld if another party holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus is the best-effort event side channel. Trade events published here
// feed the live marketplace feed and the notifier; publish failures must never
// roll back a committed trade.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
