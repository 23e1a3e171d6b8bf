package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	bondTTL    = 5 * time.Minute
	listingTTL = 30 * time.Second
)

// BondCache implements domain.BondCache using Redis hashes with JSON-
// serialized Bond data plus a single key for the active listing.
//
// Key schema:
//
//	bond:{id}    - hash with field "data" containing JSON
//	bonds:active - JSON array of active bonds
type BondCache struct {
	rdb *redis.Client
}

// NewBondCache creates a BondCache backed by the given Client.
func NewBondCache(c *Client) *BondCache {
	return &BondCache{rdb: c.Underlying()}
}

func bondKey(id string) string { return "bond:" + id }

const listingKey = "bonds:active"

// SetBond stores a Bond in the cache with a 5-minute TTL.
func (bc *BondCache) SetBond(ctx context.Context, bond domain.Bond) error {
	data, err := json.Marshal(bond)
	if err != nil {
		return fmt.Errorf("redis: marshal bond %s: %w", bond.ID, err)
	}

	key := bondKey(bond.ID)

	pipe := bc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, bondTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set bond %s: %w", bond.ID, err)
	}
	return nil
}

// GetBond retrieves a Bond by its ID. The second return value reports whether
// the bond was present in the cache.
func (bc *BondCache) GetBond(ctx context.Context, id string) (domain.Bond, bool, error) {
	data, err := bc.rdb.HGet(ctx, bondKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Bond{}, false, nil
		}
		return domain.Bond{}, false, fmt.Errorf("redis: get bond %s: %w", id, err)
	}

	var bond domain.Bond
	if err := json.Unmarshal(data, &bond); err != nil {
		return domain.Bond{}, false, fmt.Errorf("redis: unmarshal bond %s: %w", id, err)
	}
	return bond, true, nil
}

// SetListing stores the active-bond listing with a short TTL. The listing is
// the hottest marketplace read and also the fastest to go stale, so it expires
// well before individual bond entries do.
func (bc *BondCache) SetListing(ctx context.Context, bonds []domain.Bond) error {
	data, err := json.Marshal(bonds)
	if err != nil {
		return fmt.Errorf("redis: marshal bond listing: %w", err)
	}
	if err := bc.rdb.Set(ctx, listingKey, data, listingTTL).Err(); err != nil {
		return fmt.Errorf("redis: set bond listing: %w", err)
	}
	return nil
}

// GetListing retrieves the cached active-bond listing, if present.
func (bc *BondCache) GetListing(ctx context.Context) ([]domain.Bond, bool, error) {
	data, err := bc.rdb.Get(ctx, listingKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get bond listing: %w", err)
	}

	var bonds []domain.Bond
	if err := json.Unmarshal(data, &bonds); err != nil {
		return nil, false, fmt.Errorf("redis: unmarshal bond listing: %w", err)
	}
	return bonds, true, nil
}

// Invalidate removes the bond entry and the listing after a trade or status
// change alters inventory.
func (bc *BondCache) Invalidate(ctx context.Context, id string) error {
	pipe := bc.rdb.TxPipeline()
	if id != "" {
		pipe.Del(ctx, bondKey(id))
	}
	pipe.Del(ctx, listingKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate bond %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BondCache = (*BondCache)(nil)
