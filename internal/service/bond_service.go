package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketloop/bondmarket/internal/domain"
)

// BondService handles marketplace reads and bond administration.
type BondService struct {
	bonds  domain.BondStore
	cache  domain.BondCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewBondService creates a BondService. cache may be nil, in which case every
// read goes to the persistent store.
func NewBondService(bonds domain.BondStore, cache domain.BondCache, logger *slog.Logger) *BondService {
	return &BondService{bonds: bonds, cache: cache, logger: logger}
}

// WithSignalBus enables publishing bond lifecycle events to the "bonds"
// channel for live feed consumers.
func (s *BondService) WithSignalBus(bus domain.SignalBus) *BondService {
	s.bus = bus
	return s
}

// GetBond retrieves a bond by ID, checking the cache first and falling back
// to the persistent store on a cache miss.
func (s *BondService) GetBond(ctx context.Context, id string) (domain.Bond, error) {
	if s.cache != nil {
		if b, ok, err := s.cache.GetBond(ctx, id); err == nil && ok {
			return b, nil
		}
	}

	b, err := s.bonds.GetByID(ctx, id)
	if err != nil {
		return domain.Bond{}, fmt.Errorf("bond_service: get by id %q: %w", id, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if s.cache != nil {
		if cacheErr := s.cache.SetBond(ctx, b); cacheErr != nil {
			s.logger.WarnContext(ctx, "bond_service: cache set failed",
				slog.String("bond_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	return b, nil
}

// ListActive returns the tradeable bond listing. Unpaginated requests are
// served from the cached listing when present.
func (s *BondService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Bond, error) {
	cacheable := s.cache != nil && opts.Limit == 0 && opts.Offset == 0

	if cacheable {
		if bonds, ok, err := s.cache.GetListing(ctx); err == nil && ok {
			return bonds, nil
		}
	}

	bonds, err := s.bonds.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("bond_service: list active: %w", err)
	}

	if cacheable {
		if cacheErr := s.cache.SetListing(ctx, bonds); cacheErr != nil {
			s.logger.WarnContext(ctx, "bond_service: listing cache set failed",
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	return bonds, nil
}

// CreateBond lists a new bond on the marketplace.
func (s *BondService) CreateBond(ctx context.Context, b domain.Bond) error {
	if b.ID == "" {
		return fmt.Errorf("%w: bond id is required", domain.ErrValidation)
	}
	if b.Name == "" {
		return fmt.Errorf("%w: bond name is required", domain.ErrValidation)
	}
	if b.UnitsAvailable < 0 {
		return fmt.Errorf("%w: units available cannot be negative", domain.ErrValidation)
	}
	if b.Status == "" {
		b.Status = domain.BondStatusActive
	}

	if err := s.bonds.Create(ctx, b); err != nil {
		return fmt.Errorf("bond_service: create %q: %w", b.ID, err)
	}

	s.invalidate(ctx, b.ID)
	s.publish(ctx, "bond_listed", b.ID, string(b.Status))
	s.logger.InfoContext(ctx, "bond_service: bond listed",
		slog.String("bond_id", b.ID),
		slog.Int64("units_available", b.UnitsAvailable),
	)
	return nil
}

// UpdateStatus changes a bond's lifecycle status (active, inactive, matured,
// delisted) and drops stale cache entries.
func (s *BondService) UpdateStatus(ctx context.Context, id string, status domain.BondStatus) error {
	switch status {
	case domain.BondStatusActive, domain.BondStatusInactive,
		domain.BondStatusMatured, domain.BondStatusDelisted:
	default:
		return fmt.Errorf("%w: unknown bond status %q", domain.ErrValidation, status)
	}

	if err := s.bonds.UpdateStatus(ctx, id, status); err != nil {
		return fmt.Errorf("bond_service: update status of %q: %w", id, err)
	}

	s.invalidate(ctx, id)
	s.publish(ctx, "bond_status_changed", id, string(status))
	s.logger.InfoContext(ctx, "bond_service: bond status changed",
		slog.String("bond_id", id),
		slog.String("status", string(status)),
	)
	return nil
}

// Count returns the total number of listed bonds.
func (s *BondService) Count(ctx context.Context) (int64, error) {
	n, err := s.bonds.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("bond_service: count: %w", err)
	}
	return n, nil
}

// publish sends a bond lifecycle event to the live feed, best-effort.
func (s *BondService) publish(ctx context.Context, event, bondID, status string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":      event,
		"bond_id":   bondID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "bonds", payload); err != nil {
		s.logger.WarnContext(ctx, "bond_service: publish failed",
			slog.String("bond_id", bondID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *BondService) invalidate(ctx context.Context, bondID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, bondID); err != nil {
		s.logger.WarnContext(ctx, "bond_service: cache invalidate failed",
			slog.String("bond_id", bondID),
			slog.String("error", err.Error()),
		)
	}
}
