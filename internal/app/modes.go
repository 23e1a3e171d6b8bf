package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/marketloop/bondmarket/internal/server"
	"github.com/marketloop/bondmarket/internal/server/handler"
	"github.com/marketloop/bondmarket/internal/server/ws"
	"github.com/marketloop/bondmarket/internal/service"
	"github.com/marketloop/bondmarket/internal/trading"
)

// seedLockTTL bounds how long the seed advisory lock is held if the process
// dies mid-seed.
const seedLockTTL = time.Minute

// ServerMode starts the HTTP API, the WebSocket hub, and blocks until the
// context is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode",
		slog.Int("port", a.cfg.Server.Port),
	)

	g, ctx := errgroup.WithContext(ctx)

	exec := a.buildExecutor(deps)
	stores := deps.UOW.Stores()

	bondSvc := service.NewBondService(stores.Bonds, deps.BondCache, a.logger)
	if deps.SignalBus != nil {
		bondSvc.WithSignalBus(deps.SignalBus)
	}
	portfolioSvc := service.NewPortfolioService(stores.Portfolios, stores.Transactions, stores.Bonds, a.logger)

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.StoragePinger, deps.CachePinger, a.logger),
		Bonds:      handler.NewBondHandler(bondSvc, a.logger),
		Trading:    handler.NewTradingHandler(exec, a.logger),
		Portfolios: handler.NewPortfolioHandler(portfolioSvc, a.logger),
		Payments:   handler.NewPaymentHandler(exec, a.logger),
		Admin:      handler.NewAdminHandler(deps.Archiver, stores.Audit, a.logger),
	}

	// The WebSocket hub needs the Redis signal bus for the live trade feed.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "server mode: websocket feed disabled (no signal bus)")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// SeedMode populates the marketplace with demo bond listings and exits. When
// Redis is available the run is guarded by an advisory lock so concurrent seed
// invocations against the same database cannot interleave.
func (a *App) SeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting seed mode",
		slog.Int("bonds", a.cfg.Seed.Bonds),
		slog.Int64("units_per_bond", a.cfg.Seed.UnitsPerBond),
	)

	if deps.LockManager != nil {
		release, err := deps.LockManager.Acquire(ctx, "seed", seedLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("seed mode: another seed run is in progress: %w", err)
			}
			return fmt.Errorf("seed mode: acquire lock: %w", err)
		}
		defer release()
	}

	stores := deps.UOW.Stores()
	issuers := []string{"Meridian Capital", "Northwind Treasury", "Atlas Sovereign", "Harborview Municipal"}

	var created, skipped int
	now := time.Now().UTC()
	for i := 0; i < a.cfg.Seed.Bonds; i++ {
		bond := domain.Bond{
			ID:             fmt.Sprintf("demo-bond-%02d", i+1),
			Name:           fmt.Sprintf("Demo Bond Series %02d", i+1),
			Issuer:         issuers[i%len(issuers)],
			CouponRate:     2.5 + 0.25*float64(i%8),
			FaceValue:      1000,
			MaturityDate:   now.AddDate(1+i%5, 0, 0),
			UnitsAvailable: a.cfg.Seed.UnitsPerBond,
			Status:         domain.BondStatusActive,
		}
		if err := stores.Bonds.Create(ctx, bond); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				skipped++
				continue
			}
			return fmt.Errorf("seed mode: create bond %s: %w", bond.ID, err)
		}
		created++
	}

	if err := stores.Audit.Log(ctx, "seed.completed", map[string]any{
		"created": created,
		"skipped": skipped,
	}); err != nil {
		a.logger.WarnContext(ctx, "seed mode: audit log failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "seed mode finished",
		slog.Int("created", created),
		slog.Int("skipped", skipped),
	)
	return nil
}

// ArchiveMode runs a single statement archival pass and exits. Transactions
// older than the start of the current month are copied to blob storage; the
// primary log is never pruned.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: s3 blob storage is not configured")
	}

	now := time.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("cutoff", cutoff))

	count, err := deps.Archiver.ArchiveTransactions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}

	a.logger.InfoContext(ctx, "archive mode finished", slog.Int64("archived", count))
	return nil
}

// buildExecutor assembles the order executor with whatever optional side
// channels are wired.
func (a *App) buildExecutor(deps *Dependencies) *trading.Executor {
	exec := trading.NewExecutor(deps.UOW, trading.Config{
		MaxOrderQuantity: a.cfg.Trading.MaxOrderQuantity,
		NonAtomic:        a.cfg.Trading.NonAtomic,
		ConflictRetries:  a.cfg.Trading.ConflictRetries,
		RetryBackoff:     a.cfg.Trading.RetryBackoff.Duration,
	}, a.logger)

	if deps.SignalBus != nil {
		exec.WithSignalBus(deps.SignalBus)
	}
	if deps.BondCache != nil {
		exec.WithBondCache(deps.BondCache)
	}
	if deps.Notifier != nil {
		exec.WithNotifier(deps.Notifier)
	}
	return exec
}
