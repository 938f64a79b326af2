// Package scheduler manages the background goroutines that keep the platform
// live:
//  1. oracleRefreshLoop   - re-fetches cached oracle prices every 10 seconds.
//  2. poolRefreshLoop     - re-anchors adapter liquidity every 30 seconds.
//  3. accrualLoop         - runs the interest accrual tick every hour.
//  4. liquidationLoop     - sweeps under-collateralized loans every 5 minutes.
//  5. maturityLoop        - settles matured fixed-term positions every minute.
//  6. transferReconcileLoop - finalises pending bridge transfers past ETA.
//  7. orphanRecoveryLoop  - releases aged unmatched ledger holds.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nivora/platform/internal/bridge"
	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/dex"
	"github.com/nivora/platform/internal/ledger"
	"github.com/nivora/platform/internal/oracle"
	"github.com/nivora/platform/internal/service"
)

// orphanRecoveryInterval paces the reservation reconciliation sweep.  It is
// deliberately slow: the sweep only matters after a crash mid-operation.
const orphanRecoveryInterval = 10 * time.Minute

// transferReconcileInterval paces the pending bridge transfer sweep.  The
// shortest bridge ETA is three minutes, so half a minute is plenty.
const transferReconcileInterval = 30 * time.Second

// Scheduler owns the periodic loops.  Call Start(ctx) once from main();
// cancel the context to shut every loop down gracefully.
type Scheduler struct {
	prices     *oracle.Oracle
	aggregator *dex.Aggregator
	interest   *service.InterestEngine
	risk       *service.RiskEngine
	lending    *service.LendingService
	selector   *bridge.Selector
	lister     ledger.ReservationLister
	cfg        *config.Config
	logger     *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	prices *oracle.Oracle,
	aggregator *dex.Aggregator,
	interest *service.InterestEngine,
	risk *service.RiskEngine,
	lending *service.LendingService,
	selector *bridge.Selector,
	lister ledger.ReservationLister,
	cfg *config.Config,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		prices:     prices,
		aggregator: aggregator,
		interest:   interest,
		risk:       risk,
		lending:    lending,
		selector:   selector,
		lister:     lister,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start launches the background goroutines.  It returns immediately; all
// loops run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runLoop(ctx, "oracleRefreshLoop", s.cfg.Dex.OracleInterval, func(ctx context.Context) {
		s.prices.RefreshAll(ctx)
	})
	go s.runLoop(ctx, "poolRefreshLoop", s.cfg.Dex.RefreshInterval, func(ctx context.Context) {
		s.aggregator.RefreshPools(ctx)
	})
	go s.runLoop(ctx, "accrualLoop", s.cfg.Lending.AccrualInterval, func(ctx context.Context) {
		s.interest.AccrueAll(ctx)
	})
	go s.runLoop(ctx, "liquidationLoop", s.cfg.Lending.LiquidationInterval, func(ctx context.Context) {
		s.risk.RunLiquidationSweep(ctx)
	})
	go s.runLoop(ctx, "maturityLoop", s.cfg.Lending.MaturityInterval, func(ctx context.Context) {
		s.lending.RunMaturitySweep(ctx)
	})
	go s.runLoop(ctx, "transferReconcileLoop", transferReconcileInterval, func(ctx context.Context) {
		s.selector.ReconcilePending(ctx)
	})
	go s.runLoop(ctx, "orphanRecoveryLoop", orphanRecoveryInterval, func(ctx context.Context) {
		s.lending.RecoverOrphans(ctx, s.lister)
	})
	s.logger.Info("scheduler started")
}

// runLoop drives one ticker loop.  tick is wrapped per invocation so a panic
// in one iteration is logged and the loop keeps running.
func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop shutting down", "loop", name)
			return
		case <-ticker.C:
			s.safeTick(ctx, name, tick)
		}
	}
}

// safeTick runs one iteration behind a recover so a panicking tick cannot
// kill its loop.
func (s *Scheduler) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("PANIC recovered in scheduler loop",
				"loop", name, "panic", r)
		}
	}()
	tick(ctx)
}
