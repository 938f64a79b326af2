package dex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/eventbus"
)

// RouteStore persists chosen routes and serves analytics over them.
type RouteStore interface {
	Create(ctx context.Context, rec *domain.RouteRecord) error
	Analytics(ctx context.Context, chain domain.Chain, since time.Time) (*domain.DexAnalytics, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Aggregator
// ──────────────────────────────────────────────────────────────────────────────

// Aggregator fans quote requests out to every adapter on the requested chain
// in parallel, tolerates partial failures, and returns the best route. The
// chosen route is persisted and published best-effort: a storage or bus
// problem never costs the caller their quote.
type Aggregator struct {
	registry *Registry
	routes   RouteStore
	bus      eventbus.Publisher
	cfg      *config.DexConfig
	clock    domain.Clock
	log      *slog.Logger
}

// NewAggregator wires an Aggregator.
func NewAggregator(registry *Registry, routes RouteStore, bus eventbus.Publisher, cfg *config.DexConfig, clock domain.Clock, log *slog.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		routes:   routes,
		bus:      bus,
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

// FindBestRoute quotes the swap on every adapter serving req.Chain and
// returns the route with the highest output alongside every valid quote of
// the round, ordered by adapter id. Ties break on lower gas cost, then
// lexicographic adapter id, so a given quote set always ranks the same way.
// Adapters that error or miss the per-adapter deadline simply drop out of
// the round; only an empty round returns ErrNoRoutes.
func (ag *Aggregator) FindBestRoute(ctx context.Context, req QuoteRequest) (*domain.SwapRoute, []*domain.SwapRoute, error) {
	if !req.Chain.IsValid() {
		return nil, nil, fmt.Errorf("dex.FindBestRoute: unknown chain %q: %w", req.Chain, domain.ErrNoRoutes)
	}

	adapters := ag.registry.ForChain(req.Chain)
	if len(adapters) == 0 {
		return nil, nil, domain.ErrNoRoutes
	}

	// The round as a whole gets twice the per-adapter budget, so one stuck
	// adapter cannot hold the response past the deadline of the others.
	roundCtx, cancel := context.WithTimeout(ctx, 2*ag.cfg.QuoteTimeout)
	defer cancel()

	type quoteResult struct {
		route *domain.SwapRoute
		err   error
	}
	resultCh := make(chan quoteResult, len(adapters))

	for _, adapter := range adapters {
		adapter := adapter
		go func() {
			quoteCtx, quoteCancel := context.WithTimeout(roundCtx, ag.cfg.QuoteTimeout)
			defer quoteCancel()
			route, err := adapter.Quote(quoteCtx, req)
			resultCh <- quoteResult{route: route, err: err}
		}()
	}

	var quotes []*domain.SwapRoute
collect:
	for range adapters {
		select {
		case r := <-resultCh:
			if r.err != nil {
				ag.log.Debug("dex: adapter abstained", "error", r.err)
				continue
			}
			if r.route != nil && r.route.OutAmount.Sign() > 0 {
				quotes = append(quotes, r.route)
			}
		case <-roundCtx.Done():
			break collect
		}
	}

	best := pickBest(quotes)
	if best == nil {
		return nil, nil, domain.ErrNoRoutes
	}

	sort.Slice(quotes, func(i, j int) bool { return quotes[i].AdapterID < quotes[j].AdapterID })

	ag.persistAndPublish(best, len(quotes))
	return best, quotes, nil
}

// pickBest ranks quotes: highest OutAmount wins; ties go to lower GasCost,
// then to the lexicographically smaller adapter id.
func pickBest(quotes []*domain.SwapRoute) *domain.SwapRoute {
	var best *domain.SwapRoute
	for _, q := range quotes {
		if best == nil {
			best = q
			continue
		}
		switch q.OutAmount.Cmp(best.OutAmount) {
		case 1:
			best = q
		case 0:
			switch q.GasCost.Cmp(best.GasCost) {
			case -1:
				best = q
			case 0:
				if q.AdapterID < best.AdapterID {
					best = q
				}
			}
		}
	}
	return best
}

// persistAndPublish records the chosen route and emits it on the bus. Both
// are best-effort; failures are logged and the quote still stands.
func (ag *Aggregator) persistAndPublish(best *domain.SwapRoute, quoteCount int) {
	now := ag.clock.Now()
	rec := domain.NewRouteRecord(*best, quoteCount, now)

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ag.routes.Create(persistCtx, rec); err != nil {
		ag.log.Error("dex: route persist failed", "adapter", best.AdapterID, "error", err)
	}

	ag.bus.Publish(domain.TopicDexRoutes, best)
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────────────────────────────────

// ExecuteSwap dispatches the swap to the adapter named in req.Protocol. The
// outcome, success or failure, is published on the swap-executions topic.
func (ag *Aggregator) ExecuteSwap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	adapter := ag.registry.Get(req.Protocol)
	if adapter == nil {
		return domain.SwapResult{}, fmt.Errorf("dex.ExecuteSwap: %q: %w", req.Protocol, domain.ErrUnsupportedProtocol)
	}

	execCtx, cancel := context.WithTimeout(ctx, ag.cfg.ExecTimeout)
	defer cancel()

	result, err := adapter.Execute(execCtx, req)
	if err != nil {
		result = domain.SwapResult{
			Protocol: req.Protocol,
			Status:   "failed",
			Error:    err.Error(),
			At:       ag.clock.Now(),
		}
		ag.bus.Publish(domain.TopicSwapExecutions, result)
		return result, fmt.Errorf("dex.ExecuteSwap: %w: %w", domain.ErrAdapterFailure, err)
	}

	ag.bus.Publish(domain.TopicSwapExecutions, result)
	return result, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Maintenance & analytics
// ──────────────────────────────────────────────────────────────────────────────

// RefreshPools runs the pool refresh on every adapter that supports it, in
// parallel; one slow venue must not stall the others. Per-adapter errors
// are logged and isolated. The scheduler calls this on the DEX refresh
// cadence.
func (ag *Aggregator) RefreshPools(ctx context.Context) {
	var wg sync.WaitGroup
	for _, adapter := range ag.registry.All() {
		refresher, ok := adapter.(PoolRefresher)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, r PoolRefresher) {
			defer wg.Done()
			if err := r.RefreshPools(ctx); err != nil {
				ag.log.Warn("dex: pool refresh failed", "adapter", id, "error", err)
			}
		}(adapter.ID(), refresher)
	}
	wg.Wait()
}

// Analytics aggregates persisted routing activity for a chain over a named
// timeframe ("1h", "24h", "7d").
func (ag *Aggregator) Analytics(ctx context.Context, chain domain.Chain, timeframe string) (*domain.DexAnalytics, error) {
	var window time.Duration
	switch timeframe {
	case "1h":
		window = time.Hour
	case "24h":
		window = 24 * time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	default:
		return nil, fmt.Errorf("dex.Analytics: unknown timeframe %q", timeframe)
	}

	now := ag.clock.Now()
	report, err := ag.routes.Analytics(ctx, chain, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("dex.Analytics: %w", err)
	}
	report.Timeframe = timeframe
	report.GeneratedAt = now
	return report, nil
}
