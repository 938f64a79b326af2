// Package dex implements the swap aggregation core: protocol adapters, the
// adapter registry, and the aggregator that fans quote requests out across
// adapters and picks the best route.
package dex

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
)

// QuoteRequest is the aggregation input: what to swap, where, and how much
// slippage the caller tolerates.
type QuoteRequest struct {
	FromToken   string
	ToToken     string
	Amount      decimal.Decimal
	Chain       domain.Chain
	SlippageBps int64
}

// Adapter is one DEX protocol integration. SupportsChain gates which fan-out
// rounds the adapter joins; a protocol deployed on several chains answers
// true for each of them. Quote must respect ctx and return promptly on
// cancellation; the aggregator treats any error as that adapter abstaining
// from the round.
type Adapter interface {
	ID() string
	SupportsChain(chain domain.Chain) bool
	Quote(ctx context.Context, req QuoteRequest) (*domain.SwapRoute, error)
	Execute(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error)
}

// PoolRefresher is implemented by adapters whose quoting state must track
// live market prices. The scheduler's refresh loop calls it.
type PoolRefresher interface {
	RefreshPools(ctx context.Context) error
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

// Registry holds the live adapter set. Reads vastly outnumber writes, so the
// adapter slice is replaced wholesale on registration and read without
// copying.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byID     map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Adapter)}
}

// Register adds an adapter. Registering an id twice replaces the previous
// adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[a.ID()]; exists {
		replaced := make([]Adapter, 0, len(r.adapters))
		for _, cur := range r.adapters {
			if cur.ID() != a.ID() {
				replaced = append(replaced, cur)
			}
		}
		r.adapters = replaced
	}
	next := make([]Adapter, len(r.adapters), len(r.adapters)+1)
	copy(next, r.adapters)
	r.adapters = append(next, a)
	r.byID[a.ID()] = a
}

// Get returns the adapter with the given id, or nil.
func (r *Registry) Get(id string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ForChain returns the adapters serving a chain. The returned slice is a
// snapshot safe to iterate without holding any lock.
func (r *Registry) ForChain(chain domain.Chain) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, a := range r.adapters {
		if a.SupportsChain(chain) {
			out = append(out, a)
		}
	}
	return out
}

// All returns a snapshot of every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}
