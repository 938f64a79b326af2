package dex

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/oracle"
)

// ──────────────────────────────────────────────────────────────────────────────
// Gas cost table
// ──────────────────────────────────────────────────────────────────────────────

// gasCostUSD is a flat per-swap gas estimate per chain.
var gasCostUSD = map[domain.Chain]decimal.Decimal{
	domain.ChainEthereum:  decimal.NewFromFloat(25.0),
	domain.ChainBSC:       decimal.NewFromFloat(0.5),
	domain.ChainPolygon:   decimal.NewFromFloat(0.1),
	domain.ChainAvalanche: decimal.NewFromFloat(0.2),
	domain.ChainArbitrum:  decimal.NewFromFloat(2.0),
	domain.ChainOptimism:  decimal.NewFromFloat(1.5),
}

var gasCostDefault = decimal.NewFromFloat(5.0)

// GasCost returns the per-swap gas estimate for a chain in USD.
func GasCost(chain domain.Chain) decimal.Decimal {
	if cost, ok := gasCostUSD[chain]; ok {
		return cost
	}
	return gasCostDefault
}

// ──────────────────────────────────────────────────────────────────────────────
// Pools
// ──────────────────────────────────────────────────────────────────────────────

// Pool is one constant-product pair held by an AMM adapter. ReserveB is the
// quote-side reserve (typically a stablecoin).
type Pool struct {
	TokenA   string
	TokenB   string
	ReserveA decimal.Decimal
	ReserveB decimal.Decimal
}

func poolKey(a, b string) string {
	return strings.ToUpper(a) + "/" + strings.ToUpper(b)
}

// ──────────────────────────────────────────────────────────────────────────────
// AMMAdapter
// ──────────────────────────────────────────────────────────────────────────────

// AMMAdapter quotes swaps over constant-product pools (x*y=k with a fee
// multiplier). Pool reserves are rebalanced against the oracle on each
// refresh tick so implied prices track the market.
type AMMAdapter struct {
	id      string
	chain   domain.Chain
	feeRate decimal.Decimal // e.g. 0.003
	oracle  oracle.Provider

	mu    sync.RWMutex
	pools map[string]Pool
}

// NewAMMAdapter creates an adapter over the given pools.
func NewAMMAdapter(id string, chain domain.Chain, feeRate decimal.Decimal, prices oracle.Provider, pools []Pool) *AMMAdapter {
	m := make(map[string]Pool, len(pools))
	for _, p := range pools {
		m[poolKey(p.TokenA, p.TokenB)] = p
	}
	return &AMMAdapter{
		id:      id,
		chain:   chain,
		feeRate: feeRate,
		oracle:  prices,
		pools:   m,
	}
}

// ID returns the adapter id.
func (a *AMMAdapter) ID() string { return a.id }

// SupportsChain reports whether this adapter's deployment serves the chain.
func (a *AMMAdapter) SupportsChain(chain domain.Chain) bool { return chain == a.chain }

// findPool locates a pool containing both tokens and returns the reserves
// oriented so the first return is the input side.
func (a *AMMAdapter) findPool(from, to string) (inRes, outRes decimal.Decimal, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if p, found := a.pools[poolKey(from, to)]; found {
		return p.ReserveA, p.ReserveB, true
	}
	if p, found := a.pools[poolKey(to, from)]; found {
		return p.ReserveB, p.ReserveA, true
	}
	return decimal.Zero, decimal.Zero, false
}

// Quote prices a swap with the constant-product formula. An adapter with no
// pool for the pair abstains with an error.
func (a *AMMAdapter) Quote(ctx context.Context, req QuoteRequest) (*domain.SwapRoute, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s: non-positive amount", a.id)
	}

	inRes, outRes, ok := a.findPool(req.FromToken, req.ToToken)
	if !ok {
		return nil, fmt.Errorf("%s: no pool for %s/%s", a.id, req.FromToken, req.ToToken)
	}

	// x*y=k with fee taken from the input side.
	inWithFee := req.Amount.Mul(decimal.NewFromInt(1).Sub(a.feeRate))
	outAmount := outRes.Mul(inWithFee).Div(inRes.Add(inWithFee))

	priceImpact := req.Amount.Div(inRes).Mul(decimal.NewFromInt(100))

	return &domain.SwapRoute{
		FromToken:   strings.ToUpper(req.FromToken),
		ToToken:     strings.ToUpper(req.ToToken),
		InAmount:    req.Amount,
		OutAmount:   outAmount,
		AdapterID:   a.id,
		Chain:       a.chain,
		SlippageBps: req.SlippageBps,
		GasCost:     GasCost(a.chain),
		PriceImpact: priceImpact,
	}, nil
}

// Execute performs the swap and moves the pool reserves accordingly.
func (a *AMMAdapter) Execute(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	select {
	case <-ctx.Done():
		return domain.SwapResult{}, ctx.Err()
	default:
	}

	route, err := a.Quote(ctx, QuoteRequest{
		FromToken:   req.FromToken,
		ToToken:     req.ToToken,
		Amount:      req.Amount,
		Chain:       req.Chain,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		return domain.SwapResult{}, err
	}

	a.applySwap(req.FromToken, req.ToToken, route.InAmount, route.OutAmount)

	return domain.SwapResult{
		Protocol: a.id,
		Status:   "success",
		TxHash:   newTxHash(),
		At:       time.Now().UTC(),
	}, nil
}

// applySwap moves the pool reserves by the executed amounts.
func (a *AMMAdapter) applySwap(from, to string, in, out decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, found := a.pools[poolKey(from, to)]; found {
		p.ReserveA = p.ReserveA.Add(in)
		p.ReserveB = p.ReserveB.Sub(out)
		a.pools[poolKey(from, to)] = p
		return
	}
	if p, found := a.pools[poolKey(to, from)]; found {
		p.ReserveB = p.ReserveB.Add(in)
		p.ReserveA = p.ReserveA.Sub(out)
		a.pools[poolKey(to, from)] = p
	}
}

// RefreshPools rebalances each pool's quote-side reserve so the implied
// marginal price matches the oracle. Invariant depth (reserveA) is kept; only
// the price leg moves.
func (a *AMMAdapter) RefreshPools(ctx context.Context) error {
	a.mu.RLock()
	keys := make([]string, 0, len(a.pools))
	for k := range a.pools {
		keys = append(keys, k)
	}
	a.mu.RUnlock()

	var firstErr error
	for _, k := range keys {
		a.mu.RLock()
		p := a.pools[k]
		a.mu.RUnlock()

		quoteA, err := a.oracle.GetPrice(ctx, p.TokenA)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		quoteB, err := a.oracle.GetPrice(ctx, p.TokenB)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if quoteB.Price.IsZero() {
			continue
		}

		// price of A in units of B
		rel := quoteA.Price.Div(quoteB.Price)

		a.mu.Lock()
		p = a.pools[k]
		p.ReserveB = p.ReserveA.Mul(rel)
		a.pools[k] = p
		a.mu.Unlock()
	}
	return firstErr
}

// newTxHash fabricates a 32-byte hex transaction hash for the executed swap.
func newTxHash() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return "0x" + hex.EncodeToString(b[:])
}

// ──────────────────────────────────────────────────────────────────────────────
// Default adapter set
// ──────────────────────────────────────────────────────────────────────────────

// DefaultAdapters builds the standard protocol set with seed liquidity.
func DefaultAdapters(prices oracle.Provider) []Adapter {
	fee30 := decimal.NewFromFloat(0.003)
	fee25 := decimal.NewFromFloat(0.0025)

	return []Adapter{
		NewAMMAdapter("uniswap_v2", domain.ChainEthereum, fee30, prices, []Pool{
			{TokenA: "ETH", TokenB: "USDT", ReserveA: dec("1000"), ReserveB: dec("2680750")},
			{TokenA: "BTC", TokenB: "USDT", ReserveA: dec("50"), ReserveB: dec("4367500")},
		}),
		NewAMMAdapter("uniswap_v3", domain.ChainEthereum, fee30, prices, []Pool{
			{TokenA: "ETH", TokenB: "USDT", ReserveA: dec("2500"), ReserveB: dec("6701875")},
			{TokenA: "BTC", TokenB: "USDT", ReserveA: dec("120"), ReserveB: dec("10482000")},
		}),
		NewAMMAdapter("pancakeswap", domain.ChainBSC, fee25, prices, []Pool{
			{TokenA: "BNB", TokenB: "USDT", ReserveA: dec("5000"), ReserveB: dec("1576000")},
		}),
		NewAMMAdapter("quickswap", domain.ChainPolygon, fee30, prices, []Pool{
			{TokenA: "MATIC", TokenB: "USDT", ReserveA: dec("100000"), ReserveB: dec("82500")},
		}),
		NewAMMAdapter("traderjoe", domain.ChainAvalanche, fee30, prices, []Pool{
			{TokenA: "AVAX", TokenB: "USDT", ReserveA: dec("20000"), ReserveB: dec("702000")},
		}),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
