// Package oracle provides USD reference prices for platform assets. Prices
// are fetched from multiple exchanges in parallel, weight-averaged, and
// cached per asset.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/config"
)

// ──────────────────────────────────────────────────────────────────────────────
// Exchange constants
// ──────────────────────────────────────────────────────────────────────────────

const (
	exchangeBinance = "binance"
	exchangeBybit   = "bybit"
	exchangeOKX     = "okx"
)

// exchangeDef describes a single price-feed source.
type exchangeDef struct {
	name   string
	weight decimal.Decimal // 0 to 100
	fetch  func(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Quote is one asset's cached price and the moment it was computed. Risk
// decisions record the asOf timestamp alongside the value they used.
type Quote struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
	AsOf  time.Time       `json:"as_of"`
}

// PriceSource reports one successful exchange fetch inside a quote.
type PriceSource struct {
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Weight    decimal.Decimal `json:"weight"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Provider is the price surface consumed by the DEX, risk, and liquidation
// flows.
type Provider interface {
	GetPrice(ctx context.Context, asset string) (Quote, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Oracle
// ──────────────────────────────────────────────────────────────────────────────

// Oracle fetches asset/USDT prices from multiple exchanges in parallel,
// computes a weighted average per asset, and caches results for CacheTTL.
// Stablecoins are pinned to 1.
type Oracle struct {
	client *http.Client
	cfg    *config.OracleConfig

	mu    sync.RWMutex
	cache map[string]cachedQuote

	// per-exchange last-success timestamp (for ExchangeStatus)
	statusMu    sync.RWMutex
	lastSuccess map[string]time.Time
	exchanges   []exchangeDef
}

type cachedQuote struct {
	quote   Quote
	sources []PriceSource
}

// stablecoins quoted at exactly 1 USD without hitting any exchange.
var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
}

// New constructs an Oracle from the given config.
func New(cfg *config.Config) *Oracle {
	o := &Oracle{
		client: &http.Client{Timeout: cfg.Oracle.FetchTimeout},
		cfg:    &cfg.Oracle,
		cache:  make(map[string]cachedQuote),
		lastSuccess: map[string]time.Time{
			exchangeBinance: {},
			exchangeBybit:   {},
			exchangeOKX:     {},
		},
	}

	o.exchanges = []exchangeDef{
		{
			name:   exchangeBinance,
			weight: decimal.NewFromInt(int64(cfg.Oracle.BinanceWeight)),
			fetch:  o.fetchBinance,
		},
		{
			name:   exchangeBybit,
			weight: decimal.NewFromInt(int64(cfg.Oracle.BybitWeight)),
			fetch:  o.fetchBybit,
		},
		{
			name:   exchangeOKX,
			weight: decimal.NewFromInt(int64(cfg.Oracle.OKXWeight)),
			fetch:  o.fetchOKX,
		},
	}

	return o
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// GetPrice returns the current USD price of asset as a weighted average of
// all configured exchanges.  If the per-asset cache is still fresh
// (< CacheTTL) the cached value is returned immediately.
//
// Partial failures are handled by re-normalising the weights over the
// available sources.  At least one successful source is required; if all
// fail, GetPrice returns an error and the caller decides whether a stale
// cached value is acceptable via GetCachedPrice.
func (o *Oracle) GetPrice(ctx context.Context, asset string) (Quote, error) {
	asset = strings.ToUpper(asset)
	if stablecoins[asset] {
		return Quote{Asset: asset, Price: decimal.NewFromInt(1), AsOf: time.Now().UTC()}, nil
	}

	// ── Cache check ──────────────────────────────────────────────────────────
	o.mu.RLock()
	if c, ok := o.cache[asset]; ok && time.Since(c.quote.AsOf) < o.cfg.CacheTTL {
		o.mu.RUnlock()
		return c.quote, nil
	}
	o.mu.RUnlock()

	return o.refresh(ctx, asset)
}

// GetCachedPrice returns the most recent quote for asset regardless of TTL,
// and false when the asset was never fetched.
func (o *Oracle) GetCachedPrice(asset string) (Quote, bool) {
	asset = strings.ToUpper(asset)
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.cache[asset]
	if !ok {
		return Quote{}, false
	}
	return c.quote, true
}

// RefreshAll re-fetches every asset currently in the cache.  The scheduler
// calls this on its oracle cadence so hot assets stay fresh between reads.
func (o *Oracle) RefreshAll(ctx context.Context) {
	o.mu.RLock()
	assets := make([]string, 0, len(o.cache))
	for asset := range o.cache {
		assets = append(assets, asset)
	}
	o.mu.RUnlock()

	for _, asset := range assets {
		// Errors keep the previous cached quote; next tick retries.
		_, _ = o.refresh(ctx, asset)
	}
}

// ExchangeStatus returns a map of exchange name → whether it was reachable in
// the last 5 seconds.
func (o *Oracle) ExchangeStatus() map[string]bool {
	threshold := 5 * time.Second
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()

	status := make(map[string]bool, len(o.lastSuccess))
	for name, t := range o.lastSuccess {
		status[name] = !t.IsZero() && time.Since(t) < threshold
	}
	return status
}

// ──────────────────────────────────────────────────────────────────────────────
// Fetch & aggregate
// ──────────────────────────────────────────────────────────────────────────────

// refresh performs the parallel fan-out for one asset and updates the cache.
func (o *Oracle) refresh(ctx context.Context, asset string) (Quote, error) {
	type result struct {
		name  string
		price decimal.Decimal
		err   error
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.client.Timeout)
	defer cancel()

	resultCh := make(chan result, len(o.exchanges))
	for _, ex := range o.exchanges {
		ex := ex // capture
		go func() {
			p, err := ex.fetch(fetchCtx, asset)
			resultCh <- result{name: ex.name, price: p, err: err}
		}()
	}

	rawResults := make(map[string]result, len(o.exchanges))
	for range o.exchanges {
		r := <-resultCh
		rawResults[r.name] = r
	}

	var sources []PriceSource
	var sumWeighted, sumWeights decimal.Decimal
	now := time.Now().UTC()

	for _, ex := range o.exchanges {
		r := rawResults[ex.name]
		if r.err != nil || r.price.IsZero() {
			continue
		}
		sources = append(sources, PriceSource{
			Exchange:  ex.name,
			Price:     r.price,
			Weight:    ex.weight,
			FetchedAt: now,
		})
		sumWeighted = sumWeighted.Add(r.price.Mul(ex.weight))
		sumWeights = sumWeights.Add(ex.weight)

		o.statusMu.Lock()
		o.lastSuccess[ex.name] = now
		o.statusMu.Unlock()
	}

	if len(sources) == 0 {
		return Quote{}, fmt.Errorf("oracle: all exchange fetches failed for %s", asset)
	}

	// Normalize over available weights (handles a missing exchange gracefully)
	quote := Quote{
		Asset: asset,
		Price: sumWeighted.Div(sumWeights),
		AsOf:  now,
	}

	o.mu.Lock()
	o.cache[asset] = cachedQuote{quote: quote, sources: sources}
	o.mu.Unlock()

	return quote, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Exchange fetchers
// ──────────────────────────────────────────────────────────────────────────────

// fetchBinance fetches the asset/USDT spot price from Binance REST API.
//
//	GET /api/v3/ticker/price?symbol=BTCUSDT
//	{"symbol":"BTCUSDT","price":"87350.00"}
func (o *Oracle) fetchBinance(ctx context.Context, asset string) (decimal.Decimal, error) {
	url := o.cfg.BinanceURL + "/api/v3/ticker/price?symbol=" + asset + "USDT"
	body, err := o.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("binance parse: %w", err)
	}
	if resp.Price == "" {
		return decimal.Zero, fmt.Errorf("binance: empty price field")
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance decimal: %w", err)
	}
	return price, nil
}

// fetchBybit fetches the asset/USDT spot price from Bybit REST API.
//
//	GET /v5/market/tickers?category=spot&symbol=BTCUSDT
//	{"result":{"list":[{"lastPrice":"87350.00",...}]}}
func (o *Oracle) fetchBybit(ctx context.Context, asset string) (decimal.Decimal, error) {
	url := o.cfg.BybitURL + "/v5/market/tickers?category=spot&symbol=" + asset + "USDT"
	body, err := o.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("bybit parse: %w", err)
	}
	if len(resp.Result.List) == 0 || resp.Result.List[0].LastPrice == "" {
		return decimal.Zero, fmt.Errorf("bybit: empty result list")
	}
	price, err := decimal.NewFromString(resp.Result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit decimal: %w", err)
	}
	return price, nil
}

// fetchOKX fetches the asset/USDT spot price from OKX REST API.
//
//	GET /api/v5/market/ticker?instId=BTC-USDT
//	{"data":[{"last":"87350.00",...}]}
func (o *Oracle) fetchOKX(ctx context.Context, asset string) (decimal.Decimal, error) {
	url := o.cfg.OKXURL + "/api/v5/market/ticker?instId=" + asset + "-USDT"
	body, err := o.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: %w", err)
	}

	var resp struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("okx parse: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Last == "" {
		return decimal.Zero, fmt.Errorf("okx: empty data field")
	}
	price, err := decimal.NewFromString(resp.Data[0].Last)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx decimal: %w", err)
	}
	return price, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helper
// ──────────────────────────────────────────────────────────────────────────────

// doGet performs an HTTP GET with the oracle's client and returns the body
// bytes, or an error for any non-200 status code.
func (o *Oracle) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "nivora-platform/1.0")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
