// Package domain defines the core business entities and types for the
// crypto-asset services platform: DEX aggregation, bridging, and lending.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Chains
// ──────────────────────────────────────────────────────────────────────────────

// Chain identifies a supported blockchain network.
type Chain string

const (
	ChainEthereum  Chain = "ethereum"
	ChainBSC       Chain = "bsc"
	ChainPolygon   Chain = "polygon"
	ChainAvalanche Chain = "avalanche"
	ChainArbitrum  Chain = "arbitrum"
	ChainOptimism  Chain = "optimism"
	ChainSolana    Chain = "solana"
)

// IsValid returns true if the chain is a recognised network.
func (c Chain) IsValid() bool {
	switch c {
	case ChainEthereum, ChainBSC, ChainPolygon, ChainAvalanche,
		ChainArbitrum, ChainOptimism, ChainSolana:
		return true
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// SwapRoute
// ──────────────────────────────────────────────────────────────────────────────

// SwapRoute is one adapter's quote for a requested swap.  Ephemeral: routes
// only become durable when wrapped in a RouteRecord.
type SwapRoute struct {
	FromToken   string          `json:"from_token"`
	ToToken     string          `json:"to_token"`
	InAmount    decimal.Decimal `json:"in_amount"`
	OutAmount   decimal.Decimal `json:"out_amount"`
	AdapterID   string          `json:"adapter_id"`
	Chain       Chain           `json:"chain"`
	SlippageBps int64           `json:"slippage_bps"`
	GasCost     decimal.Decimal `json:"gas_cost"` // USD estimate; zero when unknown
	PriceImpact decimal.Decimal `json:"price_impact"`
}

// RouteRecord is the persisted, append-only form of a chosen SwapRoute.
type RouteRecord struct {
	ID          uuid.UUID       `json:"id"            db:"id"`
	FromToken   string          `json:"from_token"    db:"from_token"`
	ToToken     string          `json:"to_token"      db:"to_token"`
	InAmount    decimal.Decimal `json:"in_amount"     db:"in_amount"`
	OutAmount   decimal.Decimal `json:"out_amount"    db:"out_amount"`
	AdapterID   string          `json:"adapter_id"    db:"adapter_id"`
	Chain       Chain           `json:"chain"         db:"chain"`
	SlippageBps int64           `json:"slippage_bps"  db:"slippage_bps"`
	QuoteCount  int             `json:"quote_count"   db:"quote_count"`
	CreatedAt   time.Time       `json:"created_at"    db:"created_at"`
}

// NewRouteRecord builds a RouteRecord from a chosen route and the size of the
// quote set it was selected from.
func NewRouteRecord(route SwapRoute, quoteCount int, now time.Time) *RouteRecord {
	return &RouteRecord{
		ID:          uuid.New(),
		FromToken:   route.FromToken,
		ToToken:     route.ToToken,
		InAmount:    route.InAmount,
		OutAmount:   route.OutAmount,
		AdapterID:   route.AdapterID,
		Chain:       route.Chain,
		SlippageBps: route.SlippageBps,
		QuoteCount:  quoteCount,
		CreatedAt:   now,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Swap execution
// ──────────────────────────────────────────────────────────────────────────────

// SwapRequest carries the validated inputs for executing a swap on a named
// adapter.
type SwapRequest struct {
	Protocol    string          `json:"protocol"` // adapter id
	FromToken   string          `json:"from_token"`
	ToToken     string          `json:"to_token"`
	Amount      decimal.Decimal `json:"amount"`
	Chain       Chain           `json:"chain"`
	SlippageBps int64           `json:"slippage_bps"`
	UserID      uuid.UUID       `json:"user_id"`
}

// SwapResult is the outcome of an execution attempt.  Published to the
// swap-executions topic whether the attempt succeeded or not.
type SwapResult struct {
	Protocol string    `json:"protocol"`
	Status   string    `json:"status"` // "success" | "failed"
	TxHash   string    `json:"tx_hash,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Succeeded returns true when the swap went through.
func (r SwapResult) Succeeded() bool { return r.Status == "success" }

// ──────────────────────────────────────────────────────────────────────────────
// Analytics
// ──────────────────────────────────────────────────────────────────────────────

// DexAnalytics aggregates persisted routing activity for one chain over a
// timeframe.
type DexAnalytics struct {
	Chain        Chain                      `json:"chain"`
	Timeframe    string                     `json:"timeframe"`
	RouteCount   int                        `json:"route_count"`
	TotalVolume  decimal.Decimal            `json:"total_volume"`
	TotalOutput  decimal.Decimal            `json:"total_output"`
	AdapterStats map[string]AdapterActivity `json:"adapter_stats"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

// AdapterActivity is per-adapter routing volume inside a DexAnalytics report.
type AdapterActivity struct {
	Routes    int             `json:"routes"`
	Volume    decimal.Decimal `json:"volume"`
	AvgOutput decimal.Decimal `json:"avg_output"`
}
