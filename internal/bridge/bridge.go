// Package bridge implements cross-chain transfer routing: bridge protocol
// adapters, cost estimation, and the min-cost selector.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
)

// Protocol is one cross-chain bridge integration. Estimate should honor its
// context; the selector abandons estimates that outlive the round deadline
// either way.
type Protocol interface {
	Name() string
	SupportsRoute(from, to domain.Chain) bool
	Estimate(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeEstimate, error)
	Initiate(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeTransferResult, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// FeeBridge
// ──────────────────────────────────────────────────────────────────────────────

// FeeBridge is a bridge with a flat base fee plus a proportional cut of the
// transferred amount. Chains outside its supported set are rejected at
// estimate time.
type FeeBridge struct {
	name    string
	baseFee decimal.Decimal // USD
	feeRate decimal.Decimal // fraction of amount
	etaSecs int64
	chains  map[domain.Chain]bool // nil = every chain
}

// NewFeeBridge builds a FeeBridge. chains nil means all chains supported.
func NewFeeBridge(name string, baseFee, feeRate decimal.Decimal, etaSecs int64, chains []domain.Chain) *FeeBridge {
	var set map[domain.Chain]bool
	if chains != nil {
		set = make(map[domain.Chain]bool, len(chains))
		for _, c := range chains {
			set[c] = true
		}
	}
	return &FeeBridge{
		name:    name,
		baseFee: baseFee,
		feeRate: feeRate,
		etaSecs: etaSecs,
		chains:  set,
	}
}

// Name returns the bridge id.
func (b *FeeBridge) Name() string { return b.name }

// SupportsRoute reports whether the bridge serves both ends of the route.
func (b *FeeBridge) SupportsRoute(from, to domain.Chain) bool {
	if from == to {
		return false
	}
	if b.chains == nil {
		return true
	}
	return b.chains[from] && b.chains[to]
}

// Estimate quotes the transfer: base fee plus the proportional cut.
func (b *FeeBridge) Estimate(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeEstimate, error) {
	select {
	case <-ctx.Done():
		return domain.BridgeEstimate{}, ctx.Err()
	default:
	}

	if !b.SupportsRoute(req.FromChain, req.ToChain) {
		return domain.BridgeEstimate{}, fmt.Errorf("%s: route %s->%s unsupported", b.name, req.FromChain, req.ToChain)
	}
	if req.Amount.Sign() <= 0 {
		return domain.BridgeEstimate{}, fmt.Errorf("%s: non-positive amount", b.name)
	}

	return domain.BridgeEstimate{
		BridgeID:   b.name,
		TotalCost:  b.baseFee.Add(req.Amount.Mul(b.feeRate)),
		ETASeconds: b.etaSecs,
	}, nil
}

// Initiate starts the transfer and returns its PENDING handle.
func (b *FeeBridge) Initiate(ctx context.Context, req domain.BridgeTransferRequest) (domain.BridgeTransferResult, error) {
	select {
	case <-ctx.Done():
		return domain.BridgeTransferResult{}, ctx.Err()
	default:
	}

	if !b.SupportsRoute(req.FromChain, req.ToChain) {
		return domain.BridgeTransferResult{}, fmt.Errorf("%s: route %s->%s unsupported", b.name, req.FromChain, req.ToChain)
	}

	return domain.BridgeTransferResult{
		TransferID: uuid.New(),
		BridgeID:   b.name,
		Status:     domain.TransferPending,
		TxHash:     newTxHash(),
		At:         time.Now().UTC(),
	}, nil
}

func newTxHash() string {
	var h [32]byte
	_, _ = rand.Read(h[:])
	return "0x" + hex.EncodeToString(h[:])
}

// ──────────────────────────────────────────────────────────────────────────────
// Default bridge set
// ──────────────────────────────────────────────────────────────────────────────

// evmChains is the route set for EVM-only bridges.
var evmChains = []domain.Chain{
	domain.ChainEthereum,
	domain.ChainBSC,
	domain.ChainPolygon,
	domain.ChainAvalanche,
	domain.ChainArbitrum,
	domain.ChainOptimism,
}

// DefaultBridges builds the standard protocol set. Wormhole is the only
// bridge reaching Solana.
func DefaultBridges() []Protocol {
	cut := decimal.NewFromFloat(0.001) // 0.1% of amount
	return []Protocol{
		NewFeeBridge("layerzero", decimal.NewFromInt(10), cut, 300, evmChains),
		NewFeeBridge("axelar", decimal.NewFromInt(8), cut, 240, evmChains),
		NewFeeBridge("wormhole", decimal.NewFromInt(12), cut, 180, nil),
		NewFeeBridge("multichain", decimal.NewFromInt(15), cut, 600, evmChains),
	}
}
