package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nivora/platform/internal/dex"
	"github.com/nivora/platform/internal/domain"
)

// DexCollateralSeller liquidates seized collateral through the swap
// aggregator: best route first, then execution on the winning venue. A
// failed sale returns an error so the risk sweep retries later.
type DexCollateralSeller struct {
	agg   *dex.Aggregator
	chain domain.Chain
	log   *slog.Logger
}

// NewDexCollateralSeller wires a seller that trades on the given chain.
func NewDexCollateralSeller(agg *dex.Aggregator, chain domain.Chain, log *slog.Logger) *DexCollateralSeller {
	return &DexCollateralSeller{agg: agg, chain: chain, log: log}
}

// Sell swaps the loan's collateral into the loan asset at the best available
// route.
func (s *DexCollateralSeller) Sell(ctx context.Context, loan *domain.Loan) error {
	route, _, err := s.agg.FindBestRoute(ctx, dex.QuoteRequest{
		FromToken: loan.CollateralAsset,
		ToToken:   loan.LoanAsset,
		Amount:    loan.CollateralAmount,
		Chain:     s.chain,
	})
	if err != nil {
		return fmt.Errorf("seller.Sell: route %s->%s: %w",
			loan.CollateralAsset, loan.LoanAsset, err)
	}

	result, err := s.agg.ExecuteSwap(ctx, domain.SwapRequest{
		Protocol:  route.AdapterID,
		FromToken: loan.CollateralAsset,
		ToToken:   loan.LoanAsset,
		Amount:    loan.CollateralAmount,
		Chain:     s.chain,
		UserID:    loan.UserID,
	})
	if err != nil {
		return fmt.Errorf("seller.Sell: execute on %s: %w", route.AdapterID, err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("seller.Sell: %s reported failure: %s", route.AdapterID, result.Error)
	}

	s.log.Info("collateral sold",
		"loan_id", loan.LoanID,
		"collateral", loan.CollateralAsset,
		"amount", loan.CollateralAmount,
		"venue", route.AdapterID,
		"tx", result.TxHash)
	return nil
}
