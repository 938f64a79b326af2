package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/ledger"
	"github.com/nivora/platform/internal/oracle"
)

// ──────────────────────────────────────────────────────────────────────────────
// LTV tables
// ──────────────────────────────────────────────────────────────────────────────

// assetLimits holds per-collateral LTV policy.
type assetLimits struct {
	maxLTV       decimal.Decimal
	liqThreshold decimal.Decimal
}

var ltvTable = map[string]assetLimits{
	"BTC":  {decimal.NewFromFloat(0.65), decimal.NewFromFloat(0.80)},
	"ETH":  {decimal.NewFromFloat(0.70), decimal.NewFromFloat(0.85)},
	"BNB":  {decimal.NewFromFloat(0.60), decimal.NewFromFloat(0.75)},
	"USDT": {decimal.NewFromFloat(0.90), decimal.NewFromFloat(0.95)},
	"USDC": {decimal.NewFromFloat(0.90), decimal.NewFromFloat(0.95)},
}

var defaultLimits = assetLimits{decimal.NewFromFloat(0.50), decimal.NewFromFloat(0.75)}

func limitsFor(asset string) assetLimits {
	if l, ok := ltvTable[strings.ToUpper(asset)]; ok {
		return l
	}
	return defaultLimits
}

// ──────────────────────────────────────────────────────────────────────────────
// External collateral sale
// ──────────────────────────────────────────────────────────────────────────────

// CollateralSeller settles a liquidating loan externally: sells the seized
// collateral and returns once the loan's debt is covered. An error leaves
// the loan in LIQUIDATING for the next sweep to retry.
type CollateralSeller interface {
	Sell(ctx context.Context, loan *domain.Loan) error
}

// ──────────────────────────────────────────────────────────────────────────────
// RiskEngine
// ──────────────────────────────────────────────────────────────────────────────

// RiskEngine holds the LTV/threshold policy, prices loan interest, gates
// borrow admission, and runs the liquidation sweep.
type RiskEngine struct {
	loans    LoanStore
	interest *InterestEngine
	prices   oracle.Provider
	seller   CollateralSeller
	ledger   ledger.Ledger
	bus      publisher
	cfg      *config.LendingConfig
	clock    domain.Clock
	log      *slog.Logger
}

// publisher is the minimal event surface the risk engine needs.
type publisher interface {
	Publish(topic string, payload interface{})
}

// NewRiskEngine wires a RiskEngine.
func NewRiskEngine(loans LoanStore, interest *InterestEngine, prices oracle.Provider, seller CollateralSeller, ldg ledger.Ledger, bus publisher, cfg *config.LendingConfig, clock domain.Clock, log *slog.Logger) *RiskEngine {
	return &RiskEngine{
		loans:    loans,
		interest: interest,
		prices:   prices,
		seller:   seller,
		ledger:   ldg,
		bus:      bus,
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

// MaxLTV returns the maximum loan-to-value for a collateral asset.
func (r *RiskEngine) MaxLTV(asset string) decimal.Decimal {
	return limitsFor(asset).maxLTV
}

// Threshold returns the liquidation threshold for a collateral asset.
func (r *RiskEngine) Threshold(asset string) decimal.Decimal {
	return limitsFor(asset).liqThreshold
}

// PriceRate prices a loan's interest from its origination LTV:
// rate = baseRate + ltv * riskSlope.
func (r *RiskEngine) PriceRate(ltv decimal.Decimal) decimal.Decimal {
	base := decimal.NewFromFloat(r.cfg.BaseRate)
	slope := decimal.NewFromFloat(r.cfg.RiskSlope)
	return base.Add(ltv.Mul(slope)).Round(domain.RateScale)
}

// IsLoanAllowed gates borrow admission: the user's live outstanding debt plus
// the requested loan value must stay under the per-user cap.
func (r *RiskEngine) IsLoanAllowed(ctx context.Context, userID uuid.UUID, loanValueUSD decimal.Decimal) error {
	outstanding, err := r.loans.TotalOutstandingByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("risk.IsLoanAllowed: %w", err)
	}
	cap := decimal.NewFromFloat(r.cfg.PerUserLoanCap)
	if outstanding.Add(loanValueUSD).GreaterThan(cap) {
		return fmt.Errorf("risk.IsLoanAllowed: outstanding %s + new %s over cap %s: %w",
			outstanding, loanValueUSD, cap, domain.ErrRiskRejected)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Liquidation sweep
// ──────────────────────────────────────────────────────────────────────────────

// RunLiquidationSweep examines every active loan, marks those whose live LTV
// has reached the liquidation threshold, and tries to settle them through
// the collateral seller. The MarkCollateralLiquidating guard and the resale
// retry path make the sweep safe to re-run at any time: a loan stuck in
// LIQUIDATING is simply retried on the next tick.
func (r *RiskEngine) RunLiquidationSweep(ctx context.Context) {
	now := r.clock.Now()

	loans, err := r.loans.ListByStatus(ctx, domain.LoanActive)
	if err != nil {
		r.log.Error("risk: list active loans failed", "error", err)
		return
	}

	for _, loan := range loans {
		if err := r.sweepLoan(ctx, loan, now); err != nil {
			r.log.Error("risk: liquidation step failed",
				"loan_id", loan.LoanID, "error", err)
		}
	}
}

// sweepLoan advances one loan through the liquidation state machine.
func (r *RiskEngine) sweepLoan(ctx context.Context, loan *domain.Loan, now time.Time) error {
	switch loan.CollateralStatus {
	case domain.CollateralActive:
		breached, err := r.thresholdBreached(ctx, loan, now)
		if err != nil || !breached {
			return err
		}
		marked, err := r.loans.MarkCollateralLiquidating(ctx, loan.LoanID)
		if err != nil {
			return err
		}
		if !marked {
			// Another sweep got there first.
			return nil
		}
		r.log.Warn("risk: collateral liquidating",
			"loan_id", loan.LoanID, "collateral", loan.CollateralAsset)
		loan.CollateralStatus = domain.CollateralLiquidating
		return r.settleLiquidation(ctx, loan, now)

	case domain.CollateralLiquidating:
		// A previous sweep marked the loan but the sale failed; retry.
		return r.settleLiquidation(ctx, loan, now)
	}
	return nil
}

// thresholdBreached recomputes the live LTV from oracle prices.
func (r *RiskEngine) thresholdBreached(ctx context.Context, loan *domain.Loan, now time.Time) (bool, error) {
	outstanding := r.interest.LoanOutstanding(loan, now)

	loanQuote, err := r.prices.GetPrice(ctx, loan.LoanAsset)
	if err != nil {
		return false, fmt.Errorf("risk: price %s: %w", loan.LoanAsset, err)
	}
	collQuote, err := r.prices.GetPrice(ctx, loan.CollateralAsset)
	if err != nil {
		return false, fmt.Errorf("risk: price %s: %w", loan.CollateralAsset, err)
	}

	collValue := loan.CollateralAmount.Mul(collQuote.Price)
	if collValue.Sign() <= 0 {
		// Worthless collateral is by definition past any threshold.
		return true, nil
	}
	currentLTV := outstanding.Mul(loanQuote.Price).DivRound(collValue, 4)
	return currentLTV.GreaterThanOrEqual(loan.LiquidationThreshold), nil
}

// settleLiquidation runs the external sale, converts the origination
// collateral hold into a final debit, and finalises the loan. Any error
// leaves the loan in LIQUIDATING; the next sweep retries, and the ledger
// deduplicates repeated settles by correlation id.
func (r *RiskEngine) settleLiquidation(ctx context.Context, loan *domain.Loan, now time.Time) error {
	if err := r.seller.Sell(ctx, loan); err != nil {
		return fmt.Errorf("risk: collateral sale for %s: %w", loan.LoanID, err)
	}

	// The hold placed at origination is keyed by the loan id. Seizing the
	// collateral means settling that hold, never releasing it back.
	if err := r.ledger.Settle(ctx, loan.UserID, loan.CollateralAsset, loan.CollateralAmount, loan.LoanID); err != nil {
		return fmt.Errorf("risk: settle collateral hold for %s: %w", loan.LoanID, err)
	}

	loan.MarkLiquidated(now)
	loan.OutstandingAmount = decimal.Zero
	if err := r.loans.Update(ctx, loan); err != nil {
		return fmt.Errorf("risk: finalise liquidation %s: %w", loan.LoanID, err)
	}

	r.bus.Publish(domain.TopicLendingEvents,
		domain.NewEnvelope(domain.EventLoanLiquidated, loan, now))
	return nil
}
