package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
)

// daysPerYear is the simple-interest year convention.
var daysPerYear = decimal.NewFromInt(365)

// ──────────────────────────────────────────────────────────────────────────────
// Pure accrual math
// ──────────────────────────────────────────────────────────────────────────────

// accrualDelta computes day-granularity simple interest on base since last:
//
//	days  = floor(now - last, in days)
//	daily = rate / 365
//	Δ     = base * daily * days
//
// Intermediate math rounds half-up at RateScale; the result is truncated to
// MoneyScale, matching the storage columns. days <= 0 yields zero.
func accrualDelta(base, rate decimal.Decimal, last, now time.Time) decimal.Decimal {
	days := int64(now.Sub(last).Hours() / 24)
	if days <= 0 {
		return decimal.Zero
	}
	daily := rate.DivRound(daysPerYear, domain.RateScale)
	delta := base.Mul(daily).Mul(decimal.NewFromInt(days)).Round(domain.RateScale)
	return delta.Truncate(domain.MoneyScale)
}

// ──────────────────────────────────────────────────────────────────────────────
// InterestEngine
// ──────────────────────────────────────────────────────────────────────────────

// InterestEngine owns interest accrual over positions and loans. ValueOf and
// LoanOutstanding are pure projections; AccrueAll is the hourly tick that
// persists accrued interest.
type InterestEngine struct {
	products  ProductStore
	positions PositionStore
	loans     LoanStore
	clock     domain.Clock
	log       *slog.Logger
}

// NewInterestEngine wires an InterestEngine.
func NewInterestEngine(products ProductStore, positions PositionStore, loans LoanStore, clock domain.Clock, log *slog.Logger) *InterestEngine {
	return &InterestEngine{
		products:  products,
		positions: positions,
		loans:     loans,
		clock:     clock,
		log:       log,
	}
}

// accrualBase returns the balance interest is computed on. COMPOUND products
// refresh principal every tick, so the live balance compounds; all other
// types freeze the principal.
func accrualBase(pos *domain.UserPosition, interestType domain.InterestType) decimal.Decimal {
	if interestType == domain.InterestCompound {
		return pos.CurrentAmount
	}
	return pos.Principal
}

// accrualRate returns the rate the entity accrues at. VARIABLE products read
// the live product rate; everything else uses the subscription snapshot.
func accrualRate(pos *domain.UserPosition, product *domain.LendingProduct) decimal.Decimal {
	if product.InterestType == domain.InterestVariable {
		return product.InterestRate
	}
	return pos.InterestRate
}

// ValueOf returns the position's current value including interest accrued
// since the last persisted tick. It is a pure read: nothing is written.
func (e *InterestEngine) ValueOf(pos *domain.UserPosition, product *domain.LendingProduct, now time.Time) decimal.Decimal {
	delta := accrualDelta(
		accrualBase(pos, product.InterestType),
		accrualRate(pos, product),
		pos.LastInterestDate, now,
	)
	return pos.CurrentAmount.Add(delta)
}

// LoanOutstanding returns the loan's live debt including interest accrued
// since the last persisted tick. Pure read.
func (e *InterestEngine) LoanOutstanding(loan *domain.Loan, now time.Time) decimal.Decimal {
	delta := accrualDelta(loan.OutstandingAmount, loan.InterestRate, loan.LastInterestDate, now)
	return loan.OutstandingAmount.Add(delta)
}

// ──────────────────────────────────────────────────────────────────────────────
// Accrual tick
// ──────────────────────────────────────────────────────────────────────────────

// AccrueAll runs one accrual tick over every active position and loan. Each
// entity is its own write; one failure is logged and does not block the rest.
func (e *InterestEngine) AccrueAll(ctx context.Context) {
	now := e.clock.Now()

	positions, err := e.positions.ListActive(ctx)
	if err != nil {
		e.log.Error("interest: list positions failed", "error", err)
	} else {
		for _, pos := range positions {
			if err := e.accruePosition(ctx, pos, now); err != nil {
				e.log.Error("interest: position accrual failed",
					"position_id", pos.PositionID, "error", err)
			}
		}
	}

	loans, err := e.loans.ListByStatus(ctx, domain.LoanActive)
	if err != nil {
		e.log.Error("interest: list loans failed", "error", err)
		return
	}
	for _, loan := range loans {
		if err := e.accrueLoan(ctx, loan, now); err != nil {
			e.log.Error("interest: loan accrual failed",
				"loan_id", loan.LoanID, "error", err)
		}
	}
}

// accruePosition applies one tick's interest to a position. A zero delta
// (less than a full day since the last tick) writes nothing, which makes
// repeated ticks within the same day idempotent.
func (e *InterestEngine) accruePosition(ctx context.Context, pos *domain.UserPosition, now time.Time) error {
	product, err := e.products.GetByID(ctx, pos.ProductID)
	if err != nil {
		return fmt.Errorf("interest.accruePosition: %w", err)
	}

	delta := accrualDelta(
		accrualBase(pos, product.InterestType),
		accrualRate(pos, product),
		pos.LastInterestDate, now,
	)
	if delta.Sign() <= 0 {
		return nil
	}

	pos.AccruedInterest = pos.AccruedInterest.Add(delta)
	pos.TotalEarnings = pos.TotalEarnings.Add(delta)
	pos.CurrentAmount = pos.CurrentAmount.Add(delta)
	if product.InterestType == domain.InterestCompound {
		pos.Principal = pos.CurrentAmount
	}
	pos.LastInterestDate = now
	pos.UpdatedAt = now

	if err := e.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("interest.accruePosition: %w", err)
	}
	return nil
}

// accrueLoan rolls one tick's interest into the loan's outstanding balance.
func (e *InterestEngine) accrueLoan(ctx context.Context, loan *domain.Loan, now time.Time) error {
	delta := accrualDelta(loan.OutstandingAmount, loan.InterestRate, loan.LastInterestDate, now)
	if delta.Sign() <= 0 {
		return nil
	}

	loan.AccruedInterest = loan.AccruedInterest.Add(delta)
	loan.OutstandingAmount = loan.OutstandingAmount.Add(delta)
	loan.LastInterestDate = now
	loan.UpdatedAt = now

	if err := e.loans.Update(ctx, loan); err != nil {
		return fmt.Errorf("interest.accrueLoan: %w", err)
	}
	return nil
}
