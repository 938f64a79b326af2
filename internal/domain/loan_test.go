package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoanStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to LoanStatus
		allowed  bool
	}{
		{LoanPending, LoanActive, true},
		{LoanPending, LoanCancelled, true},
		{LoanPending, LoanRepaid, false},
		{LoanActive, LoanRepaid, true},
		{LoanActive, LoanLiquidated, true},
		{LoanActive, LoanDefaulted, true},
		{LoanActive, LoanCancelled, false},
		{LoanActive, LoanPending, false},
		{LoanRepaid, LoanActive, false},
		{LoanLiquidated, LoanRepaid, false},
		{LoanCancelled, LoanActive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestMarkRepaidInvariants(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loan := &Loan{
		Status:            LoanActive,
		CollateralStatus:  CollateralActive,
		OutstandingAmount: decimal.NewFromInt(105),
	}
	loan.MarkRepaid(now)

	if loan.Status != LoanRepaid {
		t.Errorf("status = %s, want REPAID", loan.Status)
	}
	if !loan.OutstandingAmount.IsZero() {
		t.Errorf("outstanding = %s, want 0", loan.OutstandingAmount)
	}
	if loan.CollateralStatus != CollateralReleased {
		t.Errorf("collateral = %s, want RELEASED", loan.CollateralStatus)
	}
	if loan.RepaidDate == nil || !loan.RepaidDate.Equal(now) {
		t.Errorf("repaid date not set to now")
	}
}

func TestMarkLiquidatedInvariants(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loan := &Loan{Status: LoanActive, CollateralStatus: CollateralLiquidating}
	loan.MarkLiquidated(now)

	if loan.Status != LoanLiquidated {
		t.Errorf("status = %s, want LIQUIDATED", loan.Status)
	}
	if loan.CollateralStatus != CollateralLiquidated {
		t.Errorf("collateral = %s, want LIQUIDATED", loan.CollateralStatus)
	}
	if loan.LiquidationDate == nil {
		t.Errorf("liquidation date not set")
	}
}
