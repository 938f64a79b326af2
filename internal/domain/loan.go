package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// LoanStatus is the lifecycle state of a collateralized loan.
type LoanStatus string

const (
	LoanPending    LoanStatus = "PENDING"
	LoanActive     LoanStatus = "ACTIVE"
	LoanRepaid     LoanStatus = "REPAID"
	LoanLiquidated LoanStatus = "LIQUIDATED"
	LoanDefaulted  LoanStatus = "DEFAULTED"
	LoanCancelled  LoanStatus = "CANCELLED"
)

// CollateralStatus tracks the seizure state of a loan's collateral.
type CollateralStatus string

const (
	CollateralActive      CollateralStatus = "ACTIVE"
	CollateralLiquidating CollateralStatus = "LIQUIDATING"
	CollateralLiquidated  CollateralStatus = "LIQUIDATED"
	CollateralReleased    CollateralStatus = "RELEASED"
)

// loanTransitions is the allowed status DAG.  CANCELLED is reachable only
// from PENDING; terminal states have no successors.
var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending: {LoanActive, LoanCancelled},
	LoanActive:  {LoanRepaid, LoanLiquidated, LoanDefaulted},
}

// CanTransition reports whether from→to is a legal loan status move.
func (from LoanStatus) CanTransition(to LoanStatus) bool {
	for _, next := range loanTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// Loan
// ──────────────────────────────────────────────────────────────────────────────

// Loan is a collateralized borrow position.  LoanAmount is the initial
// drawdown; OutstandingAmount is the live balance the interest engine and
// repayments mutate.
type Loan struct {
	LoanID               uuid.UUID        `json:"loan_id"                db:"loan_id"`
	UserID               uuid.UUID        `json:"user_id"                db:"user_id"`
	LoanAsset            string           `json:"loan_asset"             db:"loan_asset"`
	LoanAmount           decimal.Decimal  `json:"loan_amount"            db:"loan_amount"`
	CollateralAsset      string           `json:"collateral_asset"       db:"collateral_asset"`
	CollateralAmount     decimal.Decimal  `json:"collateral_amount"      db:"collateral_amount"`
	InterestRate         decimal.Decimal  `json:"interest_rate"          db:"interest_rate"`
	LTV                  decimal.Decimal  `json:"ltv"                    db:"ltv"` // at origination, scale 4
	LiquidationThreshold decimal.Decimal  `json:"liquidation_threshold"  db:"liquidation_threshold"`
	OutstandingAmount    decimal.Decimal  `json:"outstanding_amount"     db:"outstanding_amount"`
	AccruedInterest      decimal.Decimal  `json:"accrued_interest"       db:"accrued_interest"`
	Status               LoanStatus       `json:"status"                 db:"status"`
	CollateralStatus     CollateralStatus `json:"collateral_status"      db:"collateral_status"`
	StartDate            time.Time        `json:"start_date"             db:"start_date"`
	DueDate              *time.Time       `json:"due_date"               db:"due_date"`
	LastInterestDate     time.Time        `json:"last_interest_date"     db:"last_interest_date"`
	RepaidDate           *time.Time       `json:"repaid_date"            db:"repaid_date"`
	LiquidationDate      *time.Time       `json:"liquidation_date"       db:"liquidation_date"`
	CreatedAt            time.Time        `json:"created_at"             db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"             db:"updated_at"`
}

// IsActive returns true while the loan accrues interest and can be repaid or
// liquidated.
func (l *Loan) IsActive() bool {
	return l.Status == LoanActive
}

// MarkRepaid settles the loan: zero balance, collateral released.
func (l *Loan) MarkRepaid(now time.Time) {
	l.Status = LoanRepaid
	l.CollateralStatus = CollateralReleased
	l.OutstandingAmount = decimal.Zero
	l.RepaidDate = &now
	l.UpdatedAt = now
}

// MarkLiquidated finalises a seizure after external settlement confirms.
func (l *Loan) MarkLiquidated(now time.Time) {
	l.Status = LoanLiquidated
	l.CollateralStatus = CollateralLiquidated
	l.LiquidationDate = &now
	l.UpdatedAt = now
}

// ──────────────────────────────────────────────────────────────────────────────
// Request value objects
// ──────────────────────────────────────────────────────────────────────────────

// LoanRequest carries the validated inputs for originating a loan.
type LoanRequest struct {
	LoanAsset        string
	LoanAmount       decimal.Decimal
	CollateralAsset  string
	CollateralAmount decimal.Decimal
	TermDays         *int
}

// RepayRequest carries the inputs for a loan repayment.
type RepayRequest struct {
	LoanID          uuid.UUID
	Amount          decimal.Decimal
	IsFullRepayment bool
}
