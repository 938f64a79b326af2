package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// UserPosition
// ──────────────────────────────────────────────────────────────────────────────

// UserPosition is a user's stake in a lending product.  Created only by the
// lending service's subscribe flow, mutated by redeem and by the interest
// engine, never deleted: closed positions stay on file with IsActive=false
// and CurrentAmount zero.
type UserPosition struct {
	PositionID       uuid.UUID       `json:"position_id"        db:"position_id"`
	UserID           uuid.UUID       `json:"user_id"            db:"user_id"`
	ProductID        string          `json:"product_id"         db:"product_id"`
	Principal        decimal.Decimal `json:"principal"          db:"principal"`
	CurrentAmount    decimal.Decimal `json:"current_amount"     db:"current_amount"`
	InterestRate     decimal.Decimal `json:"interest_rate"      db:"interest_rate"` // snapshot at subscribe
	AccruedInterest  decimal.Decimal `json:"accrued_interest"   db:"accrued_interest"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"     db:"total_earnings"`
	StartDate        time.Time       `json:"start_date"         db:"start_date"`
	EndDate          *time.Time      `json:"end_date"           db:"end_date"`
	LastInterestDate time.Time       `json:"last_interest_date" db:"last_interest_date"`
	IsActive         bool            `json:"is_active"          db:"is_active"`
	IsAutoRenew      bool            `json:"is_auto_renew"      db:"is_auto_renew"`
	CreatedAt        time.Time       `json:"created_at"         db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"         db:"updated_at"`
}

// IsMatured returns true when the position has a fixed term and the term has
// ended.
func (p *UserPosition) IsMatured(now time.Time) bool {
	return p.EndDate != nil && !now.Before(*p.EndDate)
}

// Close marks the position fully redeemed.  Earnings history is preserved.
func (p *UserPosition) Close(now time.Time) {
	p.IsActive = false
	p.CurrentAmount = decimal.Zero
	p.UpdatedAt = now
}

// ──────────────────────────────────────────────────────────────────────────────
// Request value objects
// ──────────────────────────────────────────────────────────────────────────────

// SubscribeRequest carries the validated inputs for subscribing to a product.
type SubscribeRequest struct {
	ProductID string
	Amount    decimal.Decimal
	AutoRenew bool
}

// RedeemRequest carries the inputs for redeeming a position.  Amount nil
// means full redemption at current value.
type RedeemRequest struct {
	PositionID uuid.UUID
	Amount     *decimal.Decimal
}
