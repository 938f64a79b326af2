package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// ProductType classifies a lending product.
type ProductType string

const (
	ProductFlexibleSavings ProductType = "FLEXIBLE_SAVINGS"
	ProductFixedSavings    ProductType = "FIXED_SAVINGS"
	ProductActivitySavings ProductType = "ACTIVITY_SAVINGS"
	ProductStaking         ProductType = "STAKING"
	ProductCryptoLoan      ProductType = "CRYPTO_LOAN"
)

// InterestType controls how the accrual engine treats a product's principal.
type InterestType string

const (
	InterestSimple   InterestType = "SIMPLE"   // principal frozen; interest tracked separately
	InterestCompound InterestType = "COMPOUND" // interest rolls into principal each tick
	InterestVariable InterestType = "VARIABLE" // live product rate read at each tick
	InterestFixed    InterestType = "FIXED"    // rate snapshot at subscription
)

// RiskLevel grades a product for display and admission policy.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskVeryHigh RiskLevel = "VERY_HIGH"
)

// MoneyScale is the storage scale for all monetary columns (DECIMAL(24,6)).
// Intermediate interest math runs at RateScale and is truncated to MoneyScale
// on persistence.
const (
	MoneyScale int32 = 6
	RateScale  int32 = 10
)

// ──────────────────────────────────────────────────────────────────────────────
// LendingProduct
// ──────────────────────────────────────────────────────────────────────────────

// LendingProduct defines a subscribable earn product.  CurrentAmount mirrors
// the sum of active position balances and is recomputed from positions after
// every mutation; TotalCap nil means uncapped.
type LendingProduct struct {
	ProductID     string           `json:"product_id"     db:"product_id"`
	Name          string           `json:"name"           db:"name"`
	Type          ProductType      `json:"type"           db:"type"`
	Asset         string           `json:"asset"          db:"asset"`
	MinAmount     decimal.Decimal  `json:"min_amount"     db:"min_amount"`
	MaxAmount     *decimal.Decimal `json:"max_amount"     db:"max_amount"`
	InterestRate  decimal.Decimal  `json:"interest_rate"  db:"interest_rate"` // fraction per year
	InterestType  InterestType     `json:"interest_type"  db:"interest_type"`
	DurationDays  int              `json:"duration_days"  db:"duration_days"` // 0 = open-ended
	LockPeriod    *int             `json:"lock_period"    db:"lock_period"`   // days
	Risk          RiskLevel        `json:"risk"           db:"risk"`
	IsActive      bool             `json:"is_active"      db:"is_active"`
	IsFlexible    bool             `json:"is_flexible"    db:"is_flexible"`
	TotalCap      *decimal.Decimal `json:"total_cap"      db:"total_cap"`
	CurrentAmount decimal.Decimal  `json:"current_amount" db:"current_amount"`
	CreatedAt     time.Time        `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"     db:"updated_at"`
}

// Validate checks the product's structural invariants.
func (p *LendingProduct) Validate() error {
	if p.InterestRate.IsNegative() {
		return ErrInvalidProduct
	}
	if p.MinAmount.IsNegative() {
		return ErrInvalidProduct
	}
	if p.MaxAmount != nil && p.MaxAmount.LessThan(p.MinAmount) {
		return ErrInvalidProduct
	}
	if p.TotalCap != nil && p.TotalCap.IsNegative() {
		return ErrInvalidProduct
	}
	return nil
}

// AcceptsAmount reports whether amount satisfies the product's min/max bounds.
func (p *LendingProduct) AcceptsAmount(amount decimal.Decimal) bool {
	if amount.LessThan(p.MinAmount) {
		return false
	}
	if p.MaxAmount != nil && amount.GreaterThan(*p.MaxAmount) {
		return false
	}
	return true
}

// RemainingCap returns how much subscription headroom is left given the sum
// of active positions.  The second return is false when the product has no
// cap at all.
func (p *LendingProduct) RemainingCap(sumActive decimal.Decimal) (decimal.Decimal, bool) {
	if p.TotalCap == nil {
		return decimal.Zero, false
	}
	rem := p.TotalCap.Sub(sumActive)
	if rem.IsNegative() {
		rem = decimal.Zero
	}
	return rem, true
}
