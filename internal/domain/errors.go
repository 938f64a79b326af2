package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Lookup errors
var (
	// ErrProductNotFound is returned when no lending product matches.
	ErrProductNotFound = errors.New("lending product not found")

	// ErrPositionNotFound is returned when no position matches.
	ErrPositionNotFound = errors.New("position not found")

	// ErrLoanNotFound is returned when no loan matches.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrTransferNotFound is returned when no bridge transfer matches.
	ErrTransferNotFound = errors.New("bridge transfer not found")
)

// Validation / state errors
var (
	// ErrInvalidProduct is returned when a product violates its structural
	// invariants (negative rate, min > max, negative cap).
	ErrInvalidProduct = errors.New("invalid lending product definition")

	// ErrAmountOutOfRange is returned when a subscription amount is outside
	// the product's min/max bounds.
	ErrAmountOutOfRange = errors.New("amount is outside the product limits")

	// ErrProductInactive is returned when subscribing to a deactivated product.
	ErrProductInactive = errors.New("product is not active")

	// ErrPositionClosed is returned when an operation targets an inactive position.
	ErrPositionClosed = errors.New("position is not active")

	// ErrEarlyRedeem is returned when redeeming a fixed-term position before
	// maturity.
	ErrEarlyRedeem = errors.New("early redemption is not allowed for this product")

	// ErrLoanNotActive is returned when repaying or liquidating a non-active loan.
	ErrLoanNotActive = errors.New("loan is not active")

	// ErrInvalidCollateral is returned when collateral value is zero or negative.
	ErrInvalidCollateral = errors.New("collateral value must be positive")
)

// Capacity / risk errors
var (
	// ErrCapacityExceeded is returned when a subscription would push the
	// product past its total cap.
	ErrCapacityExceeded = errors.New("product capacity exceeded")

	// ErrRiskRejected is returned when a new loan would breach the per-user
	// outstanding cap.
	ErrRiskRejected = errors.New("loan rejected by risk policy")

	// ErrLTVExceeded is returned when the requested loan's LTV is above the
	// collateral asset's maximum.
	ErrLTVExceeded = errors.New("loan-to-value exceeds the allowed maximum")
)

// Ledger / ownership errors
var (
	// ErrInsufficientFunds is returned when the ledger refuses a reservation.
	ErrInsufficientFunds = errors.New("insufficient ledger balance")

	// ErrForbidden is returned when the caller does not own the entity.
	ErrForbidden = errors.New("forbidden: caller is not the owner")
)

// Routing errors
var (
	// ErrNoRoutes is returned when no adapter produced a valid quote within
	// the deadline.
	ErrNoRoutes = errors.New("no routes available for the requested swap")

	// ErrNoBridgeRoute is returned when no bridge supports the chain pair or
	// all estimates failed.
	ErrNoBridgeRoute = errors.New("no bridge available for this route")

	// ErrUnsupportedProtocol is returned when executing a swap on an unknown
	// adapter id.
	ErrUnsupportedProtocol = errors.New("unsupported DEX protocol")

	// ErrAdapterFailure is returned when the chosen adapter errors during
	// execution (aggregation-time adapter errors are swallowed instead).
	ErrAdapterFailure = errors.New("adapter execution failed")
)

// Infrastructure errors
var (
	// ErrTransient marks deadline or infrastructure failures that are safe to
	// retry with the same idempotency key.
	ErrTransient = errors.New("transient infrastructure error, retry")
)

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinels so IsNotFound can
// stay in sync automatically.
var notFoundErrors = []error{
	ErrProductNotFound,
	ErrPositionNotFound,
	ErrLoanNotFound,
	ErrTransferNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsStateConflict returns true for errors that represent an operation
// disallowed in the entity's current state.
func IsStateConflict(err error) bool {
	conflictErrors := []error{
		ErrProductInactive,
		ErrPositionClosed,
		ErrEarlyRedeem,
		ErrLoanNotActive,
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRiskReject returns true for risk-policy and capacity rejections.
func IsRiskReject(err error) bool {
	riskErrors := []error{
		ErrRiskRejected,
		ErrLTVExceeded,
		ErrCapacityExceeded,
	}
	for _, target := range riskErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsUnavailable returns true when no adapter or bridge could satisfy the
// request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoRoutes) || errors.Is(err, ErrNoBridgeRoute)
}
