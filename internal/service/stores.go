// Package service contains the lending business logic: product subscription,
// redemption, loans, interest accrual, and the risk/liquidation policy.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nivora/platform/internal/domain"
)

// Store interfaces are declared here, on the consumer side, so the services
// depend on the persistence contract only. The sqlx repositories satisfy
// them; tests use in-memory fakes.

// ProductStore is the persistence surface for lending products.
type ProductStore interface {
	Create(ctx context.Context, p *domain.LendingProduct) error
	GetByID(ctx context.Context, productID string) (*domain.LendingProduct, error)
	ListActive(ctx context.Context, asset string) ([]*domain.LendingProduct, error)
	SyncCurrentAmount(ctx context.Context, productID string) error
}

// PositionStore is the persistence surface for user positions.
type PositionStore interface {
	Create(ctx context.Context, p *domain.UserPosition) error
	GetByID(ctx context.Context, positionID uuid.UUID) (*domain.UserPosition, error)
	ListByUser(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*domain.UserPosition, error)
	ListActive(ctx context.Context) ([]*domain.UserPosition, error)
	ListMatured(ctx context.Context, now time.Time) ([]*domain.UserPosition, error)
	Update(ctx context.Context, p *domain.UserPosition) error
	SumActiveByProduct(ctx context.Context, productID string) (decimal.Decimal, error)
}

// LoanStore is the persistence surface for loans.
type LoanStore interface {
	Create(ctx context.Context, l *domain.Loan) error
	GetByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Loan, error)
	ListByStatus(ctx context.Context, status domain.LoanStatus) ([]*domain.Loan, error)
	Update(ctx context.Context, l *domain.Loan) error
	MarkCollateralLiquidating(ctx context.Context, loanID uuid.UUID) (bool, error)
	TotalOutstandingByUser(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}
