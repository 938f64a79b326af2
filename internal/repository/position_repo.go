package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nivora/platform/internal/domain"
	"github.com/shopspring/decimal"
)

// PositionRepository handles all database operations for user positions.
type PositionRepository struct {
	db *sqlx.DB
}

// NewPositionRepository creates a new PositionRepository.
func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new position row.
func (r *PositionRepository) Create(ctx context.Context, p *domain.UserPosition) error {
	query := `
		INSERT INTO user_positions
			(position_id, user_id, product_id, principal, current_amount, interest_rate,
			 accrued_interest, total_earnings, start_date, end_date, last_interest_date,
			 is_active, is_auto_renew, created_at, updated_at)
		VALUES
			(:position_id, :user_id, :product_id, :principal, :current_amount, :interest_rate,
			 :accrued_interest, :total_earnings, :start_date, :end_date, :last_interest_date,
			 :is_active, :is_auto_renew, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return fmt.Errorf("position_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a position by its primary key.
func (r *PositionRepository) GetByID(ctx context.Context, positionID uuid.UUID) (*domain.UserPosition, error) {
	var p domain.UserPosition
	err := r.db.GetContext(ctx, &p, `SELECT * FROM user_positions WHERE position_id = $1`, positionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.GetByID: %w", err)
	}
	return &p, nil
}

// ListByUser returns a user's positions, newest first. activeOnly filters out
// closed positions.
func (r *PositionRepository) ListByUser(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*domain.UserPosition, error) {
	var positions []*domain.UserPosition
	var err error
	if activeOnly {
		err = r.db.SelectContext(ctx, &positions,
			`SELECT * FROM user_positions WHERE user_id = $1 AND is_active = true ORDER BY created_at DESC`,
			userID)
	} else {
		err = r.db.SelectContext(ctx, &positions,
			`SELECT * FROM user_positions WHERE user_id = $1 ORDER BY created_at DESC`,
			userID)
	}
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListByUser: %w", err)
	}
	return positions, nil
}

// ListActive returns every active position. The interest engine drives its
// accrual tick off this set.
func (r *PositionRepository) ListActive(ctx context.Context) ([]*domain.UserPosition, error) {
	var positions []*domain.UserPosition
	err := r.db.SelectContext(ctx, &positions,
		`SELECT * FROM user_positions WHERE is_active = true ORDER BY position_id`)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListActive: %w", err)
	}
	return positions, nil
}

// ListMatured returns active fixed-term positions whose term has ended as of
// now. The maturity sweep redeems or renews them.
func (r *PositionRepository) ListMatured(ctx context.Context, now time.Time) ([]*domain.UserPosition, error) {
	var positions []*domain.UserPosition
	err := r.db.SelectContext(ctx, &positions,
		`SELECT * FROM user_positions
		 WHERE is_active = true AND end_date IS NOT NULL AND end_date <= $1
		 ORDER BY end_date ASC`,
		now)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListMatured: %w", err)
	}
	return positions, nil
}

// Update persists the mutable fields of a position.
func (r *PositionRepository) Update(ctx context.Context, p *domain.UserPosition) error {
	query := `
		UPDATE user_positions
		SET principal          = :principal,
		    current_amount     = :current_amount,
		    interest_rate      = :interest_rate,
		    accrued_interest   = :accrued_interest,
		    total_earnings     = :total_earnings,
		    end_date           = :end_date,
		    last_interest_date = :last_interest_date,
		    is_active          = :is_active,
		    is_auto_renew      = :is_auto_renew,
		    updated_at         = :updated_at
		WHERE position_id = :position_id`
	res, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return fmt.Errorf("position_repo.Update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

// SumActiveByProduct returns the total active balance subscribed to a
// product. Used for cap admission checks.
func (r *PositionRepository) SumActiveByProduct(ctx context.Context, productID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(current_amount), 0)
		 FROM user_positions
		 WHERE product_id = $1 AND is_active = true`,
		productID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position_repo.SumActiveByProduct: %w", err)
	}
	return total, nil
}
