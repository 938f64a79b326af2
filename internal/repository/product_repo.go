// Package repository contains the PostgreSQL persistence layer, one
// repository per aggregate.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nivora/platform/internal/domain"
	"github.com/shopspring/decimal"
)

// ProductRepository handles all database operations for lending products.
type ProductRepository struct {
	db *sqlx.DB
}

// NewProductRepository creates a new ProductRepository.
func NewProductRepository(db *sqlx.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Create inserts a new product row.
func (r *ProductRepository) Create(ctx context.Context, p *domain.LendingProduct) error {
	query := `
		INSERT INTO lending_products
			(product_id, name, type, asset, min_amount, max_amount, interest_rate,
			 interest_type, duration_days, lock_period, risk, is_active, is_flexible,
			 total_cap, current_amount, created_at, updated_at)
		VALUES
			(:product_id, :name, :type, :asset, :min_amount, :max_amount, :interest_rate,
			 :interest_type, :duration_days, :lock_period, :risk, :is_active, :is_flexible,
			 :total_cap, :current_amount, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return fmt.Errorf("product_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a product by its primary key.
func (r *ProductRepository) GetByID(ctx context.Context, productID string) (*domain.LendingProduct, error) {
	var p domain.LendingProduct
	err := r.db.GetContext(ctx, &p, `SELECT * FROM lending_products WHERE product_id = $1`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, fmt.Errorf("product_repo.GetByID: %w", err)
	}
	return &p, nil
}

// ListActive returns all subscribable products, optionally filtered by asset.
// asset="" returns every active product.
func (r *ProductRepository) ListActive(ctx context.Context, asset string) ([]*domain.LendingProduct, error) {
	var products []*domain.LendingProduct
	var err error
	if asset != "" {
		err = r.db.SelectContext(ctx, &products,
			`SELECT * FROM lending_products WHERE is_active = true AND asset = $1 ORDER BY product_id`,
			asset)
	} else {
		err = r.db.SelectContext(ctx, &products,
			`SELECT * FROM lending_products WHERE is_active = true ORDER BY product_id`)
	}
	if err != nil {
		return nil, fmt.Errorf("product_repo.ListActive: %w", err)
	}
	return products, nil
}

// SetActive flips the product's subscribable flag.
func (r *ProductRepository) SetActive(ctx context.Context, productID string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE lending_products SET is_active = $1, updated_at = now() WHERE product_id = $2`,
		active, productID)
	if err != nil {
		return fmt.Errorf("product_repo.SetActive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

// UpdateRate changes the product's live rate. Positions on FIXED products keep
// their subscription-time snapshot; VARIABLE positions pick this up on the
// next accrual tick.
func (r *ProductRepository) UpdateRate(ctx context.Context, productID string, rate decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE lending_products SET interest_rate = $1, updated_at = now() WHERE product_id = $2`,
		rate, productID)
	if err != nil {
		return fmt.Errorf("product_repo.UpdateRate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

// SyncCurrentAmount recomputes a product's utilisation from its active
// positions. Called after every subscribe/redeem so the stored figure never
// drifts.
func (r *ProductRepository) SyncCurrentAmount(ctx context.Context, productID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE lending_products
		SET current_amount = COALESCE((
			SELECT SUM(current_amount) FROM user_positions
			WHERE product_id = $1 AND is_active = true
		), 0),
		updated_at = now()
		WHERE product_id = $1`,
		productID)
	if err != nil {
		return fmt.Errorf("product_repo.SyncCurrentAmount: %w", err)
	}
	return nil
}
