package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nivora/platform/internal/domain"
	"github.com/shopspring/decimal"
)

// RouteRepository handles persistence of chosen swap routes. The table is
// append-only; rows are never updated or deleted.
type RouteRepository struct {
	db *sqlx.DB
}

// NewRouteRepository creates a new RouteRepository.
func NewRouteRepository(db *sqlx.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

// Create inserts a route record.
func (r *RouteRepository) Create(ctx context.Context, rec *domain.RouteRecord) error {
	query := `
		INSERT INTO swap_routes
			(id, from_token, to_token, in_amount, out_amount, adapter_id, chain,
			 slippage_bps, quote_count, created_at)
		VALUES
			(:id, :from_token, :to_token, :in_amount, :out_amount, :adapter_id, :chain,
			 :slippage_bps, :quote_count, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("route_repo.Create: %w", err)
	}
	return nil
}

// ListRecent returns the newest routes for a chain, capped at limit.
func (r *RouteRepository) ListRecent(ctx context.Context, chain domain.Chain, limit int) ([]*domain.RouteRecord, error) {
	var routes []*domain.RouteRecord
	err := r.db.SelectContext(ctx, &routes,
		`SELECT * FROM swap_routes WHERE chain = $1 ORDER BY created_at DESC LIMIT $2`,
		chain, limit)
	if err != nil {
		return nil, fmt.Errorf("route_repo.ListRecent: %w", err)
	}
	return routes, nil
}

// Analytics aggregates routing activity for one chain since a cutoff time,
// broken down per adapter.
func (r *RouteRepository) Analytics(ctx context.Context, chain domain.Chain, since time.Time) (*domain.DexAnalytics, error) {
	type totals struct {
		RouteCount  int             `db:"route_count"`
		TotalVolume decimal.Decimal `db:"total_volume"`
		TotalOutput decimal.Decimal `db:"total_output"`
	}
	var agg totals
	err := r.db.GetContext(ctx, &agg, `
		SELECT
			COUNT(*)                      AS route_count,
			COALESCE(SUM(in_amount), 0)   AS total_volume,
			COALESCE(SUM(out_amount), 0)  AS total_output
		FROM swap_routes
		WHERE chain = $1 AND created_at >= $2`,
		chain, since)
	if err != nil {
		return nil, fmt.Errorf("route_repo.Analytics totals: %w", err)
	}

	type adapterRow struct {
		AdapterID string          `db:"adapter_id"`
		Routes    int             `db:"routes"`
		Volume    decimal.Decimal `db:"volume"`
		AvgOutput decimal.Decimal `db:"avg_output"`
	}
	var rows []adapterRow
	err = r.db.SelectContext(ctx, &rows, `
		SELECT
			adapter_id,
			COUNT(*)                      AS routes,
			COALESCE(SUM(in_amount), 0)   AS volume,
			COALESCE(AVG(out_amount), 0)  AS avg_output
		FROM swap_routes
		WHERE chain = $1 AND created_at >= $2
		GROUP BY adapter_id`,
		chain, since)
	if err != nil {
		return nil, fmt.Errorf("route_repo.Analytics adapters: %w", err)
	}

	stats := make(map[string]domain.AdapterActivity, len(rows))
	for _, row := range rows {
		stats[row.AdapterID] = domain.AdapterActivity{
			Routes:    row.Routes,
			Volume:    row.Volume,
			AvgOutput: row.AvgOutput,
		}
	}

	return &domain.DexAnalytics{
		Chain:        chain,
		RouteCount:   agg.RouteCount,
		TotalVolume:  agg.TotalVolume,
		TotalOutput:  agg.TotalOutput,
		AdapterStats: stats,
	}, nil
}
