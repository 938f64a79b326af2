package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nivora/platform/internal/domain"
	"github.com/shopspring/decimal"
)

// LoanRepository handles all database operations for loans.
type LoanRepository struct {
	db *sqlx.DB
}

// NewLoanRepository creates a new LoanRepository.
func NewLoanRepository(db *sqlx.DB) *LoanRepository {
	return &LoanRepository{db: db}
}

// Create inserts a new loan row.
func (r *LoanRepository) Create(ctx context.Context, l *domain.Loan) error {
	query := `
		INSERT INTO loans
			(loan_id, user_id, loan_asset, loan_amount, collateral_asset, collateral_amount,
			 interest_rate, ltv, liquidation_threshold, outstanding_amount, accrued_interest,
			 status, collateral_status, start_date, due_date, last_interest_date,
			 repaid_date, liquidation_date, created_at, updated_at)
		VALUES
			(:loan_id, :user_id, :loan_asset, :loan_amount, :collateral_asset, :collateral_amount,
			 :interest_rate, :ltv, :liquidation_threshold, :outstanding_amount, :accrued_interest,
			 :status, :collateral_status, :start_date, :due_date, :last_interest_date,
			 :repaid_date, :liquidation_date, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, l)
	if err != nil {
		return fmt.Errorf("loan_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a loan by its primary key.
func (r *LoanRepository) GetByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	var l domain.Loan
	err := r.db.GetContext(ctx, &l, `SELECT * FROM loans WHERE loan_id = $1`, loanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, fmt.Errorf("loan_repo.GetByID: %w", err)
	}
	return &l, nil
}

// ListByUser returns a user's loans, newest first.
func (r *LoanRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Loan, error) {
	var loans []*domain.Loan
	err := r.db.SelectContext(ctx, &loans,
		`SELECT * FROM loans WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("loan_repo.ListByUser: %w", err)
	}
	return loans, nil
}

// ListByStatus returns all loans in a given status. The liquidation sweep
// runs over the ACTIVE set.
func (r *LoanRepository) ListByStatus(ctx context.Context, status domain.LoanStatus) ([]*domain.Loan, error) {
	var loans []*domain.Loan
	err := r.db.SelectContext(ctx, &loans,
		`SELECT * FROM loans WHERE status = $1 ORDER BY loan_id`, status)
	if err != nil {
		return nil, fmt.Errorf("loan_repo.ListByStatus: %w", err)
	}
	return loans, nil
}

// Update persists the mutable fields of a loan.
func (r *LoanRepository) Update(ctx context.Context, l *domain.Loan) error {
	query := `
		UPDATE loans
		SET outstanding_amount = :outstanding_amount,
		    accrued_interest   = :accrued_interest,
		    status             = :status,
		    collateral_status  = :collateral_status,
		    last_interest_date = :last_interest_date,
		    repaid_date        = :repaid_date,
		    liquidation_date   = :liquidation_date,
		    updated_at         = :updated_at
		WHERE loan_id = :loan_id`
	res, err := r.db.NamedExecContext(ctx, query, l)
	if err != nil {
		return fmt.Errorf("loan_repo.Update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLoanNotFound
	}
	return nil
}

// MarkCollateralLiquidating flips an ACTIVE loan's collateral to LIQUIDATING.
// The RowsAffected guard makes the sweep retry-safe: a second worker sees
// zero rows and skips the loan.
func (r *LoanRepository) MarkCollateralLiquidating(ctx context.Context, loanID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE loans
		SET collateral_status = 'LIQUIDATING', updated_at = now()
		WHERE loan_id = $1 AND status = 'ACTIVE' AND collateral_status = 'ACTIVE'`,
		loanID)
	if err != nil {
		return false, fmt.Errorf("loan_repo.MarkCollateralLiquidating: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TotalOutstandingByUser sums the user's live debt across active loans. Used
// for the per-user borrowing cap.
func (r *LoanRepository) TotalOutstandingByUser(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(outstanding_amount), 0)
		 FROM loans
		 WHERE user_id = $1 AND status = 'ACTIVE'`,
		userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("loan_repo.TotalOutstandingByUser: %w", err)
	}
	return total, nil
}
