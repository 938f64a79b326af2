package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nivora/platform/internal/domain"
)

// TransferRepository handles persistence of cross-chain bridge transfers.
type TransferRepository struct {
	db *sqlx.DB
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(db *sqlx.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create inserts a transfer row.
func (r *TransferRepository) Create(ctx context.Context, t *domain.BridgeTransfer) error {
	query := `
		INSERT INTO bridge_transfers
			(transfer_id, from_chain, to_chain, token, amount, from_addr, to_addr,
			 bridge_id, status, tx_hash, created_at, updated_at)
		VALUES
			(:transfer_id, :from_chain, :to_chain, :token, :amount, :from_addr, :to_addr,
			 :bridge_id, :status, :tx_hash, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, t)
	if err != nil {
		return fmt.Errorf("transfer_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a transfer by its primary key.
func (r *TransferRepository) GetByID(ctx context.Context, transferID uuid.UUID) (*domain.BridgeTransfer, error) {
	var t domain.BridgeTransfer
	err := r.db.GetContext(ctx, &t,
		`SELECT * FROM bridge_transfers WHERE transfer_id = $1`, transferID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, fmt.Errorf("transfer_repo.GetByID: %w", err)
	}
	return &t, nil
}

// UpdateStatus moves a transfer to its terminal status once the bridge
// confirms or fails.
func (r *TransferRepository) UpdateStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus, txHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bridge_transfers
		SET status = $1, tx_hash = $2, updated_at = now()
		WHERE transfer_id = $3 AND status = 'PENDING'`,
		status, txHash, transferID)
	if err != nil {
		return fmt.Errorf("transfer_repo.UpdateStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer_repo.UpdateStatus: transfer %s not pending", transferID)
	}
	return nil
}

// ListPending returns transfers still awaiting bridge confirmation.
func (r *TransferRepository) ListPending(ctx context.Context) ([]*domain.BridgeTransfer, error) {
	var transfers []*domain.BridgeTransfer
	err := r.db.SelectContext(ctx, &transfers,
		`SELECT * FROM bridge_transfers WHERE status = 'PENDING' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("transfer_repo.ListPending: %w", err)
	}
	return transfers, nil
}
