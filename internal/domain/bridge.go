package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// TransferStatus is the lifecycle state of a cross-chain bridge transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferConfirmed TransferStatus = "CONFIRMED"
	TransferFailed    TransferStatus = "FAILED"
)

// ──────────────────────────────────────────────────────────────────────────────
// Bridge value objects
// ──────────────────────────────────────────────────────────────────────────────

// BridgeTransferRequest carries the validated inputs for a cross-chain
// transfer.
type BridgeTransferRequest struct {
	FromChain Chain           `json:"from_chain"`
	ToChain   Chain           `json:"to_chain"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	FromAddr  string          `json:"from_addr"`
	ToAddr    string          `json:"to_addr"`
	UserID    uuid.UUID       `json:"user_id"`
}

// BridgeEstimate is one bridge's quoted cost for a transfer.  Estimates are
// ranked by TotalCost ascending.
type BridgeEstimate struct {
	BridgeID   string          `json:"bridge_id"`
	TotalCost  decimal.Decimal `json:"total_cost"` // quote-currency cost of the transfer
	ETASeconds int64           `json:"eta_seconds"`
}

// BridgeTransferResult is the immediate outcome of initiating a transfer on
// the chosen bridge.  Published to the bridge-transfers topic.
type BridgeTransferResult struct {
	TransferID uuid.UUID      `json:"transfer_id"`
	BridgeID   string         `json:"bridge_id"`
	Status     TransferStatus `json:"status"`
	TxHash     string         `json:"tx_hash,omitempty"`
	At         time.Time      `json:"at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// BridgeTransfer — persisted record
// ──────────────────────────────────────────────────────────────────────────────

// BridgeTransfer is the durable record of an initiated cross-chain transfer.
type BridgeTransfer struct {
	TransferID uuid.UUID       `json:"transfer_id" db:"transfer_id"`
	FromChain  Chain           `json:"from_chain"  db:"from_chain"`
	ToChain    Chain           `json:"to_chain"    db:"to_chain"`
	Token      string          `json:"token"       db:"token"`
	Amount     decimal.Decimal `json:"amount"      db:"amount"`
	FromAddr   string          `json:"from_addr"   db:"from_addr"`
	ToAddr     string          `json:"to_addr"     db:"to_addr"`
	BridgeID   string          `json:"bridge_id"   db:"bridge_id"`
	Status     TransferStatus  `json:"status"      db:"status"`
	TxHash     string          `json:"tx_hash"     db:"tx_hash"`
	CreatedAt  time.Time       `json:"created_at"  db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"  db:"updated_at"`
}

// NewBridgeTransfer builds a PENDING transfer record from a request and the
// bridge's initiation result.
func NewBridgeTransfer(req BridgeTransferRequest, result BridgeTransferResult, now time.Time) *BridgeTransfer {
	return &BridgeTransfer{
		TransferID: result.TransferID,
		FromChain:  req.FromChain,
		ToChain:    req.ToChain,
		Token:      req.Token,
		Amount:     req.Amount,
		FromAddr:   req.FromAddr,
		ToAddr:     req.ToAddr,
		BridgeID:   result.BridgeID,
		Status:     TransferPending,
		TxHash:     result.TxHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
