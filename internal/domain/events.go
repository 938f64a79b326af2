package domain

import (
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Event topics
// ──────────────────────────────────────────────────────────────────────────────

// Topic names published to the event bus.  Payloads are entity snapshots at
// the moment of the transition they describe.
const (
	TopicDexRoutes       = "dex-routes"       // SwapRoute (best) on each aggregation
	TopicSwapExecutions  = "swap-executions"  // SwapResult, success or failure
	TopicBridgeTransfers = "bridge-transfers" // BridgeTransferResult on initiation
	TopicLendingEvents   = "lending-events"   // Envelope for generic subscribers
)

// Lending event types carried inside the lending-events envelope and also
// published as topics of their own.
const (
	EventPositionCreated  = "position.created"
	EventPositionRedeemed = "position.redeemed"
	EventPositionRenewed  = "position.renewed"
	EventLoanCreated      = "loan.created"
	EventLoanRepaid       = "loan.repaid"
	EventLoanLiquidated   = "loan.liquidated"
)

// ──────────────────────────────────────────────────────────────────────────────
// Envelope
// ──────────────────────────────────────────────────────────────────────────────

// Envelope is the generic wrapper published on TopicLendingEvents.
type Envelope struct {
	EventType string      `json:"eventType"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope wraps an entity snapshot for generic subscribers.
func NewEnvelope(eventType string, data interface{}, now time.Time) Envelope {
	return Envelope{EventType: eventType, Data: data, Timestamp: now}
}
