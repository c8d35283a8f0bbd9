package events

import "time"

// Envelope wraps every published event.
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Data           map[string]any `json:"data"`
}

// Event type constants
const (
	// Escrow lifecycle
	EventEscrowCreated   = "escrow.created"
	EventEscrowAssigned  = "escrow.assigned"
	EventEscrowSubmitted = "escrow.submitted"
	EventEscrowApproved  = "escrow.approved"
	EventEscrowDisputed  = "escrow.disputed"
	EventEscrowRefunded  = "escrow.refunded"

	// Auction
	EventBidSubmitted   = "bid.submitted"
	EventWinnerSelected = "auction.winner_selected"

	// Settlement
	EventSettlementCompleted   = "settlement.completed"
	EventReconciliationFlagged = "settlement.reconciliation_flagged"
	EventReputationSlashed     = "reputation.slashed"
)
