package model

import "time"

// RequestStatus mirrors the escrow state for read convenience. The escrow
// record is authoritative; the request status is a denormalized view.
type RequestStatus string

const (
	RequestStatusOpen      RequestStatus = "open"
	RequestStatusSelecting RequestStatus = "selecting" // winner selection in progress (barrier state)
	RequestStatusAssigned  RequestStatus = "assigned"
	RequestStatusCompleted RequestStatus = "completed" // result submitted, awaiting settlement
	RequestStatusSettled   RequestStatus = "settled"
	RequestStatusRefunded  RequestStatus = "refunded"
)

// Request is an inference task posted by a requester. Immutable after
// creation except for status and assignment fields.
type Request struct {
	ID        string `json:"id" bson:"_id"`
	Prompt    string `json:"prompt" bson:"prompt"`
	Category  string `json:"category" bson:"category"`
	ModelHint string `json:"model_hint,omitempty" bson:"model_hint,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" bson:"max_tokens,omitempty"`

	MaxPrice  string `json:"max_price" bson:"max_price"` // decimal as string
	Requester string `json:"requester" bson:"requester"`

	Status             RequestStatus `json:"status" bson:"status"`
	PendingWinnerBidID string        `json:"pending_winner_bid_id,omitempty" bson:"pending_winner_bid_id,omitempty"`
	AssignedBidID      string        `json:"assigned_bid_id,omitempty" bson:"assigned_bid_id,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

type BidStatus string

const (
	BidStatusPending BidStatus = "pending"
	BidStatusWon     BidStatus = "won"
	BidStatusLost    BidStatus = "lost"
)

// Bid is a provider's offer to fulfill a request at a stated price.
// At most one bid per (request, bidder) pair.
type Bid struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Bidder    string    `json:"bidder" bson:"bidder"`
	Model     string    `json:"model,omitempty" bson:"model,omitempty"`
	Price     string    `json:"price" bson:"price"` // decimal as string, 4 places
	Status    BidStatus `json:"status" bson:"status"`

	SubmittedAt time.Time `json:"submitted_at" bson:"submitted_at"`
}

type EscrowState string

const (
	EscrowCreated   EscrowState = "created"   // funds locked, waiting for bids
	EscrowAssigned  EscrowState = "assigned"  // winner selected, work in progress
	EscrowSubmitted EscrowState = "submitted" // result submitted, awaiting approval
	EscrowApproved  EscrowState = "approved"  // payment authorized, terminal
	EscrowDisputed  EscrowState = "disputed"  // challenge raised
	EscrowRefunded  EscrowState = "refunded"  // funds returned to requester, terminal
)

// HistoryEntry records one escrow mutation. The escrow history is
// append-only; replaying it from CREATED reconstructs the terminal state.
type HistoryEntry struct {
	Action string    `json:"action" bson:"action"`
	Time   time.Time `json:"time" bson:"time"`

	Amount            string `json:"amount,omitempty" bson:"amount,omitempty"`
	Bidder            string `json:"bidder,omitempty" bson:"bidder,omitempty"`
	Price             string `json:"price,omitempty" bson:"price,omitempty"`
	ResultRef         string `json:"result_ref,omitempty" bson:"result_ref,omitempty"`
	PaymentToBidder   string `json:"payment_to_bidder,omitempty" bson:"payment_to_bidder,omitempty"`
	RefundToRequester string `json:"refund_to_requester,omitempty" bson:"refund_to_requester,omitempty"`
	Reason            string `json:"reason,omitempty" bson:"reason,omitempty"`
	Validator         string `json:"validator,omitempty" bson:"validator,omitempty"`
	Decision          string `json:"decision,omitempty" bson:"decision,omitempty"`
}

// Escrow tracks locked funds for one request through to settlement.
// Exactly one escrow per request, keyed by the request id.
// Invariant: amount_paid <= amount_locked in every reachable state.
type Escrow struct {
	RequestID    string      `json:"request_id" bson:"_id"`
	Requester    string      `json:"requester" bson:"requester"`
	Bidder       string      `json:"bidder,omitempty" bson:"bidder,omitempty"`
	AmountLocked string      `json:"amount_locked" bson:"amount_locked"` // decimal as string
	AmountPaid   string      `json:"amount_paid" bson:"amount_paid"`     // decimal as string
	State        EscrowState `json:"state" bson:"state"`

	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty" bson:"assigned_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty" bson:"submitted_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`

	ResultRef     string `json:"result_ref,omitempty" bson:"result_ref,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty" bson:"dispute_reason,omitempty"`
	Validator     string `json:"validator,omitempty" bson:"validator,omitempty"`

	History []HistoryEntry `json:"history" bson:"history"`
}

// Release authorizes fund movement at settlement. The core never moves
// funds itself; the external payment executor consumes this.
type Release struct {
	PayeeID      string `json:"payee_id"`
	Amount       string `json:"amount"`        // decimal as string
	RefundAmount string `json:"refund_amount"` // decimal as string, back to requester
}

// JobOutcome is one entry in a bidder's bounded reputation history.
type JobOutcome struct {
	Time     time.Time `json:"time" bson:"time"`
	Category string    `json:"category" bson:"category"`
	Price    string    `json:"price" bson:"price"`
	Quality  float64   `json:"quality" bson:"quality"`
	Outcome  string    `json:"outcome" bson:"outcome"` // paid|slashed
}

// ReputationRecord is the per-bidder rolling aggregate. Counters are
// monotonic; history keeps the last N outcomes, oldest evicted first.
type ReputationRecord struct {
	Bidder         string           `json:"bidder" bson:"_id"`
	TotalJobs      int64            `json:"total_jobs" bson:"total_jobs"`
	TotalEarned    string           `json:"total_earned" bson:"total_earned"` // decimal as string
	AverageQuality float64          `json:"average_quality" bson:"average_quality"`
	JobsByCategory map[string]int64 `json:"jobs_by_category" bson:"jobs_by_category"`
	SlashCount     int64            `json:"slash_count" bson:"slash_count"`
	History        []JobOutcome     `json:"history" bson:"history"`
	UpdatedAt      time.Time        `json:"updated_at" bson:"updated_at"`
}

// ReconciliationFlag marks an approved escrow whose external payment
// execution failed. Settlement state is not rolled back; these flags are
// the manual follow-up queue.
type ReconciliationFlag struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	PayeeID   string    `json:"payee_id" bson:"payee_id"`
	Amount    string    `json:"amount" bson:"amount"`
	Refund    string    `json:"refund" bson:"refund"`
	Reason    string    `json:"reason" bson:"reason"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}
