// Package escrow owns the lifecycle of one escrow per request.
//
// States: created -> assigned -> submitted -> approved | disputed,
// disputed -> approved | refunded. Refunded is also reachable directly from
// created or assigned (cancellation/timeout). Approved and refunded are
// terminal. Every mutating operation validates the current state, appends
// exactly one history entry, and commits under optimistic concurrency.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aimarket-labs/aimarket/internal/events"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/metrics"
	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrPriceExceedsLock  = errors.New("price exceeds locked amount")
)

// InvalidTransitionError names the expected and actual state of a rejected
// operation. It matches ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	Op       string
	Expected []model.EscrowState
	Actual   model.EscrowState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow %s: expected state %v, actual %q", e.Op, e.Expected, e.Actual)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Config is passed at construction; the state machine holds no ambient
// mutable configuration.
type Config struct {
	// DefaultValidator is assigned to disputes when the caller supplies none.
	DefaultValidator string
	Retry            ledger.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		DefaultValidator: "validator_001",
		Retry:            ledger.DefaultRetry(),
	}
}

// StateMachine enforces legal escrow transitions and records history. It is
// synchronous and stateless between calls; retries on version conflicts are
// bounded by the configured budget.
type StateMachine struct {
	store  ledger.Store
	events *events.Publisher
	cfg    Config
	now    func() time.Time
}

func NewStateMachine(store ledger.Store, pub *events.Publisher, cfg Config) *StateMachine {
	return &StateMachine{
		store:  store,
		events: pub,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Create locks amount for a request and opens the escrow in state created.
func (m *StateMachine) Create(ctx context.Context, requestID, requester string, amount decimal.Decimal) (model.Escrow, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		observe("escrow_create", ErrInvalidAmount)
		return model.Escrow{}, ErrInvalidAmount
	}

	now := m.now().UTC()
	esc := model.Escrow{
		RequestID:    requestID,
		Requester:    requester,
		AmountLocked: amount.String(),
		AmountPaid:   "0",
		State:        model.EscrowCreated,
		CreatedAt:    now,
		History: []model.HistoryEntry{
			{Action: "created", Time: now, Amount: amount.String()},
		},
	}

	if err := m.store.CreateEscrow(ctx, esc); err != nil {
		observe("escrow_create", err)
		return model.Escrow{}, err
	}

	observe("escrow_create", nil)
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowCreated)).Inc()
	slog.InfoContext(ctx, "escrow_created", "request_id", requestID, "amount_locked", esc.AmountLocked)
	_ = m.events.Publish(ctx, events.EventEscrowCreated, map[string]any{
		"request_id":    requestID,
		"requester":     requester,
		"amount_locked": esc.AmountLocked,
	})
	return esc, nil
}

// Assign moves created -> assigned, setting the bidder and the price that
// will be paid. amount_paid is set exactly once here.
func (m *StateMachine) Assign(ctx context.Context, requestID, bidder string, price decimal.Decimal) error {
	esc, err := m.transition(ctx, requestID, "assign", []model.EscrowState{model.EscrowCreated},
		func(esc *model.Escrow, now time.Time) error {
			locked, err := decimal.NewFromString(esc.AmountLocked)
			if err != nil {
				return fmt.Errorf("parse amount_locked: %w", err)
			}
			if price.IsNegative() {
				return ErrInvalidAmount
			}
			if price.GreaterThan(locked) {
				return ErrPriceExceedsLock
			}
			esc.Bidder = bidder
			esc.AmountPaid = price.String()
			esc.State = model.EscrowAssigned
			esc.AssignedAt = &now
			esc.History = append(esc.History, model.HistoryEntry{
				Action: "assigned", Time: now, Bidder: bidder, Price: price.String(),
			})
			return nil
		})
	observe("escrow_assign", err)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "escrow_assigned", "request_id", requestID, "bidder", bidder, "price", esc.AmountPaid)
	_ = m.events.Publish(ctx, events.EventEscrowAssigned, map[string]any{
		"request_id": requestID,
		"bidder":     bidder,
		"price":      esc.AmountPaid,
	})
	return nil
}

// SubmitResult moves assigned -> submitted, recording the result reference.
func (m *StateMachine) SubmitResult(ctx context.Context, requestID, resultRef string) error {
	esc, err := m.transition(ctx, requestID, "submit_result", []model.EscrowState{model.EscrowAssigned},
		func(esc *model.Escrow, now time.Time) error {
			esc.ResultRef = resultRef
			esc.State = model.EscrowSubmitted
			esc.SubmittedAt = &now
			esc.History = append(esc.History, model.HistoryEntry{
				Action: "submitted", Time: now, ResultRef: resultRef,
			})
			return nil
		})
	observe("escrow_submit_result", err)
	if err != nil {
		return err
	}

	m.mirrorRequestStatus(ctx, requestID, model.RequestStatusCompleted)
	slog.InfoContext(ctx, "result_submitted", "request_id", requestID, "result_ref", resultRef)
	_ = m.events.Publish(ctx, events.EventEscrowSubmitted, map[string]any{
		"request_id": requestID,
		"bidder":     esc.Bidder,
		"result_ref": resultRef,
	})
	return nil
}

// Approve moves submitted -> approved and returns the release the external
// payment executor must carry out. No funds move here; approval only
// authorizes the release.
func (m *StateMachine) Approve(ctx context.Context, requestID string) (model.Release, error) {
	var release model.Release
	esc, err := m.transition(ctx, requestID, "approve", []model.EscrowState{model.EscrowSubmitted},
		func(esc *model.Escrow, now time.Time) error {
			paid, locked, err := amounts(esc)
			if err != nil {
				return err
			}
			refund := locked.Sub(paid)
			esc.State = model.EscrowApproved
			esc.ResolvedAt = &now
			esc.History = append(esc.History, model.HistoryEntry{
				Action: "approved", Time: now,
				PaymentToBidder:   paid.String(),
				RefundToRequester: refund.String(),
			})
			release = model.Release{
				PayeeID:      esc.Bidder,
				Amount:       paid.String(),
				RefundAmount: refund.String(),
			}
			return nil
		})
	observe("escrow_approve", err)
	if err != nil {
		return model.Release{}, err
	}

	m.mirrorRequestStatus(ctx, requestID, model.RequestStatusSettled)
	slog.InfoContext(ctx, "escrow_approved",
		"request_id", requestID,
		"bidder", esc.Bidder,
		"payment", release.Amount,
		"refund", release.RefundAmount,
	)
	_ = m.events.Publish(ctx, events.EventEscrowApproved, map[string]any{
		"request_id": requestID,
		"bidder":     esc.Bidder,
		"payment":    release.Amount,
		"refund":     release.RefundAmount,
	})
	return release, nil
}

// Dispute moves submitted -> disputed. Validator selection policy belongs to
// the caller; an empty validator falls back to the configured default.
func (m *StateMachine) Dispute(ctx context.Context, requestID, reason, validator string) error {
	if validator == "" {
		validator = m.cfg.DefaultValidator
	}
	esc, err := m.transition(ctx, requestID, "dispute", []model.EscrowState{model.EscrowSubmitted},
		func(esc *model.Escrow, now time.Time) error {
			esc.State = model.EscrowDisputed
			esc.DisputeReason = reason
			esc.Validator = validator
			esc.History = append(esc.History, model.HistoryEntry{
				Action: "disputed", Time: now, Reason: reason, Validator: validator,
			})
			return nil
		})
	observe("escrow_dispute", err)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "escrow_disputed", "request_id", requestID, "reason", reason, "validator", esc.Validator)
	_ = m.events.Publish(ctx, events.EventEscrowDisputed, map[string]any{
		"request_id": requestID,
		"reason":     reason,
		"validator":  esc.Validator,
	})
	return nil
}

// ResolveDispute moves disputed -> approved (bidder was right: paid, no
// refund attributable to the dispute) or disputed -> refunded (requester was
// right: full amount_locked back, bidder flagged for slashing).
func (m *StateMachine) ResolveDispute(ctx context.Context, requestID string, valid bool) (model.Release, error) {
	var release model.Release
	esc, err := m.transition(ctx, requestID, "resolve_dispute", []model.EscrowState{model.EscrowDisputed},
		func(esc *model.Escrow, now time.Time) error {
			paid, locked, err := amounts(esc)
			if err != nil {
				return err
			}
			esc.ResolvedAt = &now
			if valid {
				esc.State = model.EscrowApproved
				esc.History = append(esc.History, model.HistoryEntry{
					Action: "resolved", Time: now, Decision: "valid",
					PaymentToBidder:   paid.String(),
					RefundToRequester: "0",
				})
				release = model.Release{PayeeID: esc.Bidder, Amount: paid.String(), RefundAmount: "0"}
				return nil
			}
			esc.State = model.EscrowRefunded
			esc.History = append(esc.History, model.HistoryEntry{
				Action: "resolved", Time: now, Decision: "invalid",
				PaymentToBidder:   "0",
				RefundToRequester: locked.String(),
			})
			release = model.Release{PayeeID: esc.Requester, Amount: "0", RefundAmount: locked.String()}
			return nil
		})
	observe("escrow_resolve_dispute", err)
	if err != nil {
		return model.Release{}, err
	}

	status := model.RequestStatusSettled
	if esc.State == model.EscrowRefunded {
		status = model.RequestStatusRefunded
	}
	m.mirrorRequestStatus(ctx, requestID, status)

	slog.InfoContext(ctx, "dispute_resolved",
		"request_id", requestID,
		"valid", valid,
		"payment", release.Amount,
		"refund", release.RefundAmount,
	)
	eventType := events.EventEscrowApproved
	if esc.State == model.EscrowRefunded {
		eventType = events.EventEscrowRefunded
	}
	_ = m.events.Publish(ctx, eventType, map[string]any{
		"request_id": requestID,
		"decision":   map[bool]string{true: "valid", false: "invalid"}[valid],
		"payment":    release.Amount,
		"refund":     release.RefundAmount,
	})
	return release, nil
}

// Refund cancels from created or assigned and returns the full locked
// amount to the requester. No payment has been authorized on these paths.
func (m *StateMachine) Refund(ctx context.Context, requestID, reason string) (decimal.Decimal, error) {
	var refund decimal.Decimal
	esc, err := m.transition(ctx, requestID, "refund",
		[]model.EscrowState{model.EscrowCreated, model.EscrowAssigned},
		func(esc *model.Escrow, now time.Time) error {
			_, locked, err := amounts(esc)
			if err != nil {
				return err
			}
			refund = locked
			esc.State = model.EscrowRefunded
			esc.ResolvedAt = &now
			// Cancellation voids the assignment; nothing is owed to the bidder.
			esc.AmountPaid = "0"
			esc.History = append(esc.History, model.HistoryEntry{
				Action: "refunded", Time: now, Reason: reason, Amount: locked.String(),
			})
			return nil
		})
	observe("escrow_refund", err)
	if err != nil {
		return decimal.Zero, err
	}

	m.mirrorRequestStatus(ctx, requestID, model.RequestStatusRefunded)
	slog.InfoContext(ctx, "escrow_refunded", "request_id", requestID, "reason", reason, "refund", refund.String())
	_ = m.events.Publish(ctx, events.EventEscrowRefunded, map[string]any{
		"request_id": requestID,
		"requester":  esc.Requester,
		"reason":     reason,
		"refund":     refund.String(),
	})
	return refund, nil
}

// Get returns the current escrow record.
func (m *StateMachine) Get(ctx context.Context, requestID string) (model.Escrow, error) {
	esc, _, err := m.store.GetEscrow(ctx, requestID)
	return esc, err
}

// transition runs one validate-then-mutate cycle under the conflict retry
// budget. On a state mismatch the record is left unchanged and the caller
// gets an InvalidTransitionError; it never silently no-ops.
func (m *StateMachine) transition(ctx context.Context, requestID, op string, allowed []model.EscrowState, mutate func(*model.Escrow, time.Time) error) (model.Escrow, error) {
	var out model.Escrow
	err := ledger.WithRetry(ctx, m.cfg.Retry, func() error {
		esc, ver, err := m.store.GetEscrow(ctx, requestID)
		if err != nil {
			return err
		}
		if !slices.Contains(allowed, esc.State) {
			return &InvalidTransitionError{Op: op, Expected: allowed, Actual: esc.State}
		}
		if err := mutate(&esc, m.now().UTC()); err != nil {
			return err
		}
		if err := checkInvariant(&esc); err != nil {
			return err
		}
		if err := m.store.UpdateEscrow(ctx, esc, ver); err != nil {
			return err
		}
		out = esc
		return nil
	})
	if err == nil {
		metrics.EscrowTransitions.WithLabelValues(string(out.State)).Inc()
	}
	return out, err
}

// checkInvariant guards amount_paid <= amount_locked after every mutation.
func checkInvariant(esc *model.Escrow) error {
	paid, locked, err := amounts(esc)
	if err != nil {
		return err
	}
	if paid.GreaterThan(locked) {
		return fmt.Errorf("escrow %s: amount_paid %s exceeds amount_locked %s: %w",
			esc.RequestID, paid, locked, ErrInvalidAmount)
	}
	return nil
}

func amounts(esc *model.Escrow) (paid, locked decimal.Decimal, err error) {
	paid, err = decimal.NewFromString(esc.AmountPaid)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse amount_paid: %w", err)
	}
	locked, err = decimal.NewFromString(esc.AmountLocked)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse amount_locked: %w", err)
	}
	return paid, locked, nil
}

// mirrorRequestStatus denormalizes the escrow state onto the request record
// for read convenience. The escrow stays authoritative; a failed mirror is
// logged and not surfaced.
func (m *StateMachine) mirrorRequestStatus(ctx context.Context, requestID string, status model.RequestStatus) {
	err := ledger.WithRetry(ctx, m.cfg.Retry, func() error {
		req, ver, err := m.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == status {
			return nil
		}
		req.Status = status
		return m.store.UpdateRequest(ctx, req, ver)
	})
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		slog.WarnContext(ctx, "request_status_mirror_failed", "request_id", requestID, "status", status, "error", err)
	}
}

func observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrPriceExceedsLock),
		errors.Is(err, ledger.ErrExists),
		errors.Is(err, ledger.ErrNotFound):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
}
