// Package settlement drives escrows from submitted to their terminal state:
// automated quality validation, payment release, reputation updates, and
// reconciliation flags for failed payouts.
package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aimarket-labs/aimarket/internal/escrow"
	"github.com/aimarket-labs/aimarket/internal/events"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/metrics"
	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/aimarket-labs/aimarket/internal/quality"
	"github.com/aimarket-labs/aimarket/internal/reputation"
	"github.com/shopspring/decimal"
)

// ErrManualReview reports that automated validation could not decide; the
// escrow stays in submitted for a human call.
var ErrManualReview = errors.New("settlement requires manual review")

// PaymentExecutor carries out an authorized release against the external
// payment system. Execution happens after the escrow transition commits;
// a failure flags the release for reconciliation instead of rolling back.
type PaymentExecutor interface {
	Execute(ctx context.Context, requestID string, release model.Release) error
}

// LogExecutor is the default executor: it records the release and succeeds.
// Production deployments swap in a real payment adapter.
type LogExecutor struct{}

func (LogExecutor) Execute(ctx context.Context, requestID string, release model.Release) error {
	slog.InfoContext(ctx, "payment_executed",
		"request_id", requestID,
		"payee", release.PayeeID,
		"amount", release.Amount,
		"refund", release.RefundAmount,
	)
	return nil
}

// Result reports what a settlement attempt did.
type Result struct {
	Action  string          `json:"action"` // approved | disputed | manual_review
	Report  *quality.Report `json:"report,omitempty"`
	Release *model.Release  `json:"release,omitempty"`
}

// Coordinator sequences settlement. Escrow transitions commit first; side
// effects (payment, reputation, events) follow and never undo a committed
// transition.
type Coordinator struct {
	store     ledger.Store
	escrow    *escrow.StateMachine
	validator *quality.Validator
	tracker   *reputation.Tracker
	executor  PaymentExecutor
	events    *events.Publisher
	now       func() time.Time
}

func NewCoordinator(store ledger.Store, sm *escrow.StateMachine, v *quality.Validator, t *reputation.Tracker, exec PaymentExecutor, pub *events.Publisher) *Coordinator {
	if exec == nil {
		exec = LogExecutor{}
	}
	return &Coordinator{
		store:     store,
		escrow:    sm,
		validator: v,
		tracker:   t,
		executor:  exec,
		events:    pub,
		now:       time.Now,
	}
}

// Settle validates the submitted result and acts on the recommendation:
// approve settles and pays, reject and dispute open a dispute, manual
// review leaves the escrow in submitted and returns ErrManualReview.
func (c *Coordinator) Settle(ctx context.Context, requestID, response string) (Result, error) {
	req, _, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	esc, _, err := c.store.GetEscrow(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if esc.State != model.EscrowSubmitted {
		return Result{}, &escrow.InvalidTransitionError{
			Op: "settle", Expected: []model.EscrowState{model.EscrowSubmitted}, Actual: esc.State,
		}
	}

	report := c.validator.Validate(req.Prompt, response, req.Category)
	slog.InfoContext(ctx, "result_validated",
		"request_id", requestID,
		"quality", report.Quality,
		"recommendation", string(report.Recommendation),
	)

	switch report.Recommendation {
	case quality.RecommendApprove:
		release, err := c.approve(ctx, requestID, report.Quality)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: "approved", Report: &report, Release: &release}, nil

	case quality.RecommendReject, quality.RecommendDispute:
		reason := "Auto-validation failed: quality below threshold"
		if len(report.Notes) > 0 {
			reason = "Auto-validation failed: " + strings.Join(report.Notes, "; ")
		}
		if err := c.escrow.Dispute(ctx, requestID, reason, ""); err != nil {
			return Result{}, err
		}
		return Result{Action: "disputed", Report: &report}, nil

	default:
		return Result{Action: "manual_review", Report: &report}, ErrManualReview
	}
}

// Approve is the requester's manual approval. A hand-approved result counts
// as full quality in the bidder's record.
func (c *Coordinator) Approve(ctx context.Context, requestID string) (model.Release, error) {
	return c.approve(ctx, requestID, 1.0)
}

func (c *Coordinator) approve(ctx context.Context, requestID string, qualityScore float64) (model.Release, error) {
	esc, _, err := c.store.GetEscrow(ctx, requestID)
	if err != nil {
		return model.Release{}, err
	}

	release, err := c.escrow.Approve(ctx, requestID)
	if err != nil {
		return model.Release{}, err
	}

	c.executeRelease(ctx, requestID, release)
	c.recordJob(ctx, esc, qualityScore)

	_ = c.events.Publish(ctx, events.EventSettlementCompleted, map[string]any{
		"request_id": requestID,
		"payee":      release.PayeeID,
		"payment":    release.Amount,
		"refund":     release.RefundAmount,
		"quality":    qualityScore,
	})
	return release, nil
}

// Dispute opens a dispute on a submitted result on the requester's behalf.
func (c *Coordinator) Dispute(ctx context.Context, requestID, reason, validator string) error {
	return c.escrow.Dispute(ctx, requestID, reason, validator)
}

// ResolveDispute settles a disputed escrow. A valid result pays the bidder
// and records the job at the given quality; an invalid one refunds the
// requester in full and slashes the bidder.
func (c *Coordinator) ResolveDispute(ctx context.Context, requestID string, valid bool, qualityScore float64) (model.Release, error) {
	esc, _, err := c.store.GetEscrow(ctx, requestID)
	if err != nil {
		return model.Release{}, err
	}

	release, err := c.escrow.ResolveDispute(ctx, requestID, valid)
	if err != nil {
		return model.Release{}, err
	}

	c.executeRelease(ctx, requestID, release)

	req, _, reqErr := c.store.GetRequest(ctx, requestID)
	category := req.Category
	if reqErr != nil {
		category = "general"
	}
	if valid {
		c.recordJob(ctx, esc, qualityScore)
	} else {
		if _, err := c.tracker.RecordSlash(ctx, esc.Bidder, category, esc.DisputeReason); err != nil {
			slog.WarnContext(ctx, "slash_record_failed", "request_id", requestID, "bidder", esc.Bidder, "error", err)
		}
		_ = c.events.Publish(ctx, events.EventReputationSlashed, map[string]any{
			"request_id": requestID,
			"bidder":     esc.Bidder,
			"reason":     esc.DisputeReason,
		})
	}

	_ = c.events.Publish(ctx, events.EventSettlementCompleted, map[string]any{
		"request_id": requestID,
		"payee":      release.PayeeID,
		"payment":    release.Amount,
		"refund":     release.RefundAmount,
		"valid":      valid,
	})
	return release, nil
}

// executeRelease runs the external payout after the escrow transition has
// committed. Failure is flagged for reconciliation, never rolled back.
func (c *Coordinator) executeRelease(ctx context.Context, requestID string, release model.Release) {
	err := c.executor.Execute(ctx, requestID, release)
	if err == nil {
		return
	}

	metrics.PaymentFailures.Inc()
	flag := model.ReconciliationFlag{
		ID:        "rec_" + randomHex(8),
		RequestID: requestID,
		PayeeID:   release.PayeeID,
		Amount:    release.Amount,
		Refund:    release.RefundAmount,
		Reason:    err.Error(),
		CreatedAt: c.now().UTC(),
	}
	if saveErr := c.store.SaveReconciliation(ctx, flag); saveErr != nil {
		slog.ErrorContext(ctx, "reconciliation_flag_lost",
			"request_id", requestID, "payment_error", err, "save_error", saveErr)
		return
	}

	slog.WarnContext(ctx, "payment_failed_flagged",
		"request_id", requestID,
		"flag_id", flag.ID,
		"payee", release.PayeeID,
		"amount", release.Amount,
		"error", err,
	)
	_ = c.events.Publish(ctx, events.EventReconciliationFlagged, map[string]any{
		"request_id": requestID,
		"flag_id":    flag.ID,
		"payee":      release.PayeeID,
		"amount":     release.Amount,
	})
}

func (c *Coordinator) recordJob(ctx context.Context, esc model.Escrow, qualityScore float64) {
	price, err := decimal.NewFromString(esc.AmountPaid)
	if err != nil {
		slog.WarnContext(ctx, "reputation_record_skipped", "request_id", esc.RequestID, "error", err)
		return
	}
	req, _, err := c.store.GetRequest(ctx, esc.RequestID)
	category := "general"
	if err == nil && req.Category != "" {
		category = req.Category
	}
	if _, err := c.tracker.RecordJob(ctx, esc.Bidder, category, price, qualityScore); err != nil {
		slog.WarnContext(ctx, "reputation_record_failed",
			"request_id", esc.RequestID, "bidder", esc.Bidder, "error", err)
	}
}

// ListReconciliations returns the open manual follow-up queue.
func (c *Coordinator) ListReconciliations(ctx context.Context) ([]model.ReconciliationFlag, error) {
	return c.store.ListReconciliations(ctx)
}

// Validate scores a response without touching any escrow. Exposed for the
// dry-run validation endpoint and the CLI.
func (c *Coordinator) Validate(prompt, response, category string) quality.Report {
	return c.validator.Validate(prompt, response, category)
}

// SubmitResult records the bidder's result against the escrow.
func (c *Coordinator) SubmitResult(ctx context.Context, requestID, resultRef string) error {
	return c.escrow.SubmitResult(ctx, requestID, resultRef)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
