package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aimarket-labs/aimarket/internal/escrow"
	"github.com/aimarket-labs/aimarket/internal/events"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/aimarket-labs/aimarket/internal/quality"
	"github.com/aimarket-labs/aimarket/internal/reputation"
	"github.com/shopspring/decimal"
)

const goodCodeResponse = "Here's how to reverse a string in Python using a simple function.\n\n" +
	"```python\ndef reverse_string(s):\n    return s[::-1]\n```\n\n" +
	"The slice notation steps backwards through the sequence, so the function " +
	"handles empty strings and unicode text without any extra work and simply " +
	"returns the reversed result."

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, requestID string, release model.Release) error {
	return errors.New("payment rail down")
}

type fixture struct {
	store   *ledger.MemoryStore
	coord   *Coordinator
	sm      *escrow.StateMachine
	tracker *reputation.Tracker
}

func newFixture(t *testing.T, exec PaymentExecutor) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	pub := events.NewPublisher("test")
	sm := escrow.NewStateMachine(store, pub, escrow.DefaultConfig())
	tracker := reputation.NewTracker(store)
	validator := quality.NewValidator(quality.DefaultThresholds())
	return &fixture{
		store:   store,
		coord:   NewCoordinator(store, sm, validator, tracker, exec, pub),
		sm:      sm,
		tracker: tracker,
	}
}

// seedSubmitted creates a request with its escrow driven to submitted.
func (f *fixture) seedSubmitted(t *testing.T, requestID, category string) {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	req := model.Request{
		ID:        requestID,
		Prompt:    "Write a Python function to reverse a string",
		Category:  category,
		MaxPrice:  "0.5",
		Requester: "requester_1",
		Status:    model.RequestStatusAssigned,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := f.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	lock, _ := decimal.NewFromString("0.5")
	price, _ := decimal.NewFromString("0.05")
	if _, err := f.sm.Create(ctx, requestID, "requester_1", lock); err != nil {
		t.Fatalf("escrow Create: %v", err)
	}
	if err := f.sm.Assign(ctx, requestID, "alice", price); err != nil {
		t.Fatalf("escrow Assign: %v", err)
	}
	if err := f.sm.SubmitResult(ctx, requestID, "result://abc"); err != nil {
		t.Fatalf("escrow SubmitResult: %v", err)
	}
}

func TestSettleApprovesGoodResult(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubmitted(t, "req_1", "code")
	ctx := context.Background()

	result, err := f.coord.Settle(ctx, "req_1", goodCodeResponse)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Action != "approved" {
		t.Fatalf("action = %q, want approved (quality %.3f)", result.Action, result.Report.Quality)
	}
	if result.Release.PayeeID != "alice" || result.Release.Amount != "0.05" || result.Release.RefundAmount != "0.45" {
		t.Errorf("unexpected release: %+v", result.Release)
	}

	esc, _, _ := f.store.GetEscrow(ctx, "req_1")
	if esc.State != model.EscrowApproved {
		t.Errorf("escrow state = %q, want approved", esc.State)
	}

	rec, err := f.tracker.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("tracker Get: %v", err)
	}
	if rec.TotalJobs != 1 || rec.TotalEarned != "0.05" {
		t.Errorf("unexpected reputation: %+v", rec)
	}
	if rec.AverageQuality != result.Report.Quality {
		t.Errorf("recorded quality %.3f, want validator's %.3f", rec.AverageQuality, result.Report.Quality)
	}
}

func TestSettleDisputesBadResult(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubmitted(t, "req_1", "general")
	ctx := context.Background()

	result, err := f.coord.Settle(ctx, "req_1", "No.")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Action != "disputed" {
		t.Fatalf("action = %q, want disputed (quality %.3f)", result.Action, result.Report.Quality)
	}

	esc, _, _ := f.store.GetEscrow(ctx, "req_1")
	if esc.State != model.EscrowDisputed {
		t.Fatalf("escrow state = %q, want disputed", esc.State)
	}
	if esc.DisputeReason == "" {
		t.Error("dispute reason should carry the validation notes")
	}

	// No reputation entry until the dispute resolves.
	if _, err := f.tracker.Get(ctx, "alice"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("tracker Get err = %v, want ErrNotFound", err)
	}
}

func TestSettleManualReviewLeavesEscrowSubmitted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	req := model.Request{
		ID:        "req_1",
		Prompt:    "Explain how garbage collection works in the Go runtime memory allocator",
		Category:  "general",
		MaxPrice:  "0.5",
		Requester: "requester_1",
		Status:    model.RequestStatusAssigned,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := f.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	lock, _ := decimal.NewFromString("0.5")
	price, _ := decimal.NewFromString("0.05")
	if _, err := f.sm.Create(ctx, "req_1", "requester_1", lock); err != nil {
		t.Fatalf("escrow Create: %v", err)
	}
	if err := f.sm.Assign(ctx, "req_1", "alice", price); err != nil {
		t.Fatalf("escrow Assign: %v", err)
	}
	if err := f.sm.SubmitResult(ctx, "req_1", "result://abc"); err != nil {
		t.Fatalf("escrow SubmitResult: %v", err)
	}

	// Mid-band: partially relevant, short, trails off.
	response := "The system frees unused memory automatically in the background so you don't worry..."
	result, err := f.coord.Settle(ctx, "req_1", response)
	if !errors.Is(err, ErrManualReview) {
		t.Fatalf("Settle err = %v, want ErrManualReview (quality %.3f)", err, result.Report.Quality)
	}
	if result.Action != "manual_review" {
		t.Errorf("action = %q, want manual_review", result.Action)
	}

	esc, _, _ := f.store.GetEscrow(ctx, "req_1")
	if esc.State != model.EscrowSubmitted {
		t.Errorf("escrow state = %q, want submitted", esc.State)
	}
}

func TestSettleRejectsWrongState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	lock, _ := decimal.NewFromString("0.5")
	if _, err := f.sm.Create(ctx, "req_1", "requester_1", lock); err != nil {
		t.Fatalf("escrow Create: %v", err)
	}
	now := time.Now().UTC()
	req := model.Request{
		ID: "req_1", Prompt: "p", Category: "general", MaxPrice: "0.5",
		Requester: "requester_1", Status: model.RequestStatusOpen,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := f.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if _, err := f.coord.Settle(ctx, "req_1", "anything"); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("Settle err = %v, want ErrInvalidTransition", err)
	}
}

func TestResolveDisputeInvalidRefundsAndSlashes(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubmitted(t, "req_1", "code")
	ctx := context.Background()

	if err := f.coord.Dispute(ctx, "req_1", "output is wrong", ""); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	release, err := f.coord.ResolveDispute(ctx, "req_1", false, 0)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if release.PayeeID != "requester_1" || release.RefundAmount != "0.5" || release.Amount != "0" {
		t.Errorf("unexpected release: %+v", release)
	}

	esc, _, _ := f.store.GetEscrow(ctx, "req_1")
	if esc.State != model.EscrowRefunded {
		t.Errorf("escrow state = %q, want refunded", esc.State)
	}

	rec, err := f.tracker.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("tracker Get: %v", err)
	}
	if rec.SlashCount != 1 || rec.TotalJobs != 0 {
		t.Errorf("unexpected reputation: %+v", rec)
	}
}

func TestResolveDisputeValidPaysAndRecordsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubmitted(t, "req_1", "code")
	ctx := context.Background()

	if err := f.coord.Dispute(ctx, "req_1", "spurious complaint", ""); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	release, err := f.coord.ResolveDispute(ctx, "req_1", true, 0.7)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if release.PayeeID != "alice" || release.Amount != "0.05" {
		t.Errorf("unexpected release: %+v", release)
	}

	rec, err := f.tracker.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("tracker Get: %v", err)
	}
	if rec.TotalJobs != 1 || rec.AverageQuality != 0.7 || rec.SlashCount != 0 {
		t.Errorf("unexpected reputation: %+v", rec)
	}
}

func TestPaymentFailureFlagsReconciliation(t *testing.T) {
	f := newFixture(t, failingExecutor{})
	f.seedSubmitted(t, "req_1", "code")
	ctx := context.Background()

	release, err := f.coord.Approve(ctx, "req_1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if release.PayeeID != "alice" {
		t.Errorf("payee = %q, want alice", release.PayeeID)
	}

	// Settlement state stands despite the payment failure.
	esc, _, _ := f.store.GetEscrow(ctx, "req_1")
	if esc.State != model.EscrowApproved {
		t.Errorf("escrow state = %q, want approved", esc.State)
	}

	flags, err := f.coord.ListReconciliations(ctx)
	if err != nil {
		t.Fatalf("ListReconciliations: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("reconciliation flags = %d, want 1", len(flags))
	}
	if flags[0].RequestID != "req_1" || flags[0].PayeeID != "alice" || flags[0].Amount != "0.05" {
		t.Errorf("unexpected flag: %+v", flags[0])
	}
}

func TestValidateDryRunTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	report := f.coord.Validate("Write a Python function to reverse a string", goodCodeResponse, "code")
	if report.Recommendation != quality.RecommendApprove {
		t.Errorf("recommendation = %q, want approve", report.Recommendation)
	}
}
