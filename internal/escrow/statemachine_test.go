package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/aimarket-labs/aimarket/internal/events"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/shopspring/decimal"
)

func newTestMachine() (*StateMachine, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore()
	m := NewStateMachine(store, events.NewPublisher("test"), DefaultConfig())
	return m, store
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestLifecycleApprove(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	esc, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.5"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if esc.State != model.EscrowCreated || esc.AmountLocked != "0.5" || esc.AmountPaid != "0" {
		t.Fatalf("unexpected created escrow: %+v", esc)
	}

	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.05")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.SubmitResult(ctx, "req_1", "result://abc"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}

	release, err := m.Approve(ctx, "req_1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if release.PayeeID != "bidder_1" {
		t.Errorf("payee = %q, want bidder_1", release.PayeeID)
	}
	if release.Amount != "0.05" {
		t.Errorf("payment = %q, want 0.05", release.Amount)
	}
	if release.RefundAmount != "0.45" {
		t.Errorf("refund = %q, want 0.45", release.RefundAmount)
	}

	final, err := m.Get(ctx, "req_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != model.EscrowApproved {
		t.Errorf("state = %q, want approved", final.State)
	}
	if len(final.History) != 4 {
		t.Errorf("history length = %d, want 4", len(final.History))
	}
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	for _, amount := range []string{"0", "-1"} {
		if _, err := m.Create(ctx, "req_"+amount, "requester_1", mustDecimal(t, amount)); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Create(%s) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestAssignPriceExceedsLock(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.2"))
	if !errors.Is(err, ErrPriceExceedsLock) {
		t.Fatalf("Assign error = %v, want ErrPriceExceedsLock", err)
	}

	esc, _ := m.Get(ctx, "req_1")
	if esc.State != model.EscrowCreated || esc.Bidder != "" {
		t.Errorf("rejected assign mutated record: %+v", esc)
	}
}

func TestInvalidTransitionLeavesRecordUnchanged(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.5")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Approve straight from created must be rejected.
	if _, err := m.Approve(ctx, "req_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Approve error = %v, want ErrInvalidTransition", err)
	}
	if err := m.SubmitResult(ctx, "req_1", "result://x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SubmitResult error = %v, want ErrInvalidTransition", err)
	}

	esc, err := m.Get(ctx, "req_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if esc.State != model.EscrowCreated {
		t.Errorf("state = %q, want created", esc.State)
	}
	if len(esc.History) != 1 {
		t.Errorf("history length = %d, want 1", len(esc.History))
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.5")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Refund(ctx, "req_1", "expired"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.1")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Assign after refund error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Refund(ctx, "req_1", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double Refund error = %v, want ErrInvalidTransition", err)
	}
}

func TestDisputeResolveValid(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.3")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.SubmitResult(ctx, "req_1", "result://abc"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := m.Dispute(ctx, "req_1", "looks wrong", ""); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	esc, _ := m.Get(ctx, "req_1")
	if esc.Validator != "validator_001" {
		t.Errorf("validator = %q, want default validator_001", esc.Validator)
	}

	release, err := m.ResolveDispute(ctx, "req_1", true)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if release.PayeeID != "bidder_1" || release.Amount != "0.3" || release.RefundAmount != "0" {
		t.Errorf("unexpected release: %+v", release)
	}

	esc, _ = m.Get(ctx, "req_1")
	if esc.State != model.EscrowApproved {
		t.Errorf("state = %q, want approved", esc.State)
	}
}

func TestDisputeResolveInvalid(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.3")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.SubmitResult(ctx, "req_1", "result://abc"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := m.Dispute(ctx, "req_1", "garbage output", "validator_007"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	release, err := m.ResolveDispute(ctx, "req_1", false)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	// Full locked amount back to the requester, nothing to the bidder.
	if release.PayeeID != "requester_1" || release.Amount != "0" || release.RefundAmount != "1" {
		t.Errorf("unexpected release: %+v", release)
	}

	esc, _ := m.Get(ctx, "req_1")
	if esc.State != model.EscrowRefunded {
		t.Errorf("state = %q, want refunded", esc.State)
	}
	if esc.Validator != "validator_007" {
		t.Errorf("validator = %q, want validator_007", esc.Validator)
	}
}

func TestRefundFromAssignedClearsPayment(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.5")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.2")); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	refund, err := m.Refund(ctx, "req_1", "bidder timed out")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.String() != "0.5" {
		t.Errorf("refund = %s, want 0.5", refund)
	}

	esc, _ := m.Get(ctx, "req_1")
	if esc.State != model.EscrowRefunded || esc.AmountPaid != "0" {
		t.Errorf("unexpected refunded escrow: %+v", esc)
	}
}

func TestReplayRoundTrip(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.5")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.05")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.SubmitResult(ctx, "req_1", "result://abc"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if _, err := m.Approve(ctx, "req_1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	stored, err := m.Get(ctx, "req_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	replayed, err := Replay("req_1", stored.History)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.State != stored.State {
		t.Errorf("replayed state = %q, want %q", replayed.State, stored.State)
	}
	if replayed.AmountLocked != stored.AmountLocked || replayed.AmountPaid != stored.AmountPaid {
		t.Errorf("replayed amounts %s/%s, want %s/%s",
			replayed.AmountPaid, replayed.AmountLocked, stored.AmountPaid, stored.AmountLocked)
	}
	if replayed.Bidder != stored.Bidder || replayed.ResultRef != stored.ResultRef {
		t.Errorf("replayed fields: %+v", replayed)
	}
}

func TestReplayDisputedRefund(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Assign(ctx, "req_1", "bidder_1", mustDecimal(t, "0.3")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.SubmitResult(ctx, "req_1", "result://abc"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := m.Dispute(ctx, "req_1", "bad", ""); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if _, err := m.ResolveDispute(ctx, "req_1", false); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}

	stored, _ := m.Get(ctx, "req_1")
	replayed, err := Replay("req_1", stored.History)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.State != model.EscrowRefunded {
		t.Errorf("replayed state = %q, want refunded", replayed.State)
	}
}

func TestReplayRejectsOutOfOrderHistory(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Create(ctx, "req_1", "requester_1", mustDecimal(t, "0.5")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, _ := m.Get(ctx, "req_1")

	// submitted without an assignment in between
	bad := append(stored.History, model.HistoryEntry{Action: "submitted", Time: stored.CreatedAt, ResultRef: "result://x"})
	if _, err := Replay("req_1", bad); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Replay error = %v, want ErrInvalidTransition", err)
	}
}

func TestReplayEmptyHistory(t *testing.T) {
	if _, err := Replay("req_1", nil); err == nil {
		t.Fatal("Replay of empty history should fail")
	}
}
