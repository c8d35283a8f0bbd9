package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreRequestRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	req := testRequest("req_1")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.CreateRequest(ctx, req); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create err = %v, want ErrExists", err)
	}

	got, ver, err := s.GetRequest(ctx, "req_1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if ver != 1 || got.Prompt != req.Prompt || got.MaxPrice != req.MaxPrice {
		t.Errorf("got %+v v%d", got, ver)
	}

	got.Status = model.RequestStatusSelecting
	if err := s.UpdateRequest(ctx, got, ver); err != nil {
		t.Fatalf("UpdateRequest: %v", err)
	}
	if err := s.UpdateRequest(ctx, got, ver); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}

	if _, _, err := s.GetRequest(ctx, "req_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get err = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreListOpenRequests(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	open := testRequest("req_open")
	assigned := testRequest("req_assigned")
	assigned.Status = model.RequestStatusAssigned
	selecting := testRequest("req_selecting")
	selecting.Status = model.RequestStatusSelecting

	for _, r := range []model.Request{open, assigned, selecting} {
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("CreateRequest %s: %v", r.ID, err)
		}
	}

	got, err := s.ListOpenRequests(ctx, open.CreatedAt)
	if err != nil {
		t.Fatalf("ListOpenRequests: %v", err)
	}
	if len(got) != 1 || got[0].ID != "req_open" {
		t.Errorf("open = %+v, want only req_open", got)
	}

	stuck, err := s.ListRequestsByStatus(ctx, model.RequestStatusSelecting)
	if err != nil {
		t.Fatalf("ListRequestsByStatus: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "req_selecting" {
		t.Errorf("selecting = %+v, want only req_selecting", stuck)
	}
}

func TestRedisStoreBidPairGuard(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	bid := model.Bid{ID: "bid_1", RequestID: "req_1", Bidder: "alice", Price: "0.05", Status: model.BidStatusPending}
	if err := s.CreateBid(ctx, bid); err != nil {
		t.Fatalf("CreateBid: %v", err)
	}

	dup := model.Bid{ID: "bid_2", RequestID: "req_1", Bidder: "alice", Price: "0.04", Status: model.BidStatusPending}
	if err := s.CreateBid(ctx, dup); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate pair err = %v, want ErrExists", err)
	}

	bids, err := s.ListBidsByRequest(ctx, "req_1")
	if err != nil {
		t.Fatalf("ListBidsByRequest: %v", err)
	}
	if len(bids) != 1 || bids[0].ID != "bid_1" {
		t.Errorf("bids = %+v, want only bid_1", bids)
	}

	// The rejected duplicate leaves no record, and the stored bid carries a
	// regular versioned envelope.
	if _, _, err := s.GetBid(ctx, "bid_2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected bid get err = %v, want ErrNotFound", err)
	}
	got, ver, err := s.GetBid(ctx, "bid_1")
	if err != nil || ver != 1 {
		t.Fatalf("GetBid: bid=%+v ver=%d err=%v, want version 1", got, ver, err)
	}
	got.Status = model.BidStatusWon
	if err := s.UpdateBid(ctx, got, ver); err != nil {
		t.Fatalf("UpdateBid: %v", err)
	}
	fresh, ver, _ := s.GetBid(ctx, "bid_1")
	if fresh.Status != model.BidStatusWon || ver != 2 {
		t.Errorf("bid = %+v v%d, want won at version 2", fresh, ver)
	}
}

func TestRedisStoreEscrowVersioning(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	esc := model.Escrow{
		RequestID:    "req_1",
		Requester:    "requester_1",
		AmountLocked: "0.5",
		AmountPaid:   "0",
		State:        model.EscrowCreated,
		History:      []model.HistoryEntry{{Action: "created", Amount: "0.5"}},
	}
	if err := s.CreateEscrow(ctx, esc); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	got, ver, err := s.GetEscrow(ctx, "req_1")
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	got.State = model.EscrowAssigned
	got.Bidder = "alice"
	got.AmountPaid = "0.05"
	got.History = append(got.History, model.HistoryEntry{Action: "assigned", Bidder: "alice", Price: "0.05"})
	if err := s.UpdateEscrow(ctx, got, ver); err != nil {
		t.Fatalf("UpdateEscrow: %v", err)
	}

	fresh, ver, _ := s.GetEscrow(ctx, "req_1")
	if fresh.State != model.EscrowAssigned || len(fresh.History) != 2 || ver != 2 {
		t.Errorf("escrow = %+v v%d", fresh, ver)
	}
}

func TestRedisStoreReputationAndReconciliations(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	rec, ver, err := s.GetReputation(ctx, "alice")
	if err != nil || ver != 0 {
		t.Fatalf("unknown bidder: rec=%+v ver=%d err=%v, want zero record", rec, ver, err)
	}

	rec = model.ReputationRecord{Bidder: "alice", TotalJobs: 1, TotalEarned: "0.05", AverageQuality: 0.8}
	if err := s.PutReputation(ctx, rec, 0); err != nil {
		t.Fatalf("PutReputation create: %v", err)
	}
	if err := s.PutReputation(ctx, rec, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create err = %v, want ErrConflict", err)
	}

	flag := model.ReconciliationFlag{ID: "rec_1", RequestID: "req_1", PayeeID: "alice", Amount: "0.05", Refund: "0.45", Reason: "rail down"}
	if err := s.SaveReconciliation(ctx, flag); err != nil {
		t.Fatalf("SaveReconciliation: %v", err)
	}
	flags, err := s.ListReconciliations(ctx)
	if err != nil {
		t.Fatalf("ListReconciliations: %v", err)
	}
	if len(flags) != 1 || flags[0].ID != "rec_1" {
		t.Errorf("flags = %+v, want rec_1", flags)
	}
}
