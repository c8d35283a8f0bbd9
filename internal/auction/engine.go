// Package auction collects bids for requests and selects winners.
//
// Winner selection and escrow assignment are committed as one logical unit
// through a two-phase barrier: the request is first moved to the selecting
// status with the pending winner recorded (intent write), then the escrow is
// assigned, bids are marked, and the request is finalized. A crash between
// phases is recovered by replaying the finalize phase from the recorded
// intent; every finalize step is idempotent.
package auction

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aimarket-labs/aimarket/internal/escrow"
	"github.com/aimarket-labs/aimarket/internal/events"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/metrics"
	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrRequestClosed  = errors.New("request is not open for bidding")
	ErrRequestExpired = errors.New("request has expired")
	ErrDuplicateBid   = errors.New("bidder already has a bid for this request")
	ErrOutOfBounds    = errors.New("price out of bounds")

	// ErrNoEligibleBid is a normal auction outcome, not a failure: the
	// request stays open and all bids stay pending.
	ErrNoEligibleBid = errors.New("no bid meets the eligibility threshold")
)

// ReputationSource is the external eligibility lookup consulted during
// winner selection. Implementations return ledger.ErrNotFound for bidders
// with no track record; the engine substitutes the neutral score.
type ReputationSource interface {
	Score(ctx context.Context, bidder string) (float64, error)
}

// Config is immutable after construction.
type Config struct {
	// ReputationThreshold gates bid eligibility; a bid is eligible when its
	// bidder's score is strictly greater than the threshold.
	ReputationThreshold float64
	// NeutralScore substitutes for bidders with no reputation record.
	NeutralScore float64
	// MinPrice and MaxPrice bound accepted bid prices. A zero MaxPrice
	// leaves the upper bound to the request's own max price.
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
	// DefaultExpiry applies when a request is created without one.
	DefaultExpiry time.Duration
	Retry         ledger.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		ReputationThreshold: 0.7,
		NeutralScore:        0.5,
		MinPrice:            decimal.Zero,
		MaxPrice:            decimal.Zero,
		DefaultExpiry:       time.Hour,
		Retry:               ledger.DefaultRetry(),
	}
}

// Engine runs the auction for each request. Synchronous and stateless
// between calls; polling is an external scheduling concern.
type Engine struct {
	store  ledger.Store
	escrow *escrow.StateMachine
	rep    ReputationSource
	events *events.Publisher
	cfg    Config
	now    func() time.Time
}

func NewEngine(store ledger.Store, sm *escrow.StateMachine, rep ReputationSource, pub *events.Publisher, cfg Config) *Engine {
	return &Engine{
		store:  store,
		escrow: sm,
		rep:    rep,
		events: pub,
		cfg:    cfg,
		now:    time.Now,
	}
}

// CreateRequestParams carries the immutable fields of a new request.
type CreateRequestParams struct {
	Prompt    string
	Category  string
	ModelHint string
	MaxTokens int
	MaxPrice  decimal.Decimal
	Requester string
	ExpiresIn time.Duration
}

// CreateRequest posts a request and locks its escrow in one call. The
// request/escrow pair always exists together.
func (e *Engine) CreateRequest(ctx context.Context, p CreateRequestParams) (model.Request, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return model.Request{}, fmt.Errorf("prompt is required")
	}
	if p.MaxPrice.LessThanOrEqual(decimal.Zero) {
		return model.Request{}, ErrOutOfBounds
	}
	if p.Category == "" {
		p.Category = "general"
	}
	if p.ExpiresIn <= 0 {
		p.ExpiresIn = e.cfg.DefaultExpiry
	}

	now := e.now().UTC()
	req := model.Request{
		ID:        "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Prompt:    p.Prompt,
		Category:  p.Category,
		ModelHint: p.ModelHint,
		MaxTokens: p.MaxTokens,
		MaxPrice:  p.MaxPrice.Round(4).String(),
		Requester: p.Requester,
		Status:    model.RequestStatusOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ExpiresIn),
	}

	if err := e.store.CreateRequest(ctx, req); err != nil {
		return model.Request{}, err
	}
	if _, err := e.escrow.Create(ctx, req.ID, req.Requester, p.MaxPrice.Round(4)); err != nil {
		e.retireOrphanRequest(ctx, req.ID)
		return model.Request{}, fmt.Errorf("create escrow for %s: %w", req.ID, err)
	}

	slog.InfoContext(ctx, "request_created", "request_id", req.ID, "max_price", req.MaxPrice, "category", req.Category)
	return req, nil
}

// retireOrphanRequest closes a request whose escrow lock failed so it never
// surfaces as open with no funds behind it.
func (e *Engine) retireOrphanRequest(ctx context.Context, requestID string) {
	err := ledger.WithRetry(ctx, e.cfg.Retry, func() error {
		req, ver, err := e.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		req.Status = model.RequestStatusRefunded
		return e.store.UpdateRequest(ctx, req, ver)
	})
	if err != nil {
		slog.ErrorContext(ctx, "orphan_request_not_retired", "request_id", requestID, "error", err)
	}
}

// ListOpen returns un-assigned, un-expired requests.
func (e *Engine) ListOpen(ctx context.Context) ([]model.Request, error) {
	return e.store.ListOpenRequests(ctx, e.now().UTC())
}

// GetRequest returns one request.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (model.Request, error) {
	req, _, err := e.store.GetRequest(ctx, requestID)
	return req, err
}

// SubmitBid appends a pending bid. Rejected when the request is not open,
// has expired, the price is out of bounds, or the bidder already bid.
// Prices are rounded to four decimal places at creation.
func (e *Engine) SubmitBid(ctx context.Context, requestID, bidder, bidModel string, price decimal.Decimal) (model.Bid, error) {
	bid, err := e.submitBid(ctx, requestID, bidder, bidModel, price)
	observeAuction("submit_bid", err)
	return bid, err
}

func (e *Engine) submitBid(ctx context.Context, requestID, bidder, bidModel string, price decimal.Decimal) (model.Bid, error) {
	req, _, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.Bid{}, err
	}
	now := e.now().UTC()
	if req.Status != model.RequestStatusOpen {
		return model.Bid{}, ErrRequestClosed
	}
	if !now.Before(req.ExpiresAt) {
		return model.Bid{}, ErrRequestExpired
	}

	price = price.Round(4)
	if price.LessThanOrEqual(decimal.Zero) || price.LessThan(e.cfg.MinPrice) {
		return model.Bid{}, ErrOutOfBounds
	}
	if e.cfg.MaxPrice.IsPositive() && price.GreaterThan(e.cfg.MaxPrice) {
		return model.Bid{}, ErrOutOfBounds
	}
	maxPrice, err := decimal.NewFromString(req.MaxPrice)
	if err != nil {
		return model.Bid{}, fmt.Errorf("parse request max_price: %w", err)
	}
	if price.GreaterThan(maxPrice) {
		return model.Bid{}, ErrOutOfBounds
	}

	bid := model.Bid{
		ID:          generateBidID(),
		RequestID:   requestID,
		Bidder:      bidder,
		Model:       bidModel,
		Price:       price.String(),
		Status:      model.BidStatusPending,
		SubmittedAt: now,
	}
	if err := e.store.CreateBid(ctx, bid); err != nil {
		if errors.Is(err, ledger.ErrExists) {
			return model.Bid{}, ErrDuplicateBid
		}
		return model.Bid{}, err
	}

	slog.InfoContext(ctx, "bid_submitted", "bid_id", bid.ID, "request_id", requestID, "bidder", bidder, "price", bid.Price)
	_ = e.events.Publish(ctx, events.EventBidSubmitted, map[string]any{
		"bid_id":     bid.ID,
		"request_id": requestID,
		"bidder":     bidder,
		"price":      bid.Price,
	})
	return bid, nil
}

// ListBids returns all bids for a request.
func (e *Engine) ListBids(ctx context.Context, requestID string) ([]model.Bid, error) {
	return e.store.ListBidsByRequest(ctx, requestID)
}

// SelectWinner gathers the pending bids, filters them by the reputation
// gate, and picks the lowest price (ties: earliest submission, then bidder
// id). The bid marking and escrow assignment commit as one logical unit via
// the selecting barrier. When no bid is eligible it returns ErrNoEligibleBid
// and leaves everything untouched.
func (e *Engine) SelectWinner(ctx context.Context, requestID string) (model.Bid, error) {
	bid, err := e.selectWinner(ctx, requestID)
	observeAuction("select_winner", err)
	return bid, err
}

func (e *Engine) selectWinner(ctx context.Context, requestID string) (model.Bid, error) {
	var winner model.Bid
	err := ledger.WithRetry(ctx, e.cfg.Retry, func() error {
		req, ver, err := e.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case model.RequestStatusOpen:
			// proceed
		case model.RequestStatusSelecting:
			// A previous selection did not finish; resume it.
			winner, err = e.resumeSelection(ctx, req)
			return err
		default:
			return ErrRequestClosed
		}

		eligible, err := e.eligibleBids(ctx, requestID)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return ErrNoEligibleBid
		}
		winner = eligible[0]

		// Intent write: the barrier state makes the selection recoverable
		// and excludes the request from further bidding.
		req.Status = model.RequestStatusSelecting
		req.PendingWinnerBidID = winner.ID
		if err := e.store.UpdateRequest(ctx, req, ver); err != nil {
			return err
		}
		return e.finalizeSelection(ctx, req, winner)
	})
	if err != nil {
		return model.Bid{}, err
	}
	return winner, nil
}

// eligibleBids returns the pending bids whose bidder passes the reputation
// gate, sorted deterministically: price ascending, then submission time,
// then bidder id. Reputation lookups happen before any write.
func (e *Engine) eligibleBids(ctx context.Context, requestID string) ([]model.Bid, error) {
	bids, err := e.store.ListBidsByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var eligible []model.Bid
	for _, bid := range bids {
		if bid.Status != model.BidStatusPending {
			continue
		}
		score, err := e.rep.Score(ctx, bid.Bidder)
		if err != nil {
			if !errors.Is(err, ledger.ErrNotFound) {
				return nil, fmt.Errorf("reputation lookup for %s: %w", bid.Bidder, err)
			}
			score = e.cfg.NeutralScore
		}
		if score > e.cfg.ReputationThreshold {
			eligible = append(eligible, bid)
		}
	}

	slices.SortFunc(eligible, func(a, b model.Bid) int {
		pa, _ := decimal.NewFromString(a.Price)
		pb, _ := decimal.NewFromString(b.Price)
		if c := pa.Cmp(pb); c != 0 {
			return c
		}
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Bidder, b.Bidder)
	})
	return eligible, nil
}

// finalizeSelection runs the second phase: assign the escrow, mark the
// bids, finalize the request. Each step tolerates having already been
// applied, so the phase can be replayed after a crash.
func (e *Engine) finalizeSelection(ctx context.Context, req model.Request, winner model.Bid) error {
	price, err := decimal.NewFromString(winner.Price)
	if err != nil {
		return fmt.Errorf("parse winner price: %w", err)
	}

	if err := e.escrow.Assign(ctx, req.ID, winner.Bidder, price); err != nil {
		if !e.alreadyAssigned(ctx, req.ID, winner.Bidder, err) {
			return err
		}
	}

	bids, err := e.store.ListBidsByRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	for _, bid := range bids {
		want := model.BidStatusLost
		if bid.ID == winner.ID {
			want = model.BidStatusWon
		}
		if err := e.setBidStatus(ctx, bid.ID, want); err != nil {
			return err
		}
	}

	err = ledger.WithRetry(ctx, e.cfg.Retry, func() error {
		cur, ver, err := e.store.GetRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if cur.Status == model.RequestStatusAssigned {
			return nil
		}
		cur.Status = model.RequestStatusAssigned
		cur.AssignedBidID = winner.ID
		cur.PendingWinnerBidID = ""
		return e.store.UpdateRequest(ctx, cur, ver)
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "winner_selected", "request_id", req.ID, "bid_id", winner.ID, "bidder", winner.Bidder, "price", winner.Price)
	_ = e.events.Publish(ctx, events.EventWinnerSelected, map[string]any{
		"request_id": req.ID,
		"bid_id":     winner.ID,
		"bidder":     winner.Bidder,
		"price":      winner.Price,
	})
	return nil
}

// alreadyAssigned reports whether an assign failure just means a previous
// finalize attempt got that far.
func (e *Engine) alreadyAssigned(ctx context.Context, requestID, bidder string, cause error) bool {
	if !errors.Is(cause, escrow.ErrInvalidTransition) {
		return false
	}
	esc, _, err := e.store.GetEscrow(ctx, requestID)
	if err != nil {
		return false
	}
	return esc.State == model.EscrowAssigned && esc.Bidder == bidder
}

func (e *Engine) setBidStatus(ctx context.Context, bidID string, status model.BidStatus) error {
	return ledger.WithRetry(ctx, e.cfg.Retry, func() error {
		bid, ver, err := e.store.GetBid(ctx, bidID)
		if err != nil {
			return err
		}
		if bid.Status == status {
			return nil
		}
		bid.Status = status
		return e.store.UpdateBid(ctx, bid, ver)
	})
}

// resumeSelection replays the finalize phase from the recorded intent.
func (e *Engine) resumeSelection(ctx context.Context, req model.Request) (model.Bid, error) {
	if req.PendingWinnerBidID == "" {
		return model.Bid{}, fmt.Errorf("request %s in selection with no pending winner", req.ID)
	}
	winner, _, err := e.store.GetBid(ctx, req.PendingWinnerBidID)
	if err != nil {
		return model.Bid{}, err
	}
	if err := e.finalizeSelection(ctx, req, winner); err != nil {
		return model.Bid{}, err
	}
	return winner, nil
}

// RecoverSelections finishes any selection interrupted by a crash. Safe to
// call at startup or from a periodic scheduler.
func (e *Engine) RecoverSelections(ctx context.Context) error {
	stuck, err := e.store.ListRequestsByStatus(ctx, model.RequestStatusSelecting)
	if err != nil {
		return err
	}
	for _, req := range stuck {
		if _, err := e.resumeSelection(ctx, req); err != nil {
			return fmt.Errorf("recover selection for %s: %w", req.ID, err)
		}
		slog.InfoContext(ctx, "selection_recovered", "request_id", req.ID)
	}
	return nil
}

// Cancel refunds the escrow (expiry or explicit cancellation) and marks any
// pending bids lost. Valid while the escrow is in created or assigned.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (decimal.Decimal, error) {
	refund, err := e.escrow.Refund(ctx, requestID, reason)
	observeAuction("cancel", err)
	if err != nil {
		return decimal.Zero, err
	}

	bids, err := e.store.ListBidsByRequest(ctx, requestID)
	if err != nil {
		return refund, err
	}
	for _, bid := range bids {
		if bid.Status != model.BidStatusPending {
			continue
		}
		if err := e.setBidStatus(ctx, bid.ID, model.BidStatusLost); err != nil {
			return refund, err
		}
	}
	return refund, nil
}

func generateBidID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "bid_" + hex.EncodeToString(b[:])
}

func observeAuction(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNoEligibleBid):
		outcome = "no_eligible_bid"
	case errors.Is(err, ErrRequestClosed),
		errors.Is(err, ErrRequestExpired),
		errors.Is(err, ErrDuplicateBid),
		errors.Is(err, ErrOutOfBounds),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, ledger.ErrNotFound):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
}
