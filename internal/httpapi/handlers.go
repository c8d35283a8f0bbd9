package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aimarket-labs/aimarket/internal/auction"
	"github.com/aimarket-labs/aimarket/internal/escrow"
	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/reputation"
	"github.com/aimarket-labs/aimarket/internal/settlement"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	auction    *auction.Engine
	settlement *settlement.Coordinator
	escrow     *escrow.StateMachine
	tracker    *reputation.Tracker
}

func NewHandlers(a *auction.Engine, s *settlement.Coordinator, sm *escrow.StateMachine, t *reputation.Tracker) *Handlers {
	return &Handlers{auction: a, settlement: s, escrow: sm, tracker: t}
}

// CreateRequest posts a new request and locks its escrow
// POST /v1/requests
func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt    string `json:"prompt"`
		Category  string `json:"category"`
		ModelHint string `json:"model_hint"`
		MaxTokens int    `json:"max_tokens"`
		MaxPrice  string `json:"max_price"`
		Requester string `json:"requester"`
		ExpiresIn string `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" || req.MaxPrice == "" || req.Requester == "" {
		http.Error(w, "prompt, max_price and requester are required", http.StatusBadRequest)
		return
	}
	maxPrice, err := decimal.NewFromString(req.MaxPrice)
	if err != nil {
		http.Error(w, "invalid max_price", http.StatusBadRequest)
		return
	}
	var expiresIn time.Duration
	if req.ExpiresIn != "" {
		if expiresIn, err = time.ParseDuration(req.ExpiresIn); err != nil {
			http.Error(w, "invalid expires_in", http.StatusBadRequest)
			return
		}
	}

	created, err := h.auction.CreateRequest(r.Context(), auction.CreateRequestParams{
		Prompt:    req.Prompt,
		Category:  req.Category,
		ModelHint: req.ModelHint,
		MaxTokens: req.MaxTokens,
		MaxPrice:  maxPrice,
		Requester: req.Requester,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		respondError(w, r, "create request failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// ListRequests returns open requests
// GET /v1/requests
func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.auction.ListOpen(r.Context())
	if err != nil {
		respondError(w, r, "list requests failed", err)
		return
	}
	respondJSON(w, http.StatusOK, requests)
}

// GetRequest returns one request
// GET /v1/requests/{id}
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.auction.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, "get request failed", err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// SubmitBid places a bid on an open request
// POST /v1/requests/{id}/bids
func (h *Handlers) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bidder string `json:"bidder"`
		Model  string `json:"model"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Bidder == "" || req.Price == "" {
		http.Error(w, "bidder and price are required", http.StatusBadRequest)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		http.Error(w, "invalid price", http.StatusBadRequest)
		return
	}

	bid, err := h.auction.SubmitBid(r.Context(), r.PathValue("id"), req.Bidder, req.Model, price)
	if err != nil {
		respondError(w, r, "submit bid failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, bid)
}

// ListBids returns all bids for a request
// GET /v1/requests/{id}/bids
func (h *Handlers) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.auction.ListBids(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, "list bids failed", err)
		return
	}
	respondJSON(w, http.StatusOK, bids)
}

// SelectWinner runs winner selection for a request
// POST /v1/requests/{id}/select
func (h *Handlers) SelectWinner(w http.ResponseWriter, r *http.Request) {
	winner, err := h.auction.SelectWinner(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, "select winner failed", err)
		return
	}
	respondJSON(w, http.StatusOK, winner)
}

// SubmitResult records the assigned bidder's result
// POST /v1/requests/{id}/result
func (h *Handlers) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResultRef string `json:"result_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ResultRef == "" {
		http.Error(w, "result_ref is required", http.StatusBadRequest)
		return
	}

	if err := h.settlement.SubmitResult(r.Context(), r.PathValue("id"), req.ResultRef); err != nil {
		respondError(w, r, "submit result failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

// ValidateResult runs automated validation and settles on the outcome
// POST /v1/requests/{id}/validate
func (h *Handlers) ValidateResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Response == "" {
		http.Error(w, "response is required", http.StatusBadRequest)
		return
	}

	result, err := h.settlement.Settle(r.Context(), r.PathValue("id"), req.Response)
	if err != nil && !errors.Is(err, settlement.ErrManualReview) {
		respondError(w, r, "validate result failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Approve settles a submitted escrow in the bidder's favor
// POST /v1/requests/{id}/approve
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	release, err := h.settlement.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, "approve failed", err)
		return
	}
	respondJSON(w, http.StatusOK, release)
}

// Dispute challenges a submitted result
// POST /v1/requests/{id}/dispute
func (h *Handlers) Dispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason    string `json:"reason"`
		Validator string `json:"validator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}

	if err := h.settlement.Dispute(r.Context(), r.PathValue("id"), req.Reason, req.Validator); err != nil {
		respondError(w, r, "dispute failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disputed"})
}

// ResolveDispute settles a disputed escrow
// POST /v1/requests/{id}/resolve
func (h *Handlers) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Valid   *bool   `json:"valid"`
		Quality float64 `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Valid == nil {
		http.Error(w, "valid is required", http.StatusBadRequest)
		return
	}

	release, err := h.settlement.ResolveDispute(r.Context(), r.PathValue("id"), *req.Valid, req.Quality)
	if err != nil {
		respondError(w, r, "resolve dispute failed", err)
		return
	}
	respondJSON(w, http.StatusOK, release)
}

// Refund cancels a request before any result is submitted
// POST /v1/requests/{id}/refund
func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	refund, err := h.auction.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		respondError(w, r, "refund failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "refunded", "refund": refund.String()})
}

// GetEscrow returns the escrow record for a request
// GET /v1/escrows/{id}
func (h *Handlers) GetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := h.escrow.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, r, "get escrow failed", err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

// GetReputation returns a bidder's reputation record
// GET /v1/reputation/{bidder}
func (h *Handlers) GetReputation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tracker.Get(r.Context(), r.PathValue("bidder"))
	if err != nil {
		respondError(w, r, "get reputation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ListReconciliations returns the manual payout follow-up queue
// GET /v1/reconciliations
func (h *Handlers) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	flags, err := h.settlement.ListReconciliations(r.Context())
	if err != nil {
		respondError(w, r, "list reconciliations failed", err)
		return
	}
	respondJSON(w, http.StatusOK, flags)
}

// Sweep applies the timeout policy to every non-terminal request
// POST /v1/sweep
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssignTimeout string `json:"assign_timeout"`
		ReviewTimeout string `json:"review_timeout"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	timeouts := settlement.DefaultTimeouts()
	var err error
	if req.AssignTimeout != "" {
		if timeouts.Assign, err = time.ParseDuration(req.AssignTimeout); err != nil {
			http.Error(w, "invalid assign_timeout", http.StatusBadRequest)
			return
		}
	}
	if req.ReviewTimeout != "" {
		if timeouts.Review, err = time.ParseDuration(req.ReviewTimeout); err != nil {
			http.Error(w, "invalid review_timeout", http.StatusBadRequest)
			return
		}
	}

	report, err := h.settlement.SweepTimeouts(r.Context(), h.auction, timeouts)
	if err != nil {
		respondError(w, r, "sweep failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Validate scores a response without touching any escrow
// POST /v1/validate
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   string `json:"prompt"`
		Response string `json:"response"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, h.settlement.Validate(req.Prompt, req.Response, req.Category))
}

// Health check
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError maps domain errors to HTTP statuses. Unclassified errors are
// logged and hidden behind a generic 500.
func respondError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auction.ErrDuplicateBid):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auction.ErrNoEligibleBid),
		errors.Is(err, auction.ErrRequestClosed),
		errors.Is(err, auction.ErrRequestExpired),
		errors.Is(err, escrow.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auction.ErrOutOfBounds),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrPriceExceedsLock):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrConflict):
		http.Error(w, "concurrent update, retry", http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), msg, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
