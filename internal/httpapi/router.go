package httpapi

import (
	"net/http"
	"strconv"

	"github.com/aimarket-labs/aimarket/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	// Requests and bidding
	mux.HandleFunc("POST /v1/requests", instrument("create_request", h.CreateRequest))
	mux.HandleFunc("GET /v1/requests", instrument("list_requests", h.ListRequests))
	mux.HandleFunc("GET /v1/requests/{id}", instrument("get_request", h.GetRequest))
	mux.HandleFunc("POST /v1/requests/{id}/bids", instrument("submit_bid", h.SubmitBid))
	mux.HandleFunc("GET /v1/requests/{id}/bids", instrument("list_bids", h.ListBids))
	mux.HandleFunc("POST /v1/requests/{id}/select", instrument("select_winner", h.SelectWinner))

	// Fulfillment and settlement
	mux.HandleFunc("POST /v1/requests/{id}/result", instrument("submit_result", h.SubmitResult))
	mux.HandleFunc("POST /v1/requests/{id}/validate", instrument("validate_result", h.ValidateResult))
	mux.HandleFunc("POST /v1/requests/{id}/approve", instrument("approve", h.Approve))
	mux.HandleFunc("POST /v1/requests/{id}/dispute", instrument("dispute", h.Dispute))
	mux.HandleFunc("POST /v1/requests/{id}/resolve", instrument("resolve_dispute", h.ResolveDispute))
	mux.HandleFunc("POST /v1/requests/{id}/refund", instrument("refund", h.Refund))

	// Read surfaces
	mux.HandleFunc("GET /v1/escrows/{id}", instrument("get_escrow", h.GetEscrow))
	mux.HandleFunc("GET /v1/reputation/{bidder}", instrument("get_reputation", h.GetReputation))
	mux.HandleFunc("GET /v1/reconciliations", instrument("list_reconciliations", h.ListReconciliations))

	// Dry-run validation, no escrow involved
	mux.HandleFunc("POST /v1/validate", instrument("validate", h.Validate))

	// Timeout sweep, run by an external scheduler
	mux.HandleFunc("POST /v1/sweep", instrument("sweep", h.Sweep))

	// Operational
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}
