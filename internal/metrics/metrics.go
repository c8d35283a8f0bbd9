// Package metrics exposes Prometheus counters for the marketplace core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts core operations by name and outcome (ok, rejected, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimarket_operations_total",
			Help: "Core marketplace operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	// EscrowTransitions counts escrow state transitions by resulting state
	EscrowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimarket_escrow_transitions_total",
			Help: "Escrow state transitions by resulting state",
		},
		[]string{"state"},
	)

	// ConflictRetries counts optimistic-concurrency conflicts that were retried
	ConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aimarket_version_conflict_retries_total",
			Help: "Optimistic concurrency conflicts retried",
		},
	)

	// PaymentFailures counts external payment executions that failed and were
	// flagged for reconciliation
	PaymentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aimarket_payment_failures_total",
			Help: "External payment executions flagged for reconciliation",
		},
	)

	// HTTPRequests counts API requests by route and status code
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimarket_http_requests_total",
			Help: "HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)
)
