// Package metrics holds the Prometheus collectors of the servicing core.
package metrics

import (
	"strings"

	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoanTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_loan_transitions_total",
		Help: "Loan lifecycle operations, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	RepaymentsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_repayment_operations_total",
		Help: "Installment operations, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_escrow_operations_total",
		Help: "Escrow ledger operations, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	TransferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_transfer_outcomes_total",
		Help: "Payout and disbursement processing results, labeled by kind and final status",
	}, []string{"kind", "status"})

	ProcessorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_processor_calls_total",
		Help: "Payment processor calls, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	ProcessorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "servicing_processor_call_duration_seconds",
		Help:    "Latency distribution of payment processor calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "servicing_processor_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	}, []string{"name"})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_sweep_items_total",
		Help: "Items handled by background sweeps, labeled by sweep and outcome",
	}, []string{"sweep", "outcome"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "servicing_sweep_duration_seconds",
		Help:    "Duration of background sweep runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicing_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "servicing_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Outcome turns an operation result into a label value: "ok", or the
// lower-cased error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errs.KindOf(err)))
}
