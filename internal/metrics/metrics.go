// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Ledger entries written, by kind.",
}, []string{"kind"})

var LedgerPoints = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "ledger",
	Name:      "points_total",
	Help:      "Absolute points moved through the ledger, by kind.",
}, []string{"kind"})

var InsufficientFunds = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "ledger",
	Name:      "insufficient_funds_total",
	Help:      "Debits rejected for lack of balance.",
})

// ─── Storage ────────────────────────────────────────────────────────────────

var TxRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "db",
	Name:      "tx_retries_total",
	Help:      "Transactions retried after a serialization failure or deadlock.",
})

// ─── Tasks and jobs ─────────────────────────────────────────────────────────

var TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "tasks",
	Name:      "created_total",
	Help:      "Tasks fanned out successfully.",
})

var JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "jobs",
	Name:      "outcomes_total",
	Help:      "Job outcomes applied by the aggregator (completed, failed, duplicate).",
}, []string{"outcome"})

// ─── Compensation ───────────────────────────────────────────────────────────

var Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "refunds",
	Name:      "issued_total",
	Help:      "Refund credits issued, by owner type and path (inline, reconcile).",
}, []string{"owner", "path"})

var RefundsDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "refunds",
	Name:      "deferred_total",
	Help:      "Failures recorded with refunded=false for the reconciliation sweep.",
}, []string{"owner"})

// ─── Pipeline ───────────────────────────────────────────────────────────────

var StepExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "pipeline",
	Name:      "step_executions_total",
	Help:      "Project step executions by result (done, failed, started, rejected).",
}, []string{"result"})

// ─── Poller ─────────────────────────────────────────────────────────────────

var OperationPolls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointsmith",
	Subsystem: "poller",
	Name:      "polls_total",
	Help:      "Operation polls by result (running, succeeded, failed, already_done, error).",
}, []string{"result"})

var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pointsmith",
	Subsystem: "provider",
	Name:      "request_seconds",
	Help:      "Latency of outbound provider requests.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"provider", "op"})
