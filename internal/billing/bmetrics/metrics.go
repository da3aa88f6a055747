package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccountsByStatus tracks the number of accounts in each subscription status.
	AccountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "accounts_by_status",
		Help:      "Number of accounts by subscription status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// VerificationFailures counts rejected webhook deliveries by reason.
	VerificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "verification_failures_total",
		Help:      "Webhook deliveries rejected before reconciliation, by reason.",
	}, []string{"reason"})

	// ReconcileOutcomes counts reconciler results (applied, noop, stale, ...).
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "reconcile_outcomes_total",
		Help:      "Reconciler results by event kind and outcome.",
	}, []string{"event_kind", "outcome"})

	// UnknownPriceTotal counts price ids that fell back to the default tier.
	UnknownPriceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "unknown_price_total",
		Help:      "Price identifiers that resolved to the default tier, by trust domain.",
	}, []string{"trust_domain"})

	// SnapshotCacheResults counts snapshot cache lookups by result.
	SnapshotCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "snapshot_cache_results_total",
		Help:      "Snapshot cache lookups by result (hit, miss, timeout, error).",
	}, []string{"result"})

	// SweepTransitions counts lifecycle sweeper transitions.
	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "sweep_transitions_total",
		Help:      "Account transitions persisted by the lifecycle sweeper.",
	}, []string{"from", "to"})
)
