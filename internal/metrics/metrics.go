package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts gateway webhook requests by gateway and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbilling",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total gateway webhook requests by gateway and HTTP status.",
	}, []string{"gateway", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vpnbilling",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Gateway webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway"})

	// ReconcileOutcomes counts reconciliation results (credited, duplicate, conflict, ...).
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbilling",
		Subsystem: "reconcile",
		Name:      "outcomes_total",
		Help:      "Payment events by gateway and reconciliation outcome.",
	}, []string{"gateway", "outcome"})

	ReconcileQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpnbilling",
		Subsystem: "reconcile",
		Name:      "queue_depth",
		Help:      "Payment events waiting for a reconciliation worker.",
	})

	// LedgerTransactions counts appended ledger rows by kind.
	LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbilling",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Appended ledger transactions by kind.",
	}, []string{"kind"})

	IntegrityHolds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpnbilling",
		Subsystem: "ledger",
		Name:      "integrity_holds_total",
		Help:      "Users placed on integrity hold after a ledger divergence.",
	})

	// PanelSyncResults counts panel sync attempts by result (ok, failed, degraded, escalated).
	PanelSyncResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbilling",
		Subsystem: "panelsync",
		Name:      "results_total",
		Help:      "Panel sync attempts by result.",
	}, []string{"result"})

	PanelSyncQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpnbilling",
		Subsystem: "panelsync",
		Name:      "queue_size",
		Help:      "Subscriptions waiting in the panel sync queue.",
	})

	// Transitions counts entitlement state transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbilling",
		Subsystem: "subscription",
		Name:      "transitions_total",
		Help:      "Entitlement transitions by operation and resulting state.",
	}, []string{"operation", "state"})
)
