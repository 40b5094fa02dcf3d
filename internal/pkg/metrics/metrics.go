package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTotal counts reconciliations by outcome (subscribed, unsubscribed, cached, error).
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clientdesk",
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Entitlement reconciliations by outcome.",
	}, []string{"outcome"})

	// ReconcileDuration tracks reconciliation latency including billing provider calls.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clientdesk",
		Subsystem: "billing",
		Name:      "reconcile_duration_seconds",
		Help:      "Entitlement reconciliation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// TierFallbackTotal counts price ids resolved through the amount heuristic.
	TierFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clientdesk",
		Subsystem: "billing",
		Name:      "tier_fallback_total",
		Help:      "Tiers assigned from the amount threshold heuristic, by resulting tier.",
	}, []string{"tier"})

	// CheckoutTotal counts upgrade attempts by result (checkout, portal, error).
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clientdesk",
		Subsystem: "billing",
		Name:      "checkout_total",
		Help:      "Upgrade attempts by result.",
	}, []string{"result"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clientdesk",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// GateFailOpenTotal counts entitlement checks that failed open on an internal error.
	GateFailOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clientdesk",
		Subsystem: "entitlement",
		Name:      "gate_fail_open_total",
		Help:      "Entitlement gate evaluations that defaulted to permissive after an error.",
	}, []string{"check"})

	// CallRooms tracks open signaling rooms.
	CallRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clientdesk",
		Subsystem: "calls",
		Name:      "rooms_open",
		Help:      "Signaling rooms currently open on this instance.",
	})

	// SignalsRelayedTotal counts relayed signaling messages by kind.
	SignalsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clientdesk",
		Subsystem: "calls",
		Name:      "signals_relayed_total",
		Help:      "Signaling messages relayed to room members, by kind.",
	}, []string{"kind"})
)
