package gatemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersByStatus tracks the number of orders in each lifecycle status.
	OrdersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "slipgate",
		Subsystem: "orders",
		Name:      "by_status",
		Help:      "Number of orders by lifecycle status.",
	}, []string{"status"})

	// OrdersCreatedTotal counts new purchase intents by plan.
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Total orders created by plan.",
	}, []string{"plan"})

	// VerdictsTotal counts auto-verification verdicts.
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "verify",
		Name:      "verdicts_total",
		Help:      "Auto-verification verdicts by outcome and rule.",
	}, []string{"outcome", "rule"})

	// ExtractDuration tracks evidence extraction latency.
	ExtractDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slipgate",
		Subsystem: "verify",
		Name:      "extract_duration_seconds",
		Help:      "Evidence extraction duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"kind"})

	// DecisionsTotal counts human approve/reject actions.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "workflow",
		Name:      "decisions_total",
		Help:      "Human decisions by action and result (applied/noop).",
	}, []string{"action", "result"})

	// GrantsTotal counts external role grants by outcome.
	GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "entitlements",
		Name:      "grants_total",
		Help:      "Entitlement grants by outcome.",
	}, []string{"outcome"})

	// RevocationsTotal counts expiry sweep outcomes per entitlement.
	RevocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "entitlements",
		Name:      "revocations_total",
		Help:      "Expired entitlements processed by outcome.",
	}, []string{"outcome"})

	// RepairsTotal counts grants re-applied by the reconciler.
	RepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "entitlements",
		Name:      "repairs_total",
		Help:      "Live entitlements whose missing external role was re-granted.",
	})

	// EntitlementsLive tracks stored entitlements.
	EntitlementsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slipgate",
		Subsystem: "entitlements",
		Name:      "stored",
		Help:      "Number of stored entitlement records.",
	})

	// SweepDuration tracks expiry sweep tick latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slipgate",
		Subsystem: "sweeper",
		Name:      "tick_duration_seconds",
		Help:      "Expiry sweep tick duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// PlatformErrorsTotal counts chat-platform call failures by operation and kind.
	PlatformErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "platform",
		Name:      "errors_total",
		Help:      "Chat platform call failures by operation and error kind.",
	}, []string{"op", "kind"})

	// GatewayReconnectsTotal counts gateway reconnects.
	GatewayReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "platform",
		Name:      "gateway_reconnects_total",
		Help:      "Total gateway reconnect attempts.",
	})

	// GatewayEventsDroppedTotal counts gateway events dropped because the handler backlog was full.
	GatewayEventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "platform",
		Name:      "gateway_events_dropped_total",
		Help:      "Gateway events dropped because every handler was busy and the backlog was full.",
	}, []string{"event"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipgate",
		Subsystem: "http",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slipgate",
		Subsystem: "http",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})
)
