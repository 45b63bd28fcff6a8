// Package metrics defines Prometheus instruments for the EventSub session and
// token lifecycle. Exposed on the debug server when enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventSub session metrics
var (
	// FramesTotal tracks inbound websocket frames by message type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_frames_total",
			Help: "Inbound EventSub frames by message type",
		},
		[]string{"type"},
	)

	// ReconnectsTotal tracks connection re-establishments by reason.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_reconnects_total",
			Help: "EventSub connection re-establishments by reason",
		},
		[]string{"reason"},
	)

	// NotificationsDelivered tracks notifications handed to the consumer.
	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsub_notifications_delivered_total",
			Help: "Notifications delivered to the consumer",
		},
	)

	// SubscriptionsActive tracks currently recorded subscriptions.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsub_subscriptions_active",
			Help: "Currently recorded EventSub subscriptions",
		},
	)

	// SubscribeCallsTotal tracks outbound subscribe/cancel calls by operation and status.
	SubscribeCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_subscription_calls_total",
			Help: "Outbound subscription calls by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Token lifecycle metrics
var (
	// TokenRefreshesTotal tracks refresh attempts by status.
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Token refresh attempts by status",
		},
		[]string{"status"},
	)

	// TokenValidationsTotal tracks validation attempts by status.
	TokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_validations_total",
			Help: "Token validation attempts by status",
		},
		[]string{"status"},
	)

	// TokenExpirySeconds tracks the remaining lifetime of the current token.
	TokenExpirySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "token_expiry_seconds",
			Help: "Remaining lifetime of the current token in seconds",
		},
	)
)

// Helix API metrics
var (
	// HelixRequestDuration tracks Helix API request latency by endpoint.
	HelixRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helix_request_duration_seconds",
			Help:    "Helix API request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)
)
