package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Total number of request/reply calls issued to backend services.",
		},
		[]string{"service", "cmd", "outcome"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edge_gateway",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Duration of request/reply calls from publish to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"service", "cmd"},
	)

	lateReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "gateway",
			Name:      "late_replies_total",
			Help:      "Replies discarded because their pending call had already resolved.",
		},
		[]string{"service"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound webhook events by provider and handling outcome.",
		},
		[]string{"provider", "outcome"},
	)

	channelReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Channel reconnection attempts by service.",
		},
		[]string{"service"},
	)
)

func init() {
	Registry.MustRegister(
		gatewayCalls,
		gatewayDuration,
		lateReplies,
		webhookEvents,
		channelReconnects,
	)
}

// ObserveGatewayCall records one resolved gateway call.
func ObserveGatewayCall(service, cmd, outcome string, elapsed time.Duration) {
	gatewayCalls.WithLabelValues(service, cmd, outcome).Inc()
	gatewayDuration.WithLabelValues(service, cmd).Observe(elapsed.Seconds())
}

// IncLateReply counts a discarded reply for an already-resolved call.
func IncLateReply(service string) {
	lateReplies.WithLabelValues(service).Inc()
}

// IncWebhookEvent counts one inbound webhook event.
func IncWebhookEvent(provider, outcome string) {
	webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// IncChannelReconnect counts one reconnection attempt for a service channel.
func IncChannelReconnect(service string) {
	channelReconnects.WithLabelValues(service).Inc()
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
