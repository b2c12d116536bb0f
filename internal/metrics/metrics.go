// Package metrics provides Prometheus instrumentation for the messenger
// client. It exposes a gauge for the realtime connection state and counters
// for event, message, and gateway request throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RealtimeConnected is 1 while a realtime connection is live, 0 otherwise.
	RealtimeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_realtime_connected",
		Help: "Whether a realtime connection is currently live (0 or 1)",
	})

	// EventsTotal counts inbound realtime events, labeled by event type
	// ("presenceUpdate", "messageReceived", "unknown").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_events_total",
		Help: "Total number of inbound realtime events",
	}, []string{"type"})

	// MessagesTotal counts chat messages handled by the conversation store,
	// labeled by direction: "sent", "received", or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_total",
		Help: "Total number of chat messages handled",
	}, []string{"direction"})

	// GatewayRequestsTotal counts gateway REST calls, labeled by outcome:
	// "ok", "error" (HTTP status >= 400), or "transport_error".
	GatewayRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_gateway_requests_total",
		Help: "Total number of gateway HTTP requests",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		RealtimeConnected,
		EventsTotal,
		MessagesTotal,
		GatewayRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
