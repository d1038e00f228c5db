// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// GatewayDuration tracks completion gateway call duration by outcome.
	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_completion_duration_seconds",
			Help:    "Completion gateway call duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "outcome"},
	)

	// GatewayTokensTotal tracks model tokens consumed by the gateway.
	GatewayTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total LLM tokens processed by the completion gateway",
		},
		[]string{"model", "direction"},
	)

	// StreamConnectionsActive tracks live subscription connections by transport.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active live conversation connections",
		},
		[]string{"transport"},
	)

	// MessagesTotal tracks messages appended to the conversation store.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"author"},
	)

	// TurnsTotal tracks finished turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnsInFlight tracks turns awaiting a companion reply.
	TurnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turns_in_flight",
			Help: "Turns currently awaiting a companion reply",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordGatewayCall records metrics for one completion gateway call.
func RecordGatewayCall(provider, model, outcome string, duration float64, tokensIn, tokensOut int) {
	GatewayDuration.WithLabelValues(provider, outcome).Observe(duration)
	if model == "" {
		return
	}
	GatewayTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	GatewayTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordMessage counts an appended message.
func RecordMessage(author string) {
	MessagesTotal.WithLabelValues(author).Inc()
}

// RecordTurn counts a finished turn.
func RecordTurn(outcome string) {
	TurnsTotal.WithLabelValues(outcome).Inc()
}

// IncrementStreamConnections increments the active connection count for a transport.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count for a transport.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
