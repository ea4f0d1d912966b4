package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport metrics collectors
var (
	// Message delivery

	ChunksDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_chunks_delivered_total",
			Help: "Total number of body chunks delivered to consumers",
		},
		[]string{"mode"},
	)

	ChunksDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbon_chunks_discarded_total",
			Help: "Total number of body chunks dropped because the message was released or aborted",
		},
	)

	ProtocolViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_protocol_violations_total",
			Help: "Total number of protocol violations detected by the transport core",
		},
		[]string{"kind"},
	)

	// Flow control

	FlowControlSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_flow_control_signals_total",
			Help: "Total number of read pause/resume signals sent to connections",
		},
		[]string{"signal"},
	)

	// Connections and upgrades

	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carbon_connections_active",
			Help: "Number of live connections by protocol",
		},
		[]string{"protocol"},
	)

	UpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_upgrades_total",
			Help: "Total number of WebSocket upgrade attempts",
		},
		[]string{"status"},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carbon_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "status_code"},
	)
)
