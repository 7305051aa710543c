// Package metrics exposes the hub's Prometheus instrumentation.
//
// Naming convention: namespace_subsystem_name
//   - namespace: signaling (application-level grouping)
//   - subsystem: websocket, room, admission, webrtc, transcription,
//     store, ratelimit (feature-level grouping)
//   - name: specific metric (connections_active, events_total, ...)
//
// Gauges track current state, counters cumulative events, histograms
// latency distributions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the current number of live websocket
	// connections across all rooms.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms is the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks admitted participants per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of admitted participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents counts processed frames by event type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration measures handler latency per event type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SendQueueOverflows counts connections force-closed because their
	// egress queue filled up.
	SendQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "send_queue_overflows_total",
		Help:      "Connections force-closed due to a full send queue",
	})

	// AdmissionDecisions counts waiting-room outcomes by action
	// (approved, denied, admitted_all, expired).
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by action",
	}, []string{"action"})

	// SignalsRelayed counts WebRTC negotiation frames relayed between
	// participants.
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "webrtc",
		Name:      "signals_relayed_total",
		Help:      "WebRTC signaling messages relayed",
	}, []string{"event_type"})

	// TranscriptEntries counts finalized transcript entries accepted.
	TranscriptEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "transcription",
		Name:      "entries_total",
		Help:      "Finalized transcription entries appended",
	})

	// CircuitBreakerState reports the breaker state per downstream
	// service (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected or failed through
	// the breaker per downstream service.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Failures observed by the circuit breaker",
	}, []string{"service"})

	// RateLimitRequests counts rate-limit checks by endpoint.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Rate limit checks performed",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejected requests by endpoint and limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})
)

// IncConnection records a new websocket connection.
func IncConnection() {
	ActiveConnections.Inc()
}

// DecConnection records a closed websocket connection.
func DecConnection() {
	ActiveConnections.Dec()
}
