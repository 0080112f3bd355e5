package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: chat_service
// - subsystem: socket, room, command, bus
var (
	// ActiveSockets tracks the current number of connected sockets on this
	// instance.
	ActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_service",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of connected sockets",
	})

	// ActiveRooms tracks the current number of rooms known to this instance.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_service",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMessages counts accepted room messages.
	RoomMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_service",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total room messages accepted into history",
	}, []string{"room"})

	// Commands counts processed commands by outcome.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_service",
		Subsystem: "command",
		Name:      "executed_total",
		Help:      "Total commands processed",
	}, []string{"command", "status"})

	// CommandDuration tracks command pipeline latency.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat_service",
		Subsystem: "command",
		Name:      "duration_seconds",
		Help:      "Time spent running the command pipeline",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command"})

	// ConsistencyFailures counts store/transport consistency-failure events.
	ConsistencyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_service",
		Subsystem: "bus",
		Name:      "consistency_failures_total",
		Help:      "Total consistency-failure events reported",
	}, []string{"type"})

	// CircuitBreakerState exposes the redis breaker state (0 closed, 1 open,
	// 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat_service",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected connection attempts and requests.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_service",
		Subsystem: "socket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"kind"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_service",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected while the circuit breaker was open",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveSockets.Inc()
}

func DecConnection() {
	ActiveSockets.Dec()
}
