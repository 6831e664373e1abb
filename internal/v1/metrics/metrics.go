package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the game room runtime.
//
// Naming convention: namespace_subsystem_name
// - namespace: arena (application-level grouping)
// - subsystem: websocket, room, dispatch, scheduler, outbox
//
// Metric Types:
// - Gauge: Current state (connections, rooms, queue depth)
// - Counter: Cumulative events (commands processed, errors)
// - Histogram: Latency distributions (command execution time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms per game type
	ActiveRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	}, []string{"game_type"})

	// CommandsTotal counts hub commands by action and outcome
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "commands_total",
		Help:      "Total room commands processed",
	}, []string{"action", "status"})

	// CommandDuration tracks command execution time (lock + load + execute + save)
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "command_seconds",
		Help:      "Time spent executing room commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"game_type"})

	// DispatchQueueDepth tracks the number of commands waiting in each shard
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Commands currently enqueued across dispatcher shards",
	})

	// DispatchRejected counts commands rejected because a shard queue was full
	DispatchRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "dispatch",
		Name:      "rejected_total",
		Help:      "Commands rejected due to dispatcher overload",
	})

	// LockContention counts failed room lock acquisitions
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "lock_contention_total",
		Help:      "Room lock acquisitions that failed because the lock was held",
	})

	// SchedulerLeader is 1 while this node holds the game loop leader lock
	SchedulerLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "scheduler",
		Name:      "leader",
		Help:      "Whether this node currently holds the game loop leader lock",
	})

	// TimeoutsProcessed counts turn timeouts handled by the scheduler
	TimeoutsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "scheduler",
		Name:      "timeouts_total",
		Help:      "Turn timeouts processed by the scheduler",
	}, []string{"game_type", "status"})

	// OutboxProcessed counts outbox rows by outcome
	OutboxProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "outbox",
		Name:      "rows_total",
		Help:      "Outbox rows processed",
	}, []string{"event_type", "status"})

	// RateLimitRequests counts requests that passed the edge rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests that passed the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by the edge rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected because a rate limit was reached",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState tracks breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "resilience",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts requests dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "resilience",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
