package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: token_board
// - subsystem: websocket, room, store, ratelimit
// - name: specific metric (connections_active, mutations_total, ...)

var (
	// ActiveConnections tracks the current number of accepted websocket
	// connections on this node.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "token_board",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ConnectionsClosed counts connection terminations by close code.
	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_board",
		Subsystem: "websocket",
		Name:      "connections_closed_total",
		Help:      "Total WebSocket connections closed, by close code",
	}, []string{"code"})

	// ActiveRooms tracks the number of room actors alive on this node.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "token_board",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live room actors on this node",
	})

	// RoomOccupancy tracks local connections per room. The label is removed
	// when the room actor is evicted, so cardinality follows live rooms only.
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "token_board",
		Subsystem: "room",
		Name:      "occupancy",
		Help:      "Current number of local connections per room",
	}, []string{"room_id"})

	// ChangeFeedEvents counts committed mutations applied from the change-feed.
	ChangeFeedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "token_board",
		Subsystem: "store",
		Name:      "change_feed_events_total",
		Help:      "Total committed mutations applied from the change-feed",
	})

	// RequestsProcessed counts client requests by outcome.
	RequestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_board",
		Subsystem: "room",
		Name:      "requests_total",
		Help:      "Total client requests processed, by outcome",
	}, []string{"outcome"})

	// MutationRetries counts optimistic-lock conflicts that triggered a retry.
	MutationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "token_board",
		Subsystem: "store",
		Name:      "mutation_retries_total",
		Help:      "Total room mutations retried after a lock conflict",
	})

	// MutationDuration tracks end-to-end time of a committed room mutation.
	MutationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "token_board",
		Subsystem: "store",
		Name:      "mutation_seconds",
		Help:      "Time spent applying a room mutation",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CircuitBreakerState exposes the Redis breaker state (0 closed, 1 open,
	// 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "token_board",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls rejected because the breaker was open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_board",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"backend"})

	// RateLimitExceeded counts acquisitions rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_board",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total acquisitions rejected by the rate limiter, by kind",
	}, []string{"kind"})
)
