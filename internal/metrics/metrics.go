// Package metrics provides Prometheus instrumentation for the pairchat
// server. It exposes gauges for connections, sessions, queue and rooms,
// counters for message routing outcomes and lifecycle transitions, and a
// histogram for time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels for MessagesTotal.
const (
	MessageDelivered = "delivered"
	MessageBuffered  = "buffered"
	MessageFlushed   = "flushed"
	MessageBlocked   = "blocked"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// SessionsTotal tracks the current number of sessions, connected or in grace.
	SessionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_sessions_total",
		Help: "Current number of sessions held in memory",
	})

	// MatchQueueSize tracks the current number of entries in the waiting pool.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_match_queue_size",
		Help: "Current number of sessions in the waiting pool",
	})

	// ActiveRooms tracks the current number of paired rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchDuration records the time from search request to match.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_match_duration_seconds",
		Help:    "Time from search request to match",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 30, 60, 120, 300},
	})

	// MessagesTotal counts routed chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_messages_total",
		Help: "Total number of chat messages by routing outcome",
	}, []string{"type"}) // type = "delivered", "buffered", "flushed", "blocked"

	// GraceExpiredTotal counts sessions removed because their grace period ran out.
	GraceExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_grace_expired_total",
		Help: "Total number of sessions expired after their grace period",
	})

	// ReconnectsTotal counts connects that restored an existing session.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_reconnects_total",
		Help: "Total number of connects that restored an existing session",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsTotal,
		MatchQueueSize,
		ActiveRooms,
		MatchDuration,
		MessagesTotal,
		GraceExpiredTotal,
		ReconnectsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
