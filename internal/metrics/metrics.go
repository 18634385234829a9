// Package metrics provides Prometheus instrumentation for the relay: live
// connections, queue and pair gauges, match wait times and message outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of live WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of live WebSocket connections",
	})

	// QueueSize tracks connections waiting in the random chat queue.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_match_queue_size",
		Help: "Current number of connections waiting for a random partner",
	})

	// ActivePairs tracks current random chat pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_pairs",
		Help: "Current number of matched random chat pairs",
	})

	// PrivateRooms tracks private chat rooms with at least one joined connection.
	PrivateRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_private_rooms",
		Help: "Current number of private chat rooms with joined connections",
	})

	// MatchWait records the time a connection spent searching before a match.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_match_wait_seconds",
		Help:    "Time from entering the queue to being matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	// Messages counts chat messages by scope ("random", "private") and
	// outcome ("relayed", "persisted", "rejected", "failed").
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Chat messages processed by scope and outcome",
	}, []string{"scope", "outcome"})

	// Moderation counts moderation verdicts acted on, by reason.
	Moderation = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_moderation_bans_total",
		Help: "Bans issued from moderation verdicts",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		QueueSize,
		ActivePairs,
		PrivateRooms,
		MatchWait,
		Messages,
		Moderation,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
