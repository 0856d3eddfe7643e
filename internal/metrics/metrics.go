// Package metrics provides Prometheus instrumentation for the meet server. It
// exposes gauges for connections, queue depth and live sessions, counters for
// matches and relayed messages, and histograms for match quality and session
// length.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// MessagesTotal counts protocol messages. Relayed events are labeled by
	// type ("offer", "text-message", "dropped"); inbound client messages carry
	// an "in:" prefix.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_messages_total",
		Help: "Total number of protocol messages handled",
	}, []string{"type"})

	// QueueSize tracks the number of users waiting for a match.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_queue_size",
		Help: "Current number of users in the waiting queue",
	})

	// MatchesTotal counts pairs produced by the matching cycle.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_matches_total",
		Help: "Total number of pairs produced by the matching cycle",
	})

	// MatchScore records the score of every selected pair.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_match_score",
		Help:    "Score of pairs selected by the matching engine",
		Buckets: []float64{0, 50, 100, 150, 200, 230, 250, 270},
	})

	// MatchWait records how long the longer-waiting side of a pair waited.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_match_wait_seconds",
		Help:    "Time from joining the queue to being matched",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	// SessionsActive tracks sessions started and not yet ended on this instance.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_sessions_active",
		Help: "Current number of active sessions",
	})

	// SessionsTotal counts started sessions by kind ("match", "link", "bot").
	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_sessions_total",
		Help: "Total number of sessions started",
	}, []string{"kind"})

	// SessionDuration records session length in seconds.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_session_duration_seconds",
		Help:    "Session length from creation to end",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// BotOffersTotal counts bot-fallback offers sent to waiting users.
	BotOffersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_bot_offers_total",
		Help: "Total number of bot fallback offers",
	})

	// TextBlockedTotal counts chat messages rejected by the text screener,
	// labelled by reason.
	TextBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_text_blocked_total",
		Help: "Total number of chat messages rejected by the text screener",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesTotal,
		QueueSize,
		MatchesTotal,
		MatchScore,
		MatchWait,
		SessionsActive,
		SessionsTotal,
		SessionDuration,
		BotOffersTotal,
		TextBlockedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
