package metrics

import (
	"github.com/anonmeet/meet-server/internal/session"
)

// Session kinds used as the sessions_total label.
const (
	KindMatch = "match"
	KindLink  = "link"
	KindBot   = "bot"
)

// Recorder feeds session lifecycle events into the Prometheus collectors.
// It implements session.MetricsSink.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordSessionStart implements session.MetricsSink.
func (Recorder) RecordSessionStart(meta session.Meta) {
	SessionsActive.Inc()
	SessionsTotal.WithLabelValues(SessionKind(meta)).Inc()
}

// RecordSessionEnd implements session.MetricsSink.
func (Recorder) RecordSessionEnd(_ string, durationSeconds float64) {
	SessionsActive.Dec()
	SessionDuration.Observe(durationSeconds)
}

// SessionKind classifies a session for labeling.
func SessionKind(meta session.Meta) string {
	switch {
	case meta.IsBot:
		return KindBot
	case meta.LinkID != "":
		return KindLink
	default:
		return KindMatch
	}
}
