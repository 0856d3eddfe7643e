package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/internal/session"
)

const (
	writeTimeout = 5 * time.Second
	// pendingMaxAge drops starts whose end never arrived (the session
	// expired in the store instead of being ended).
	pendingMaxAge = 2 * time.Hour
)

// Writer persists an ended session. Store implements it.
type Writer interface {
	Record(ctx context.Context, e Entry) error
}

// Recorder adapts a Writer to session.MetricsSink. Lifecycle notifications
// are delivered on independent goroutines, so an end may arrive before its
// start; either order produces one entry.
type Recorder struct {
	w   Writer
	now func() time.Time

	mu     sync.Mutex
	starts map[string]session.Meta
	ends   map[string]endNote
}

type endNote struct {
	duration float64
	at       time.Time
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{
		w:      w,
		now:    time.Now,
		starts: make(map[string]session.Meta),
		ends:   make(map[string]endNote),
	}
}

// RecordSessionStart implements session.MetricsSink.
func (r *Recorder) RecordSessionStart(meta session.Meta) {
	r.mu.Lock()
	r.pruneLocked()
	end, ended := r.ends[meta.SessionID]
	if ended {
		delete(r.ends, meta.SessionID)
	} else {
		r.starts[meta.SessionID] = meta
	}
	r.mu.Unlock()

	if ended {
		r.write(meta, end.duration)
	}
}

// RecordSessionEnd implements session.MetricsSink.
func (r *Recorder) RecordSessionEnd(sessionID string, durationSeconds float64) {
	r.mu.Lock()
	meta, started := r.starts[sessionID]
	if started {
		delete(r.starts, sessionID)
	} else {
		r.ends[sessionID] = endNote{duration: durationSeconds, at: r.now()}
	}
	r.mu.Unlock()

	if started {
		r.write(meta, durationSeconds)
	}
}

// Pending returns the number of starts and ends waiting for their pair.
func (r *Recorder) Pending() (starts, ends int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.ends)
}

func (r *Recorder) write(meta session.Meta, durationSeconds float64) {
	e := Entry{
		SessionID:   meta.SessionID,
		User1Region: meta.User1Region,
		User2Region: meta.User2Region,
		IsBot:       meta.IsBot,
		LinkID:      meta.LinkID,
		StartedAt:   meta.CreatedAt,
		EndedAt:     meta.CreatedAt.Add(time.Duration(durationSeconds * float64(time.Second))),
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.w.Record(ctx, e); err != nil {
		log.Printf("[history] record %s: %v", meta.SessionID, err)
	}
}

func (r *Recorder) pruneLocked() {
	cutoff := r.now().Add(-pendingMaxAge)
	for id, m := range r.starts {
		if m.CreatedAt.Before(cutoff) {
			delete(r.starts, id)
		}
	}
	for id, e := range r.ends {
		if e.at.Before(cutoff) {
			delete(r.ends, id)
		}
	}
}
