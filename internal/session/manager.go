package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/anonmeet/meet-server/internal/region"
)

// Meta describes a session to metrics sinks.
type Meta struct {
	SessionID   string
	User1Region region.Region
	User2Region region.Region
	IsBot       bool
	LinkID      string
	CreatedAt   time.Time
}

// MetricsSink receives fire-and-forget lifecycle notifications. Sinks are
// called on their own goroutine; a slow or failing sink never delays or
// fails the session operation it is attached to.
type MetricsSink interface {
	RecordSessionStart(meta Meta)
	RecordSessionEnd(sessionID string, durationSeconds float64)
}

// CreateParams describes a new session.
type CreateParams struct {
	User1   string
	User2   string
	IsBot   bool
	Region1 region.Region
	Region2 region.Region
	LinkID  string
}

// Manager owns the session lifecycle: created, active while the record
// exists, ended. Ended sessions are never resurrected.
type Manager struct {
	store Store
	sinks []MetricsSink
	now   func() time.Time
}

// Sweeper is implemented by stores that expire records lazily.
type Sweeper interface {
	Sweep() int
}

// RunSweeper sweeps the store every interval until ctx is done. It returns
// at once for stores that expire records themselves.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	sw, ok := m.store.(Sweeper)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sw.Sweep(); n > 0 {
				log.Printf("[session] swept %d expired sessions", n)
			}
		}
	}
}

// NewManager creates a lifecycle manager over store.
func NewManager(store Store, sinks ...MetricsSink) *Manager {
	return &Manager{store: store, sinks: sinks, now: time.Now}
}

// CreateSession allocates an id, writes the record and indexes both
// participants (only user1 for a bot peer). A participant that already has a
// session is a caller bug: it is logged as an anomaly and the older session
// is ended first so the newest writer wins without leaving two records.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	if p.User1 == "" || p.User2 == "" {
		return nil, fmt.Errorf("session: create: both participants are required")
	}
	if p.User1 == p.User2 {
		return nil, fmt.Errorf("session: create: participant %s paired with itself", p.User1)
	}

	users := []string{p.User1}
	if !p.IsBot {
		users = append(users, p.User2)
	}
	for _, uid := range users {
		existing, err := m.store.GetByUser(ctx, uid)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Printf("[session] anomaly: %s already in session %s, ending it before creating a new one", uid, existing.ID)
			if err := m.EndSession(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
	}

	s := &Session{
		ID:          uuid.New().String(),
		User1ID:     p.User1,
		User2ID:     p.User2,
		User1Region: p.Region1,
		User2Region: p.Region2,
		IsUser2Bot:  p.IsBot,
		CreatedAt:   m.now(),
		LinkID:      p.LinkID,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}

	meta := Meta{
		SessionID:   s.ID,
		User1Region: s.User1Region,
		User2Region: s.User2Region,
		IsBot:       s.IsUser2Bot,
		LinkID:      s.LinkID,
		CreatedAt:   s.CreatedAt,
	}
	m.notify(func(sink MetricsSink) { sink.RecordSessionStart(meta) })

	log.Printf("[session] created %s (%s <-> %s, bot=%t, link=%q)", s.ID, s.User1ID, s.User2ID, s.IsUser2Bot, s.LinkID)
	return s, nil
}

// NewBotID allocates an id for an automated participant.
func NewBotID() string {
	return BotIDPrefix + uuid.New().String()
}

// GetSession returns the session with the given id, or nil.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// GetSessionByUser returns the user's active session, or nil.
func (m *Manager) GetSessionByUser(ctx context.Context, userID string) (*Session, error) {
	return m.store.GetByUser(ctx, userID)
}

// GetPartner returns the other participant of the user's active session.
func (m *Manager) GetPartner(ctx context.Context, userID string) (string, bool, error) {
	s, err := m.store.GetByUser(ctx, userID)
	if err != nil || s == nil {
		return "", false, err
	}
	peer, ok := s.Partner(userID)
	return peer, ok, nil
}

// IsUserInSession reports whether the user currently has a session.
func (m *Manager) IsUserInSession(ctx context.Context, userID string) (bool, error) {
	s, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// EndSession removes the record and both index entries and reports the
// session's duration to the sinks. Ending an absent session is a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	_, err = m.end(ctx, s)
	return err
}

// EndUserSession ends the user's active session and returns it so the caller
// can notify the peer. Returns nil when the user had no session or another
// caller ended it first.
func (m *Manager) EndUserSession(ctx context.Context, userID string) (*Session, error) {
	s, err := m.store.GetByUser(ctx, userID)
	if err != nil || s == nil {
		return nil, err
	}
	ended, err := m.end(ctx, s)
	if err != nil || !ended {
		return nil, err
	}
	return s, nil
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

func (m *Manager) end(ctx context.Context, s *Session) (bool, error) {
	deleted, err := m.store.Delete(ctx, s)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	duration := m.now().Sub(s.CreatedAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	sid := s.ID
	m.notify(func(sink MetricsSink) { sink.RecordSessionEnd(sid, duration) })

	log.Printf("[session] ended %s after %.1fs", s.ID, duration)
	return true, nil
}

func (m *Manager) notify(fn func(MetricsSink)) {
	for _, sink := range m.sinks {
		go func(sink MetricsSink) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[session] metrics sink panic: %v", r)
				}
			}()
			fn(sink)
		}(sink)
	}
}
