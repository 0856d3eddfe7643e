package session

import (
	"context"
	"sync"
	"time"
)

type memSession struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*memSession
	byUser   map[string]string // user id -> session id
}

// NewMemoryStore creates an in-process session store. A non-positive ttl
// falls back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*memSession),
		byUser:   make(map[string]string),
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = &memSession{session: *s, expiresAt: m.now().Add(m.ttl)}
	for _, uid := range s.indexedUsers() {
		m.byUser[uid] = s.ID
	}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.liveLocked(sessionID)
	if !ok {
		return nil, nil
	}
	s := ms.session
	return &s, nil
}

// GetByUser implements Store.
func (m *MemoryStore) GetByUser(_ context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.byUser[userID]
	if !ok {
		return nil, nil
	}
	ms, ok := m.liveLocked(sid)
	if !ok {
		delete(m.byUser, userID)
		return nil, nil
	}
	s := ms.session
	return &s, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, s *Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.sessions[s.ID]
	m.deleteLocked(s.ID, s.indexedUsers())
	return existed, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()
	return len(m.sessions), nil
}

// Sweep drops expired sessions and their index entries, returning how many
// were removed. Redis expires keys itself; this is the in-process equivalent.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked()
}

func (m *MemoryStore) sweepLocked() int {
	now := m.now()
	n := 0
	for id, ms := range m.sessions {
		if !now.Before(ms.expiresAt) {
			m.deleteLocked(id, ms.session.indexedUsers())
			n++
		}
	}
	return n
}

func (m *MemoryStore) liveLocked(sessionID string) (*memSession, bool) {
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if !m.now().Before(ms.expiresAt) {
		m.deleteLocked(sessionID, ms.session.indexedUsers())
		return nil, false
	}
	return ms, true
}

// deleteLocked drops the record and the index entries that still point at it.
func (m *MemoryStore) deleteLocked(sessionID string, users []string) {
	delete(m.sessions, sessionID)
	for _, uid := range users {
		if m.byUser[uid] == sessionID {
			delete(m.byUser, uid)
		}
	}
}
