package link

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists links until their expiry.
type Store interface {
	// Save writes the link; it expires at l.ExpiresAt.
	Save(ctx context.Context, l *Link) error

	// Get returns the stored link, or nil when absent or expired. It does
	// not apply the used/reusable rule.
	Get(ctx context.Context, linkID string) (*Link, error)

	// MarkUsed atomically consumes a single-use link. Reusable links are
	// left untouched. Returns ErrLinkNotFound or ErrLinkUsed.
	MarkUsed(ctx context.Context, linkID string) error

	// ClearUsed hands a consumed single-use link back. Absent links are a
	// no-op.
	ClearUsed(ctx context.Context, linkID string) error

	// SetExpiry moves the expiry of an existing link. Returns false if the
	// link is gone.
	SetExpiry(ctx context.Context, linkID string, expiresAt time.Time) (bool, error)

	// Delete removes the link. Absent links are a no-op.
	Delete(ctx context.Context, linkID string) error

	// ListByCreator returns the creator's live links, newest first.
	ListByCreator(ctx context.Context, creatorID string) ([]*Link, error)
}

// MemoryStore keeps links in process.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	links map[string]*Link
}

// NewMemoryStore creates an empty in-process link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, links: make(map[string]*Link)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.links[l.ID] = &cp
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, linkID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveLocked(linkID)
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// MarkUsed implements Store.
func (m *MemoryStore) MarkUsed(_ context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveLocked(linkID)
	if !ok {
		return ErrLinkNotFound
	}
	if l.Reusable {
		return nil
	}
	if l.Used {
		return ErrLinkUsed
	}
	l.Used = true
	return nil
}

// ClearUsed implements Store.
func (m *MemoryStore) ClearUsed(_ context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.liveLocked(linkID); ok {
		l.Used = false
	}
	return nil
}

// SetExpiry implements Store.
func (m *MemoryStore) SetExpiry(_ context.Context, linkID string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveLocked(linkID)
	if !ok {
		return false, nil
	}
	l.ExpiresAt = expiresAt
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, linkID)
	return nil
}

// ListByCreator implements Store.
func (m *MemoryStore) ListByCreator(_ context.Context, creatorID string) ([]*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Link
	for id, l := range m.links {
		if l.CreatorID != creatorID {
			continue
		}
		if _, ok := m.liveLocked(id); !ok {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) liveLocked(linkID string) (*Link, bool) {
	l, ok := m.links[linkID]
	if !ok {
		return nil, false
	}
	if l.Expired(m.now()) {
		delete(m.links, linkID)
		return nil, false
	}
	return l, true
}

func sortNewestFirst(links []*Link) {
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})
}
