package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anonmeet/meet-server/internal/region"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore keeps the queue in process. Expired entries are dropped lazily
// on read and by Sweep.
type MemoryStore struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	// entries doubles as the global "any" index.
	entries  map[string]*memEntry
	byRegion map[region.Region]map[string]struct{}
}

// NewMemoryStore creates an empty in-process queue. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]*memEntry),
		byRegion: make(map[region.Region]map[string]struct{}),
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(e.UserID)
	s.entries[e.UserID] = &memEntry{entry: e, expiresAt: s.now().Add(s.ttl)}
	ids, ok := s.byRegion[e.Region]
	if !ok {
		ids = make(map[string]struct{})
		s.byRegion[e.Region] = ids
	}
	ids[e.UserID] = struct{}{}
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(userID)
	return nil
}

// ListAll implements Store.
func (s *MemoryStore) ListAll(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	out := make([]Entry, 0, len(s.entries))
	for _, me := range s.entries {
		out = append(out, me.entry)
	}
	sortByJoinTime(out)
	return out, nil
}

// ListRegion returns the entries indexed under r, oldest first. The region
// buckets back the per-region counts in Stats.
func (s *MemoryStore) ListRegion(_ context.Context, r region.Region) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	out := make([]Entry, 0, len(s.byRegion[r]))
	for id := range s.byRegion[r] {
		out = append(out, s.entries[id].entry)
	}
	sortByJoinTime(out)
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.liveLocked(userID)
	if !ok {
		return nil, nil
	}
	e := me.entry
	return &e, nil
}

// MarkOfferedBot implements Store.
func (s *MemoryStore) MarkOfferedBot(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.liveLocked(userID)
	if !ok || me.entry.OfferedBot {
		return false, nil
	}
	me.entry.OfferedBot = true
	return true, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	return indexedStats(ctx, s.ListAll, s.ListRegion)
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *MemoryStore) liveLocked(userID string) (*memEntry, bool) {
	me, ok := s.entries[userID]
	if !ok {
		return nil, false
	}
	if !s.now().Before(me.expiresAt) {
		s.removeLocked(userID)
		return nil, false
	}
	return me, true
}

func (s *MemoryStore) sweepLocked() int {
	now := s.now()
	removed := 0
	for id, me := range s.entries {
		if !now.Before(me.expiresAt) {
			s.removeLocked(id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) removeLocked(userID string) {
	me, ok := s.entries[userID]
	if !ok {
		return
	}
	delete(s.entries, userID)
	if ids, ok := s.byRegion[me.entry.Region]; ok {
		delete(ids, userID)
		if len(ids) == 0 {
			delete(s.byRegion, me.entry.Region)
		}
	}
}

func sortByJoinTime(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
