package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/region"
)

type fakeFinalizer struct {
	mu      sync.Mutex
	matches []Match
	err     error
	calls   chan Match
}

func newFakeFinalizer() *fakeFinalizer {
	return &fakeFinalizer{calls: make(chan Match, 16)}
}

func (f *fakeFinalizer) FinalizeMatch(_ context.Context, m Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.matches = append(f.matches, m)
	f.calls <- m
	return nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.matches)
}

// vanishingStore drops selected users at the moment they are re-read,
// imitating a cancel that races the matching cycle.
type vanishingStore struct {
	queue.Store
	vanish map[string]bool
}

func (v *vanishingStore) Get(ctx context.Context, userID string) (*queue.Entry, error) {
	if v.vanish[userID] {
		v.Store.Remove(ctx, userID)
		return nil, nil
	}
	return v.Store.Get(ctx, userID)
}

func queueUser(t *testing.T, q queue.Store, id string, cat queue.Category, filter queue.Filter) {
	t.Helper()
	err := q.Add(context.Background(), queue.Entry{
		UserID:       id,
		Category:     cat,
		Filter:       filter,
		Region:       region.Europe,
		RegionFilter: region.Any,
		JoinedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
}

func queued(t *testing.T, q queue.Store, id string) bool {
	t.Helper()
	e, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return e != nil
}

// ---------- RunOnce tests ----------

func TestRunOnce_MatchesAndDequeues(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	f := newFakeFinalizer()
	s := NewService(q, f, time.Hour)

	queueUser(t, q, "u1", queue.Male, queue.FilterAny)
	queueUser(t, q, "u2", queue.Female, queue.FilterAny)

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("matched = %d, want 1", n)
	}
	m := f.matches[0]
	if m.A.UserID != "u1" || m.B.UserID != "u2" {
		t.Errorf("pair = %s/%s, want u1/u2", m.A.UserID, m.B.UserID)
	}
	if queued(t, q, "u1") || queued(t, q, "u2") {
		t.Error("matched users must leave the queue")
	}
}

func TestRunOnce_FinalizeFailureKeepsUsersQueued(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	f := newFakeFinalizer()
	f.err = errors.New("store down")
	s := NewService(q, f, time.Hour)

	queueUser(t, q, "u1", queue.Male, queue.FilterAny)
	queueUser(t, q, "u2", queue.Female, queue.FilterAny)

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("matched = %d, want 0", n)
	}
	if !queued(t, q, "u1") || !queued(t, q, "u2") {
		t.Error("users must stay queued after a failed finalize")
	}
}

func TestRunOnce_VanishedPairSkipped(t *testing.T) {
	mem := queue.NewMemoryStore(time.Minute)
	q := &vanishingStore{Store: mem, vanish: map[string]bool{"u1": true}}
	f := newFakeFinalizer()
	s := NewService(q, f, time.Hour)

	queueUser(t, q, "u1", queue.Male, queue.FilterAny)
	queueUser(t, q, "u2", queue.Female, queue.FilterAny)

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 || f.count() != 0 {
		t.Errorf("vanished pair was finalized (n=%d calls=%d)", n, f.count())
	}
	if !queued(t, mem, "u2") {
		t.Error("remaining user should still be queued")
	}
}

func TestRunOnce_IncompatibleUsersStay(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	f := newFakeFinalizer()
	s := NewService(q, f, time.Hour)

	queueUser(t, q, "u1", queue.Male, "female")
	queueUser(t, q, "u2", queue.Male, "female")

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("matched = %d, want 0", n)
	}
}

func TestRunOnce_MultiplePairsInOneCycle(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	f := newFakeFinalizer()
	s := NewService(q, f, time.Hour)

	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		queueUser(t, q, id, queue.Couple, queue.FilterAny)
	}

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("matched = %d, want 2", n)
	}

	seen := make(map[string]bool)
	for _, m := range f.matches {
		for _, id := range []string{m.A.UserID, m.B.UserID} {
			if seen[id] {
				t.Errorf("%s matched twice", id)
			}
			seen[id] = true
		}
	}
	left, _ := q.ListAll(context.Background())
	if len(left) != 1 {
		t.Errorf("expected 1 user left in queue, got %d", len(left))
	}
}

// ---------- Loop tests ----------

func TestService_TriggerRunsCycle(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	f := newFakeFinalizer()
	s := NewService(q, f, time.Hour)
	s.Start()
	defer s.Stop()

	queueUser(t, q, "u1", queue.Male, queue.FilterAny)
	queueUser(t, q, "u2", queue.Female, queue.FilterAny)
	s.Trigger()
	s.Trigger() // coalesced

	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run a matching cycle")
	}
}

func TestService_TickerRunsCycle(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	f := newFakeFinalizer()
	s := NewService(q, f, 20*time.Millisecond)

	queueUser(t, q, "u1", queue.Male, queue.FilterAny)
	queueUser(t, q, "u2", queue.Female, queue.FilterAny)
	s.Start()
	defer s.Stop()

	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not run a matching cycle")
	}
}

func TestService_StopWithoutStart(t *testing.T) {
	s := NewService(queue.NewMemoryStore(time.Minute), newFakeFinalizer(), time.Hour)
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a service that never started")
	}
}
