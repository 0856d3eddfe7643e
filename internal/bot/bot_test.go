package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/region"
)

// ---------- History tests ----------

func TestHistory_AddAndGet(t *testing.T) {
	h := NewHistory()
	h.Add("s1", Turn{Text: "hello", Ts: 1})
	h.Add("s1", Turn{FromBot: true, Text: "hi", Ts: 2})

	turns := h.Get("s1")
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Text != "hello" || !turns[1].FromBot {
		t.Errorf("unexpected order: %+v", turns)
	}
}

func TestHistory_RingBufferOverflow(t *testing.T) {
	h := NewHistory()
	for i := 0; i < MaxHistory+5; i++ {
		h.Add("s1", Turn{Text: fmt.Sprintf("m%d", i), Ts: int64(i)})
	}
	turns := h.Get("s1")
	if len(turns) != MaxHistory {
		t.Fatalf("expected %d turns, got %d", MaxHistory, len(turns))
	}
	if turns[0].Text != "m5" {
		t.Errorf("oldest retained = %s, want m5", turns[0].Text)
	}
	if turns[MaxHistory-1].Text != fmt.Sprintf("m%d", MaxHistory+4) {
		t.Errorf("newest = %s", turns[MaxHistory-1].Text)
	}
}

func TestHistory_Remove(t *testing.T) {
	h := NewHistory()
	h.Add("s1", Turn{Text: "x"})
	h.Remove("s1")
	if got := h.Get("s1"); len(got) != 0 {
		t.Errorf("expected empty history, got %d", len(got))
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestHistory_ConcurrentAccess(t *testing.T) {
	h := NewHistory()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Add("s1", Turn{Text: "msg", Ts: int64(n*100 + j)})
				h.Get("s1")
			}
		}(i)
	}
	wg.Wait()
	if got := h.Get("s1"); len(got) != MaxHistory {
		t.Errorf("expected %d turns, got %d", MaxHistory, len(got))
	}
}

// ---------- MockResponder tests ----------

func TestMockResponder_KeywordReplies(t *testing.T) {
	r := NewMockResponder()
	ctx := context.Background()

	tests := []struct {
		in   string
		want string
	}{
		{"Hello there", "Hi!"},
		{"how are you doing", "I'm doing great"},
		{"ok bye", "It was a pleasure"},
		{"what's your name", "I'm a friendly bot"},
		{"do you like music?", "That's a good question."},
	}
	for _, tt := range tests {
		got, err := r.GenerateReply(ctx, "s1", tt.in)
		if err != nil {
			t.Fatalf("GenerateReply(%q): %v", tt.in, err)
		}
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("reply to %q = %q, want prefix %q", tt.in, got, tt.want)
		}
	}
}

func TestMockResponder_RemembersAndForgets(t *testing.T) {
	r := NewMockResponder()
	ctx := context.Background()
	r.GenerateReply(ctx, "s1", "hello")
	r.GenerateReply(ctx, "s1", "tell me something")

	turns := r.Conversation("s1")
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	if turns[0].FromBot || !turns[1].FromBot {
		t.Errorf("turns should alternate user/bot: %+v", turns)
	}

	r.Forget("s1")
	if len(r.Conversation("s1")) != 0 {
		t.Error("Forget should drop the conversation")
	}
}

func TestMockResponder_CancelledContext(t *testing.T) {
	r := NewMockResponder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.GenerateReply(ctx, "s1", "hi"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// ---------- OfferTimer tests ----------

type offerRecorder struct {
	mu     sync.Mutex
	offers map[string]int
	fired  chan string
}

func newOfferRecorder() *offerRecorder {
	return &offerRecorder{offers: make(map[string]int), fired: make(chan string, 10)}
}

func (r *offerRecorder) onOffer(userID string) {
	r.mu.Lock()
	r.offers[userID]++
	r.mu.Unlock()
	r.fired <- userID
}

func (r *offerRecorder) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offers[userID]
}

func enqueue(t *testing.T, q queue.Store, id string) {
	t.Helper()
	err := q.Add(context.Background(), queue.Entry{
		UserID:       id,
		Category:     queue.Male,
		Filter:       queue.FilterAny,
		Region:       region.Europe,
		RegionFilter: region.Any,
		JoinedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestOfferTimer_FiresOnce(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	rec := newOfferRecorder()
	o := NewOfferTimer(q, 30*time.Millisecond, rec.onOffer)
	enqueue(t, q, "u1")

	o.Schedule("u1")
	select {
	case id := <-rec.fired:
		if id != "u1" {
			t.Errorf("offered to %s, want u1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("offer never fired")
	}

	// A second request for the same queued user must not offer again.
	o.Schedule("u1")
	time.Sleep(100 * time.Millisecond)
	if n := rec.count("u1"); n != 1 {
		t.Errorf("offers = %d, want 1", n)
	}
	e, _ := q.Get(context.Background(), "u1")
	if e == nil || !e.OfferedBot {
		t.Error("entry should be flagged as offered")
	}
}

func TestOfferTimer_CancelPreventsOffer(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	rec := newOfferRecorder()
	o := NewOfferTimer(q, 100*time.Millisecond, rec.onOffer)
	enqueue(t, q, "u1")

	o.Schedule("u1")
	time.Sleep(50 * time.Millisecond)
	q.Remove(context.Background(), "u1")
	o.Cancel("u1")

	time.Sleep(150 * time.Millisecond)
	if n := rec.count("u1"); n != 0 {
		t.Errorf("cancelled request was offered %d times", n)
	}
	if o.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", o.Pending())
	}
}

func TestOfferTimer_SkipsMatchedUser(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	rec := newOfferRecorder()
	o := NewOfferTimer(q, 30*time.Millisecond, rec.onOffer)
	enqueue(t, q, "u1")

	o.Schedule("u1")
	// Matched and removed without the timer being cancelled.
	q.Remove(context.Background(), "u1")

	time.Sleep(100 * time.Millisecond)
	if n := rec.count("u1"); n != 0 {
		t.Errorf("user no longer queued was offered %d times", n)
	}
}

func TestOfferTimer_RescheduleReplaces(t *testing.T) {
	q := queue.NewMemoryStore(time.Minute)
	rec := newOfferRecorder()
	o := NewOfferTimer(q, 60*time.Millisecond, rec.onOffer)
	enqueue(t, q, "u1")

	o.Schedule("u1")
	time.Sleep(40 * time.Millisecond)
	o.Schedule("u1")
	if o.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", o.Pending())
	}

	select {
	case <-rec.fired:
	case <-time.After(time.Second):
		t.Fatal("rescheduled offer never fired")
	}
	time.Sleep(100 * time.Millisecond)
	if n := rec.count("u1"); n != 1 {
		t.Errorf("offers = %d, want 1", n)
	}
}
