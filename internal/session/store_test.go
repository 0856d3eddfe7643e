package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonmeet/meet-server/internal/region"
)

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests.
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return NewRedisStore(rdb, time.Minute)
}

func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(time.Minute))
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, setupRedisStore(t))
	})
}

func newSession(id, u1, u2 string) *Session {
	return &Session{
		ID:          id,
		User1ID:     u1,
		User2ID:     u2,
		User1Region: region.Europe,
		User2Region: region.Asia,
		CreatedAt:   time.UnixMilli(time.Now().UnixMilli()),
	}
}

// ---------- Store tests ----------

func TestStore_CreateAndLookup(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newSession("s1", "alice", "bob")
		s.LinkID = "link-1"
		if err := st.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := st.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil {
			t.Fatal("expected session, got nil")
		}
		if got.User1ID != "alice" || got.User2ID != "bob" {
			t.Errorf("participants = %s/%s", got.User1ID, got.User2ID)
		}
		if got.User1Region != region.Europe || got.User2Region != region.Asia {
			t.Errorf("regions = %s/%s", got.User1Region, got.User2Region)
		}
		if got.LinkID != "link-1" {
			t.Errorf("linkId = %q", got.LinkID)
		}
		if !got.CreatedAt.Equal(s.CreatedAt) {
			t.Errorf("createdAt = %v, want %v", got.CreatedAt, s.CreatedAt)
		}

		for _, uid := range []string{"alice", "bob"} {
			byUser, err := st.GetByUser(ctx, uid)
			if err != nil {
				t.Fatalf("GetByUser(%s): %v", uid, err)
			}
			if byUser == nil || byUser.ID != "s1" {
				t.Errorf("GetByUser(%s) = %+v", uid, byUser)
			}
		}
	})
}

func TestStore_MissingReturnsNil(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if s, err := st.Get(ctx, "nope"); err != nil || s != nil {
			t.Errorf("Get = %v, %v", s, err)
		}
		if s, err := st.GetByUser(ctx, "nobody"); err != nil || s != nil {
			t.Errorf("GetByUser = %v, %v", s, err)
		}
	})
}

func TestStore_DeleteClearsBothIndexes(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newSession("s1", "alice", "bob")
		st.Create(ctx, s)

		deleted, err := st.Delete(ctx, s)
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if !deleted {
			t.Error("first delete should report the record existed")
		}
		for _, uid := range []string{"alice", "bob"} {
			if got, _ := st.GetByUser(ctx, uid); got != nil {
				t.Errorf("%s still indexed to %s", uid, got.ID)
			}
		}
		if got, _ := st.Get(ctx, "s1"); got != nil {
			t.Error("record should be gone")
		}

		deleted, err = st.Delete(ctx, s)
		if err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		if deleted {
			t.Error("second delete should be a no-op")
		}
	})
}

func TestStore_DeleteKeepsNewerIndex(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := newSession("old", "alice", "bob")
		st.Create(ctx, old)
		newer := newSession("new", "alice", "carol")
		st.Create(ctx, newer)

		st.Delete(ctx, old)

		got, _ := st.GetByUser(ctx, "alice")
		if got == nil || got.ID != "new" {
			t.Errorf("alice should still point at the newer session, got %+v", got)
		}
		if got, _ := st.GetByUser(ctx, "bob"); got != nil {
			t.Errorf("bob should be unindexed, got %+v", got)
		}
	})
}

func TestStore_BotPeerNotIndexed(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newSession("s1", "alice", "bot:1")
		s.IsUser2Bot = true
		st.Create(ctx, s)

		if got, _ := st.GetByUser(ctx, "bot:1"); got != nil {
			t.Error("bot peer must not get an index entry")
		}
		got, _ := st.GetByUser(ctx, "alice")
		if got == nil || !got.IsUser2Bot {
			t.Errorf("alice's session should be flagged as bot, got %+v", got)
		}
	})
}

func TestStore_Count(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		st.Create(ctx, newSession("s1", "a", "b"))
		st.Create(ctx, newSession("s2", "c", "d"))
		n, err := st.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 2 {
			t.Errorf("Count = %d, want 2", n)
		}
		st.Delete(ctx, newSession("s1", "a", "b"))
		if n, _ := st.Count(ctx); n != 1 {
			t.Errorf("Count after delete = %d, want 1", n)
		}
	})
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(time.Hour)
	now := time.Now()
	st.now = func() time.Time { return now }

	st.Create(ctx, newSession("s1", "alice", "bob"))
	now = now.Add(59 * time.Minute)
	if got, _ := st.GetByUser(ctx, "alice"); got == nil {
		t.Fatal("session should be alive before its TTL")
	}
	now = now.Add(2 * time.Minute)
	if got, _ := st.GetByUser(ctx, "alice"); got != nil {
		t.Error("session past its TTL should be gone")
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(time.Hour)
	now := time.Now()
	st.now = func() time.Time { return now }

	st.Create(ctx, newSession("old", "alice", "bob"))
	now = now.Add(30 * time.Minute)
	st.Create(ctx, newSession("new", "carol", "dave"))

	if n := st.Sweep(); n != 0 {
		t.Errorf("Sweep before expiry removed %d", n)
	}
	now = now.Add(31 * time.Minute)
	if n := st.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := st.sessions["old"]; ok {
		t.Error("expired record still held")
	}
	if _, ok := st.byUser["alice"]; ok {
		t.Error("expired index entry still held")
	}
	if st.byUser["carol"] != "new" {
		t.Error("live session swept")
	}
}

// ---------- Session tests ----------

func TestSession_Partner(t *testing.T) {
	s := newSession("s1", "alice", "bob")
	if p, ok := s.Partner("alice"); !ok || p != "bob" {
		t.Errorf("Partner(alice) = %s, %v", p, ok)
	}
	if p, ok := s.Partner("bob"); !ok || p != "alice" {
		t.Errorf("Partner(bob) = %s, %v", p, ok)
	}
	if _, ok := s.Partner("eve"); ok {
		t.Error("non-participant should have no partner")
	}
}
