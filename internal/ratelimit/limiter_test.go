package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	client.FlushDB(context.Background())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

// ---------- Limiter tests ----------

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewLimiter(testClient(t))
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Error("request over the limit should be rejected")
	}

	// Other identifiers have their own budget.
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Error("u2 should not be affected by u1")
	}
}

func TestLimiter_WindowExpires(t *testing.T) {
	client := testClient(t)
	l := NewLimiter(client)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	l.Allow(ctx, "u1", rule)
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("second request should be limited")
	}
	ttl := client.TTL(ctx, "rl:test:u1").Val()
	if ttl <= 0 || ttl > time.Second {
		t.Errorf("window TTL = %s, want (0, 1s]", ttl)
	}

	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Error("request after the window should be allowed")
	}
}

func TestLimiter_RemainingAndReset(t *testing.T) {
	l := NewLimiter(testClient(t))
	ctx := context.Background()

	if n, _ := l.Remaining(ctx, "u1", RuleText); n != RuleText.Limit {
		t.Errorf("Remaining before use = %d, want %d", n, RuleText.Limit)
	}
	l.Allow(ctx, "u1", RuleText)
	l.Allow(ctx, "u1", RuleText)
	if n, _ := l.Remaining(ctx, "u1", RuleText); n != RuleText.Limit-2 {
		t.Errorf("Remaining = %d, want %d", n, RuleText.Limit-2)
	}
	if err := l.Reset(ctx, "u1", RuleText); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := l.Remaining(ctx, "u1", RuleText); n != RuleText.Limit {
		t.Errorf("Remaining after reset = %d", n)
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "u1", RuleStartMatching)
	if !ok {
		t.Error("limiter must fail open when Redis is unreachable")
	}
	if err == nil {
		t.Error("the Redis error should still be reported")
	}
}
