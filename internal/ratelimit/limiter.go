// Package ratelimit throttles client actions with fixed Redis windows keyed
// by user id.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy. Counters live at Key+identifier.
type Rule struct {
	Key    string        `yaml:"key"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

var (
	RuleStartMatching = Rule{Key: "rl:match:", Limit: 10, Window: time.Minute}
	RuleText          = Rule{Key: "rl:text:", Limit: 20, Window: 10 * time.Second}
)

// hitScript bumps the counter and starts the window on the first hit in
// one round trip, so a crash between the two steps cannot leave a counter
// without a TTL.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records one hit for identifier and reports whether it is still
// within rule. Redis failures are returned but the hit is allowed.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	n, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		log.Printf("[ratelimit] allow %s: %v", key, err)
		return true, err
	}
	return n <= int64(rule.Limit), nil
}

// Remaining reports how many hits identifier has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	used, err := l.client.Get(ctx, rule.Key+identifier).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, err
	}
	return max(rule.Limit-used, 0), nil
}

func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
