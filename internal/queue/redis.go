package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonmeet/meet-server/internal/region"
)

const (
	// Redis key patterns for the waiting queue.
	keyQueueAll     = "queue:all"     // Sorted set, score = join timestamp (ms)
	keyRegionPrefix = "queue:region:" // + <region> -> Sorted set of user IDs
	keyEntryPrefix  = "queue:entry:"  // + <user_id> -> Hash, carries the TTL
)

// RedisStore keeps the queue in Redis so several server and matcher processes
// can share it. Sorted sets carry no per-member TTL, so members whose entry
// hash has expired are pruned on ListAll.
type RedisStore struct {
	rdb         *redis.Client
	ttl         time.Duration
	offerScript *redis.Script
}

// NewRedisStore creates a queue backed by Redis. A non-positive ttl falls back
// to DefaultTTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		rdb:         rdb,
		ttl:         ttl,
		offerScript: redis.NewScript(markOfferedBotLua),
	}
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, e Entry) error {
	key := keyEntryPrefix + e.UserID
	score := float64(e.JoinedAt.UnixMilli())

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Drop any previous region membership so an upsert never leaves the
		// user indexed under two regions.
		for _, r := range indexedRegions() {
			if r != e.Region {
				pipe.ZRem(ctx, keyRegionPrefix+string(r), e.UserID)
			}
		}
		pipe.ZAdd(ctx, keyQueueAll, redis.Z{Score: score, Member: e.UserID})
		pipe.ZAdd(ctx, keyRegionPrefix+string(e.Region), redis.Z{Score: score, Member: e.UserID})
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"user_id":       e.UserID,
			"category":      string(e.Category),
			"filter":        string(e.Filter),
			"region":        string(e.Region),
			"region_filter": string(e.RegionFilter),
			"joined_at":     e.JoinedAt.UnixMilli(),
			"offered_bot":   boolField(e.OfferedBot),
		})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: add %s: %w", e.UserID, err)
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, keyQueueAll, userID)
	for _, r := range indexedRegions() {
		pipe.ZRem(ctx, keyRegionPrefix+string(r), userID)
	}
	pipe.Del(ctx, keyEntryPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove %s: %w", userID, err)
	}
	return nil
}

// ListAll implements Store.
func (s *RedisStore) ListAll(ctx context.Context) ([]Entry, error) {
	ids, err := s.rdb.ZRange(ctx, keyQueueAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return s.load(ctx, ids)
}

// ListRegion returns the entries indexed under r, oldest first. The region
// buckets back the per-region counts in Stats.
func (s *RedisStore) ListRegion(ctx context.Context, r region.Region) ([]Entry, error) {
	ids, err := s.rdb.ZRange(ctx, keyRegionPrefix+string(r), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list region %s: %w", r, err)
	}
	return s.load(ctx, ids)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Entry, error) {
	result, err := s.rdb.HGetAll(ctx, keyEntryPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", userID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	e := parseEntry(userID, result)
	return &e, nil
}

// MarkOfferedBot implements Store.
func (s *RedisStore) MarkOfferedBot(ctx context.Context, userID string) (bool, error) {
	flipped, err := s.offerScript.Run(ctx, s.rdb, []string{keyEntryPrefix + userID}).Int()
	if err != nil {
		return false, fmt.Errorf("queue: mark offered bot %s: %w", userID, err)
	}
	return flipped == 1, nil
}

// Stats implements Store.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	return indexedStats(ctx, s.ListAll, s.ListRegion)
}

// load fetches the hashes for ids in one round trip, preserving order and
// pruning ids whose hash has expired.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyEntryPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: load entries: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	var stale []string
	for i, cmd := range cmds {
		result, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("queue: load %s: %w", ids[i], err)
		}
		if len(result) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		entries = append(entries, parseEntry(ids[i], result))
	}

	for _, id := range stale {
		if err := s.Remove(ctx, id); err != nil {
			return nil, err
		}
	}
	sortByJoinTime(entries)
	return entries, nil
}

func parseEntry(userID string, h map[string]string) Entry {
	joinedMs, _ := strconv.ParseInt(h["joined_at"], 10, 64)
	return Entry{
		UserID:       userID,
		Category:     Category(h["category"]),
		Filter:       Filter(h["filter"]),
		Region:       region.Region(h["region"]),
		RegionFilter: region.Region(h["region_filter"]),
		JoinedAt:     time.UnixMilli(joinedMs),
		OfferedBot:   h["offered_bot"] == "1",
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func indexedRegions() []region.Region {
	return append(region.All(), region.Any)
}

// markOfferedBotLua flips offered_bot on a live entry exactly once.
// Returns 1 if flipped, 0 if the entry is gone or was already offered.
const markOfferedBotLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
if redis.call('HGET', key, 'offered_bot') == '1' then return 0 end
redis.call('HSET', key, 'offered_bot', '1')
return 1
`
