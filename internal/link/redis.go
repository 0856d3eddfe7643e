package link

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LinkPrefix is the Redis key prefix for link hashes.
	LinkPrefix = "link:"

	// creatorPrefix + <creator_id> -> Set of link IDs.
	creatorPrefix = "link:creator:"
)

// RedisStore manages links in Redis. Each hash expires at the link's
// expiry, so Redis drops stale links on its own.
type RedisStore struct {
	rdb         *redis.Client
	markScript  *redis.Script
	clearScript *redis.Script
	indexScript *redis.Script
}

// NewRedisStore creates a link store backed by Redis.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:         rdb,
		markScript:  redis.NewScript(markUsedLua),
		clearScript: redis.NewScript(clearUsedLua),
		indexScript: redis.NewScript(indexLinkLua),
	}
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, l *Link) error {
	key := LinkPrefix + l.ID
	idx := creatorPrefix + l.CreatorID

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":         l.ID,
			"creator_id": l.CreatorID,
			"created_at": l.CreatedAt.UnixMilli(),
			"expires_at": l.ExpiresAt.UnixMilli(),
			"reusable":   boolField(l.Reusable),
			"used":       boolField(l.Used),
		})
		pipe.PExpireAt(ctx, key, l.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("link: save %s: %w", l.ID, err)
	}
	return r.index(ctx, idx, l.ID, l.ExpiresAt)
}

// index adds linkID to the creator set and keeps the set alive at least
// until expiresAt, so extended links stay listed.
func (r *RedisStore) index(ctx context.Context, idx, linkID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt).Milliseconds()
	if ttl <= 0 {
		return nil
	}
	if err := r.indexScript.Run(ctx, r.rdb, []string{idx}, linkID, ttl).Err(); err != nil {
		return fmt.Errorf("link: index %s: %w", linkID, err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, linkID string) (*Link, error) {
	result, err := r.rdb.HGetAll(ctx, LinkPrefix+linkID).Result()
	if err != nil {
		return nil, fmt.Errorf("link: get %s: %w", linkID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	l := parseLink(result)
	if l.Expired(time.Now()) {
		return nil, nil
	}
	return l, nil
}

// MarkUsed implements Store.
func (r *RedisStore) MarkUsed(ctx context.Context, linkID string) error {
	code, err := r.markScript.Run(ctx, r.rdb, []string{LinkPrefix + linkID}).Int()
	if err != nil {
		return fmt.Errorf("link: mark used %s: %w", linkID, err)
	}
	switch code {
	case -1:
		return ErrLinkNotFound
	case -2:
		return ErrLinkUsed
	}
	return nil
}

// ClearUsed implements Store.
func (r *RedisStore) ClearUsed(ctx context.Context, linkID string) error {
	if err := r.clearScript.Run(ctx, r.rdb, []string{LinkPrefix + linkID}).Err(); err != nil {
		return fmt.Errorf("link: release %s: %w", linkID, err)
	}
	return nil
}

// SetExpiry implements Store.
func (r *RedisStore) SetExpiry(ctx context.Context, linkID string, expiresAt time.Time) (bool, error) {
	key := LinkPrefix + linkID
	creator, err := r.rdb.HGet(ctx, key, "creator_id").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("link: extend %s: %w", linkID, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "expires_at", expiresAt.UnixMilli())
		pipe.PExpireAt(ctx, key, expiresAt)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("link: extend %s: %w", linkID, err)
	}
	if err := r.index(ctx, creatorPrefix+creator, linkID, expiresAt); err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, linkID string) error {
	key := LinkPrefix + linkID
	creator, err := r.rdb.HGet(ctx, key, "creator_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("link: delete %s: %w", linkID, err)
	}

	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, key)
	if creator != "" {
		pipe.SRem(ctx, creatorPrefix+creator, linkID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("link: delete %s: %w", linkID, err)
	}
	return nil
}

// ListByCreator implements Store.
func (r *RedisStore) ListByCreator(ctx context.Context, creatorID string) ([]*Link, error) {
	idx := creatorPrefix + creatorID
	ids, err := r.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("link: list %s: %w", creatorID, err)
	}

	var out []*Link
	var stale []interface{}
	for _, id := range ids {
		l, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if l == nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, l)
	}
	if len(stale) > 0 {
		r.rdb.SRem(ctx, idx, stale...)
	}
	sortNewestFirst(out)
	return out, nil
}

func parseLink(h map[string]string) *Link {
	created, _ := strconv.ParseInt(h["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(h["expires_at"], 10, 64)
	return &Link{
		ID:        h["id"],
		CreatorID: h["creator_id"],
		CreatedAt: time.UnixMilli(created),
		ExpiresAt: time.UnixMilli(expires),
		Reusable:  h["reusable"] == "1",
		Used:      h["used"] == "1",
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// markUsedLua consumes a single-use link exactly once.
//
//	 1 = consumed now
//	 0 = reusable, nothing to do
//	-1 = link not found
//	-2 = already used
const markUsedLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'reusable') == '1' then return 0 end
if redis.call('HGET', key, 'used') == '1' then return -2 end
redis.call('HSET', key, 'used', '1')
return 1
`

const clearUsedLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'used', '0')
end
return 0
`

// indexLinkLua adds ARGV[1] to the creator set and raises its TTL to
// ARGV[2] ms when the current one is shorter. PTTL is -1 on a set that
// was just created.
const indexLinkLua = `
redis.call('SADD', KEYS[1], ARGV[1])
local want = tonumber(ARGV[2])
if redis.call('PTTL', KEYS[1]) < want then
	redis.call('PEXPIRE', KEYS[1], want)
end
return 0
`
