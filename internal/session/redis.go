package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonmeet/meet-server/internal/region"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "session:"

	// UserSessionPrefix is the Redis key prefix for the user->session index.
	UserSessionPrefix = "user_session:"

	// activeKey is a sorted set of session ids scored by expiry (ms), used to
	// count live sessions without scanning.
	activeKey = "session:active"
)

// record is the Redis hash layout of a Session.
type record struct {
	ID          string `redis:"id"`
	User1ID     string `redis:"user1_id"`
	User2ID     string `redis:"user2_id"`
	User1Region string `redis:"user1_region"`
	User2Region string `redis:"user2_region"`
	IsUser2Bot  bool   `redis:"is_user2_bot"`
	CreatedAt   int64  `redis:"created_at"` // unix ms
	LinkID      string `redis:"link_id"`
}

// RedisStore manages sessions in Redis.
type RedisStore struct {
	client       *redis.Client
	ttl          time.Duration
	deleteScript *redis.Script
}

// NewRedisStore creates a session store on an existing client. A
// non-positive ttl falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:       client,
		ttl:          ttl,
		deleteScript: redis.NewScript(deleteSessionLua),
	}
}

// Create stores the session hash and its index entries in one transaction.
func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	key := SessionPrefix + s.ID
	expiresAt := time.Now().Add(r.ttl)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":           s.ID,
			"user1_id":     s.User1ID,
			"user2_id":     s.User2ID,
			"user1_region": string(s.User1Region),
			"user2_region": string(s.User2Region),
			"is_user2_bot": strconv.FormatBool(s.IsUser2Bot),
			"created_at":   s.CreatedAt.UnixMilli(),
			"link_id":      s.LinkID,
		})
		pipe.Expire(ctx, key, r.ttl)
		for _, uid := range s.indexedUsers() {
			pipe.Set(ctx, UserSessionPrefix+uid, s.ID, r.ttl)
		}
		pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: s.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: create %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	var rec record
	if err := r.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return rec.session(), nil
}

// GetByUser resolves the user's session through the index.
func (r *RedisStore) GetByUser(ctx context.Context, userID string) (*Session, error) {
	sid, err := r.client.Get(ctx, UserSessionPrefix+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup user %s: %w", userID, err)
	}
	s, err := r.Get(ctx, sid)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.IsParticipant(userID) {
		return nil, nil
	}
	return s, nil
}

// Delete removes the session and the index entries still pointing at it.
func (r *RedisStore) Delete(ctx context.Context, s *Session) (bool, error) {
	keys := []string{SessionPrefix + s.ID, activeKey}
	for _, uid := range s.indexedUsers() {
		keys = append(keys, UserSessionPrefix+uid)
	}
	n, err := r.deleteScript.Run(ctx, r.client, keys, s.ID).Int()
	if err != nil {
		return false, fmt.Errorf("session: delete %s: %w", s.ID, err)
	}
	return n == 1, nil
}

// Count returns the number of sessions that have not reached their TTL.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, activeKey, "-inf", strconv.FormatInt(time.Now().UnixMilli(), 10))
	card := pipe.ZCard(ctx, activeKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	return int(card.Val()), nil
}

func (rec *record) session() *Session {
	return &Session{
		ID:          rec.ID,
		User1ID:     rec.User1ID,
		User2ID:     rec.User2ID,
		User1Region: region.Region(rec.User1Region),
		User2Region: region.Region(rec.User2Region),
		IsUser2Bot:  rec.IsUser2Bot,
		CreatedAt:   time.UnixMilli(rec.CreatedAt),
		LinkID:      rec.LinkID,
	}
}

// deleteSessionLua removes the session hash, its active-set member and each
// user index key (KEYS[3..]) whose value is still this session id. Returns
// the number of session hashes deleted (0 or 1).
const deleteSessionLua = `
local sid = ARGV[1]
local deleted = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], sid)
for i = 3, #KEYS do
    if redis.call('GET', KEYS[i]) == sid then
        redis.call('DEL', KEYS[i])
    end
end
return deleted
`
