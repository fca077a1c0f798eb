package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces registry keys.
const RedisKeyPrefix = "paygate:idem:"

var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local rec = cjson.decode(v)
if rec.state == 'in_flight' and rec.owner == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// completeScript writes ARGV[2] with a TTL of ARGV[3] ms while the key is
// absent or leased to ARGV[1].
var completeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	local rec = cjson.decode(v)
	if rec.state ~= 'in_flight' or rec.owner ~= ARGV[1] then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisStore shares the registry between instances through Redis. Expiry is
// delegated to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store on client. An empty prefix uses
// RedisKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = RedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + string(key)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key Key, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	data, err := json.Marshal(Record{State: StateInFlight, Owner: owner, CreatedAt: now, ExpiresAt: now.Add(lease)})
	if err != nil {
		return false, fmt.Errorf("failed to marshal lease: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.redisKey(key), data, lease).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Complete(ctx context.Context, key Key, owner string, rec Record, retention time.Duration) error {
	now := s.now()
	rec.Owner = owner
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(retention)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	written, err := completeScript.Run(ctx, s.client, []string{s.redisKey(key)}, owner, data, retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", key, err)
	}
	if written == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key Key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
