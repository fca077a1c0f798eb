package webhook

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultDedupRetention = 72 * time.Hour
	DefaultDedupCapacity  = 100_000

	dedupShards = 16
)

// Dedup remembers event ids that were processed.
type Dedup interface {
	// MarkSeen records id and reports whether this is its first sighting
	// within ttl.
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (first bool, err error)
	// Forget drops id so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

// MemoryDedup is a bounded recently-seen set. Each shard evicts its least
// recently marked id once full.
type MemoryDedup struct {
	shards [dedupShards]dedupShard
	now    func() time.Time
}

type dedupShard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type seenEntry struct {
	id        string
	expiresAt time.Time
}

// NewMemoryDedup keeps at most capacity ids. A capacity <= 0 uses
// DefaultDedupCapacity.
func NewMemoryDedup(capacity int) *MemoryDedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	per := capacity / dedupShards
	if per < 1 {
		per = 1
	}
	d := &MemoryDedup{now: time.Now}
	for i := range d.shards {
		d.shards[i] = dedupShard{
			capacity: per,
			order:    list.New(),
			items:    make(map[string]*list.Element),
		}
	}
	return d
}

func (d *MemoryDedup) shard(id string) *dedupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.shards[h.Sum32()%dedupShards]
}

func (d *MemoryDedup) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultDedupRetention
	}
	now := d.now()
	sh := d.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.items[id]; ok {
		entry := el.Value.(*seenEntry)
		if now.Before(entry.expiresAt) {
			return false, nil
		}
		entry.expiresAt = now.Add(ttl)
		sh.order.MoveToFront(el)
		return true, nil
	}

	sh.items[id] = sh.order.PushFront(&seenEntry{id: id, expiresAt: now.Add(ttl)})
	for sh.order.Len() > sh.capacity {
		oldest := sh.order.Back()
		sh.order.Remove(oldest)
		delete(sh.items, oldest.Value.(*seenEntry).id)
	}
	return true, nil
}

func (d *MemoryDedup) Forget(_ context.Context, id string) error {
	sh := d.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, ok := sh.items[id]; ok {
		sh.order.Remove(el)
		delete(sh.items, id)
	}
	return nil
}

// Len returns the number of remembered ids.
func (d *MemoryDedup) Len() int {
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		n += sh.order.Len()
		sh.mu.Unlock()
	}
	return n
}

// RedisKeyPrefix namespaces dedup keys.
const RedisKeyPrefix = "paygate:webhook:"

// RedisDedup shares the seen set between instances.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDedup(client redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = RedisKeyPrefix
	}
	return &RedisDedup{client: client, prefix: prefix}
}

func (d *RedisDedup) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultDedupRetention
	}
	first, err := d.client.SetNX(ctx, d.prefix+id, time.Now().Unix(), ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis setnx %s: %w", id, err)
	}
	return first, nil
}

func (d *RedisDedup) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}
