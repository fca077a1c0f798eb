package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "paygate:counters"

// Recorder buffers gateway counters in memory and flushes them into a Redis
// hash. Incr never touches the network.
type Recorder struct {
	client redis.UniversalClient
	key    string

	mu      sync.Mutex
	pending map[string]int64
}

// New creates a Recorder writing to key, or DefaultKey when empty.
func New(client redis.UniversalClient, key string) *Recorder {
	if key == "" {
		key = DefaultKey
	}
	return &Recorder{client: client, key: key, pending: map[string]int64{}}
}

func (r *Recorder) Incr(_ context.Context, name string) {
	r.mu.Lock()
	r.pending[name]++
	r.mu.Unlock()
}

// Flush moves the buffered increments into Redis. Increments that could not
// be written are kept for the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = map[string]int64{}
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	for name, inc := range batch {
		pipe.HIncrBy(ctx, r.key, name, inc)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.mu.Lock()
		for name, inc := range batch {
			r.pending[name] += inc
		}
		r.mu.Unlock()
		return fmt.Errorf("flush counters: %w", err)
	}
	return nil
}

// Snapshot returns the flushed totals.
func (r *Recorder) Snapshot(ctx context.Context) (map[string]int64, error) {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	return parse(data), nil
}

// Drain atomically takes the flushed totals and resets them. Increments
// flushed while draining land in a fresh hash.
func (r *Recorder) Drain(ctx context.Context) (map[string]int64, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", r.key, time.Now().UnixNano())
	if err := r.client.Rename(ctx, r.key, tmpKey).Err(); err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	defer r.client.Del(context.WithoutCancel(ctx), tmpKey)

	data, err := r.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	return parse(data), nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("final counter flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				log.Warnf("counter flush failed: %v", err)
			}
		}
	}
}

func parse(data map[string]string) map[string]int64 {
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
