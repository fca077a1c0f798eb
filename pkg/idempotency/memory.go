package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// MemoryStore is an in-process Store for single-instance deployments. Keys
// are spread over shards, each guarded by its own mutex.
type MemoryStore struct {
	shards [memoryShards]memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	records map[Key]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].records = make(map[Key]Record)
	}
	return s
}

func (s *MemoryStore) shard(key Key) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		delete(sh.records, key)
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, owner string, lease time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if rec, ok := sh.records[key]; ok && (rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt)) {
		return false, nil
	}
	sh.records[key] = Record{
		State:     StateInFlight,
		Owner:     owner,
		CreatedAt: now,
		ExpiresAt: now.Add(lease),
	}
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key Key, owner string, rec Record, retention time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if cur, ok := sh.records[key]; ok && (cur.ExpiresAt.IsZero() || now.Before(cur.ExpiresAt)) &&
		(cur.State != StateInFlight || cur.Owner != owner) {
		return ErrLeaseLost
	}
	rec.Owner = owner
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(retention)
	sh.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key Key, owner string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok && rec.State == StateInFlight && rec.Owner == owner {
		delete(sh.records, key)
	}
	return nil
}

// Sweep removes expired records and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, rec := range sh.records {
			if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
