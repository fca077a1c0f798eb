package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paygate/internal/pkg/redistest"
	"github.com/ManuelReschke/paygate/pkg/payerr"
)

const isolatedIdempotencyTestRedisDB = 13

func TestKeys(t *testing.T) {
	assert.Equal(t, FromToken("order-42"), FromToken("  order-42 "))
	assert.NotEqual(t, FromToken("order-42"), FromToken("order-43"))
	assert.Equal(t, FromContent([]byte("a")), FromContent([]byte("a")))
	assert.NotEqual(t, FromToken("a"), FromContent([]byte("a")))
	assert.Contains(t, FromToken("x").String(), "tok_")
	assert.Contains(t, FromContent([]byte("x")).String(), "req_")
}

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	key := FromToken(t.Name())

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	reserved, err := s.Reserve(ctx, key, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)

	reserved, err = s.Reserve(ctx, key, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved, "second owner must not take a live lease")

	rec, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateInFlight, rec.State)
	assert.Equal(t, "owner-a", rec.Owner)
	assert.False(t, rec.Completed())

	// Release by a stranger is a no-op.
	require.NoError(t, s.Release(ctx, key, "owner-b"))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Release(ctx, key, "owner-a"))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	reserved, err = s.Reserve(ctx, key, "owner-b", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	value := json.RawMessage(`{"paymentId":"pay_1"}`)
	err = s.Complete(ctx, key, "owner-a", Record{State: StateSucceeded, Value: json.RawMessage(`{"paymentId":"stale"}`)}, time.Hour)
	assert.ErrorIs(t, err, ErrLeaseLost, "a former owner must not overwrite the current lease")
	require.NoError(t, s.Complete(ctx, key, "owner-b", Record{State: StateSucceeded, Value: value}, time.Hour))
	err = s.Complete(ctx, key, "owner-b", Record{State: StateSucceeded, Value: json.RawMessage(`{}`)}, time.Hour)
	assert.ErrorIs(t, err, ErrLeaseLost, "completed records are final")

	rec, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.JSONEq(t, string(value), string(rec.Value))
	assert.True(t, rec.Completed())

	reserved, err = s.Reserve(ctx, key, "owner-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved, "completed record blocks new leases")

	// Release never drops a completed record.
	require.NoError(t, s.Release(ctx, key, "owner-b"))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	failKey := FromToken(t.Name() + "-failed")
	failure := &Failure{Kind: payerr.KindClient, Message: "card declined", HTTPStatus: 422, Attempts: 1}
	require.NoError(t, s.Complete(ctx, failKey, "owner-a", Record{State: StateFailed, Failure: failure}, time.Hour))
	rec, ok, err = s.Get(ctx, failKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, *failure, *rec.Failure)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	lease := FromToken("lease")
	done := FromToken("done")

	reserved, err := s.Reserve(ctx, lease, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, s.Complete(ctx, done, "a", Record{State: StateSucceeded}, time.Hour))

	now = now.Add(2 * time.Minute)

	reserved, err = s.Reserve(ctx, lease, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved, "expired lease can be taken over")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 0, s.Len())

	_, ok, err := s.Get(ctx, done)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Contract(t *testing.T) {
	client := redistest.Client(t, isolatedIdempotencyTestRedisDB)
	storeContract(t, NewRedisStore(client, ""))
}

func TestRedisStore_LeaseExpires(t *testing.T) {
	client := redistest.Client(t, isolatedIdempotencyTestRedisDB)
	s := NewRedisStore(client, "test:idem:")
	ctx := context.Background()
	key := FromToken("short")

	reserved, err := s.Reserve(ctx, key, "a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, reserved)

	assert.Eventually(t, func() bool {
		ok, err := s.Reserve(ctx, key, "b", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	n, err := client.Exists(ctx, "test:idem:"+string(key)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDynamoStore_Contract(t *testing.T) {
	storeContract(t, NewDynamoStore(newFakeDynamo(), ""))
}

func TestDynamoStore_ExpiredItemIsAbsent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "custom")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	key := FromToken("dyn")
	require.NoError(t, s.Complete(ctx, key, "a", Record{State: StateSucceeded, Value: json.RawMessage(`1`)}, time.Hour))

	item := fake.items[string(key)]
	require.NotNil(t, item)
	assert.Contains(t, item, "ttl")
	assert.Equal(t, "custom", fake.lastTable)

	now = now.Add(2 * time.Hour)
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "items past expiry are ignored before DynamoDB TTL removes them")

	reserved, err := s.Reserve(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}
