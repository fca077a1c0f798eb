package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paygate/internal/pkg/redistest"
	"github.com/ManuelReschke/paygate/pkg/gateway"
)

const isolatedCounterTestRedisDB = 11

var _ gateway.Recorder = (*Recorder)(nil)

func TestRecorder_FlushAndDrain(t *testing.T) {
	ctx := context.Background()
	r := New(redistest.Client(t, isolatedCounterTestRedisDB), "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Incr(ctx, gateway.CounterAttempt)
		}()
	}
	wg.Wait()
	r.Incr(ctx, gateway.CounterGaveUp)

	require.NoError(t, r.Flush(ctx))
	r.Incr(ctx, gateway.CounterAttempt)
	require.NoError(t, r.Flush(ctx))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(51), snap[gateway.CounterAttempt])
	assert.Equal(t, int64(1), snap[gateway.CounterGaveUp])

	drained, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, drained)

	snap, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)

	drained, err = r.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestRecorder_FlushNothing(t *testing.T) {
	r := New(nil, "custom")
	assert.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, "custom", r.key)
}
