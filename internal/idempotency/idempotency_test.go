package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisGuard_Lifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewRedisGuard(newFakeRedis(), time.Hour)

	existing, err := g.Begin(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.Empty(t, existing)

	_, err = g.Begin(ctx, "u1", "k1")
	assert.ErrorIs(t, err, apperr.ErrCheckoutInProgress)

	_, err = g.Begin(ctx, "u2", "k1")
	require.NoError(t, err, "keys are scoped per user")

	require.NoError(t, g.Complete(ctx, "u1", "k1", "order-1"))
	existing, err = g.Begin(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", existing)
}

func TestRedisGuard_AbortReleasesKey(t *testing.T) {
	ctx := context.Background()
	g := NewRedisGuard(newFakeRedis(), time.Hour)

	_, err := g.Begin(ctx, "u1", "k1")
	require.NoError(t, err)
	require.NoError(t, g.Abort(ctx, "u1", "k1"))

	existing, err := g.Begin(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.Empty(t, existing)
}
