package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/webrelay/internal/model"
)

func TestMemStore_PutOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(time.Hour, 10)

	ok, err := s.PutOnce(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.PutOnce(ctx, "job_1")
	assert.False(t, ok, "duplicate inside the window")

	require.NoError(t, s.Forget(ctx, "job_1"))
	ok, _ = s.PutOnce(ctx, "job_1")
	assert.True(t, ok, "forgotten key is accepted again")
}

func TestMemStore_Expires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemStore(time.Minute, 10)
	s.now = func() time.Time { return now }

	ok, _ := s.PutOnce(ctx, "job_1")
	require.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = s.PutOnce(ctx, "job_1")
	assert.True(t, ok, "expired key is accepted again")
}

func TestMemStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemStore(time.Hour, 2)
	s.now = func() time.Time { now = now.Add(time.Second); return now }

	for _, k := range []string{"a", "b", "c"} {
		ok, _ := s.PutOnce(ctx, k)
		require.True(t, ok)
	}
	assert.Equal(t, 2, s.Len())

	ok, _ := s.PutOnce(ctx, "a")
	assert.True(t, ok, "oldest key was evicted")
	ok, _ = s.PutOnce(ctx, "c")
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedisStore(ctx, model.RedisConfig{Addr: mr.Addr()}, time.Minute)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.PutOnce(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(KeyPrefix+"job_1"))

	ok, err = s.PutOnce(ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.PutOnce(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, ok, "key expired with its TTL")

	require.NoError(t, s.Forget(ctx, "job_1"))
	assert.False(t, mr.Exists(KeyPrefix+"job_1"))
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), model.RedisConfig{Addr: addr}, time.Minute)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, model.IdempotencyConfig{Backend: model.IdempotencyOff})
	require.NoError(t, err)
	ok, _ := s.PutOnce(ctx, "x")
	ok2, _ := s.PutOnce(ctx, "x")
	assert.True(t, ok && ok2)

	s, err = New(ctx, model.IdempotencyConfig{Backend: model.IdempotencyMemory, TTLSec: 60})
	require.NoError(t, err)
	assert.IsType(t, &MemStore{}, s)

	mr := miniredis.RunT(t)
	s, err = New(ctx, model.IdempotencyConfig{Backend: model.IdempotencyRedis, TTLSec: 60, Redis: model.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	s.Close()

	_, err = New(ctx, model.IdempotencyConfig{Backend: "sqlite"})
	assert.Error(t, err)
}
