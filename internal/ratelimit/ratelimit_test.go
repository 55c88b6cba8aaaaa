package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct {
	redis.Cmdable

	counts    map[string]int64
	expires   map[string]time.Duration
	err       error
	expireErr error
}

func newStubCounter() *stubCounter {
	return &stubCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (s *stubCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "incr", key)
	if s.err != nil {
		cmd.SetErr(s.err)
		return cmd
	}
	s.counts[key]++
	cmd.SetVal(s.counts[key])
	return cmd
}

func (s *stubCounter) ExpireNX(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx, "expire", key, ttl, "nx")
	if s.expireErr != nil {
		cmd.SetErr(s.expireErr)
		return cmd
	}
	if _, ok := s.expires[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	s.expires[key] = ttl
	cmd.SetVal(true)
	return cmd
}

func TestLimiter_Allow(t *testing.T) {
	rdb := newStubCounter()
	l := New(rdb, "submit", 2, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, 1))
	require.NoError(t, l.Allow(ctx, 1))
	assert.ErrorIs(t, l.Allow(ctx, 1), ErrLimited)

	require.NoError(t, l.Allow(ctx, 2), "limits are per user")

	assert.Equal(t, time.Minute, rdb.expires["ratelimit:submit:1"])
}

func TestLimiter_TTLRestoredAfterFailedExpire(t *testing.T) {
	rdb := newStubCounter()
	rdb.expireErr = errors.New("timeout")
	l := New(rdb, "submit", 5, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, 1))
	_, ok := rdb.expires["ratelimit:submit:1"]
	require.False(t, ok)

	rdb.expireErr = nil
	require.NoError(t, l.Allow(ctx, 1))
	assert.Equal(t, time.Minute, rdb.expires["ratelimit:submit:1"])
}

func TestLimiter_Disabled(t *testing.T) {
	ctx := context.Background()

	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Allow(ctx, 1))

	l := New(nil, "submit", 1, time.Minute, nil)
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Allow(ctx, 1))
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	rdb := newStubCounter()
	rdb.err = errors.New("connection refused")

	l := New(rdb, "submit", 1, time.Minute, nil)
	assert.NoError(t, l.Allow(context.Background(), 1))
	assert.NoError(t, l.Allow(context.Background(), 1))
}

func TestConnect_EmptyURL(t *testing.T) {
	client, err := Connect(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = Connect(context.Background(), "://bad")
	assert.Error(t, err)
}
