package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"github.com/aryangodara/distributed_rate_limiter/policy/storetest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, New(client)
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) policy.Store {
		_, s := newStore(t)
		return s
	})
}

func TestStore_Layout(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, WithPrefix("tenant"))

	require.NoError(t, s.Save(context.Background(), storetest.Sample("abc")))
	require.NoError(t, s.SaveAggregate(context.Background(), distributed_rate_limiter.UsageCounters{Total: 1, Allowed: 1}))

	assert.Equal(t, "5", server.HGet("tenant:policy:abc", "limit"))
	assert.Equal(t, "SLIDING_WINDOW", server.HGet("tenant:policy:abc", "algorithm"))
	ok, err := server.SIsMember("tenant:policies", "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", server.HGet("tenant:usage:aggregate", "total"))
}

func TestStore_CorruptField(t *testing.T) {
	server, s := newStore(t)
	require.NoError(t, s.Save(context.Background(), storetest.Sample("abc")))
	server.HSet("ratelimiter:policy:abc", "limit", "many")

	_, err := s.Get(context.Background(), "abc")
	assert.ErrorContains(t, err, "limit")
}

func TestStore_Unavailable(t *testing.T) {
	server, s := newStore(t)
	server.Close()

	_, err := s.Get(context.Background(), "abc")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, distributed_rate_limiter.ErrPolicyNotFound)
}
