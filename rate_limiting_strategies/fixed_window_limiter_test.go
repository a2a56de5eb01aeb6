package rate_limiting_strategies

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowLimiter_BoundaryBurst(t *testing.T) {
	server, client := newRedis(t)
	c := &clock{now: alignedStart}
	limiter := NewFixedWindowLimiter(client, c.Now)
	req := &distributed_rate_limiter.Request{Key: "k", Route: "global", Cost: 1, Limit: 5, Duration: time.Minute}

	for i := 0; i < 5; i++ {
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Allowed(), "request %d", i)
	}

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, &distributed_rate_limiter.Result{
		State:      distributed_rate_limiter.Deny,
		RetryAfter: 1,
		Reason:     distributed_rate_limiter.ReasonFixedWindowExceeded,
	}, res)

	firstBucket := "ratelimiter:fixed:k:global:" + strconv.FormatInt(alignedStart.UnixMilli()-59_999, 10)
	count, err := server.Get(firstBucket)
	require.NoError(t, err)
	assert.Equal(t, "5", count)
	assert.Equal(t, time.Minute, server.TTL(firstBucket))

	c.Advance(time.Millisecond)
	for i := 0; i < 5; i++ {
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Allowed(), "request %d after boundary", i)
	}
}

func TestFixedWindowLimiter_RetryUntilWindowEnd(t *testing.T) {
	_, client := newRedis(t)
	c := &clock{now: alignedStart.Add(-20*time.Second + time.Millisecond)}
	limiter := NewFixedWindowLimiter(client, c.Now)
	req := &distributed_rate_limiter.Request{Key: "k", Route: "global", Cost: 2, Limit: 3, Duration: time.Minute}

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Allowed())

	res, err = limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, int64(20), res.RetryAfter)
}
