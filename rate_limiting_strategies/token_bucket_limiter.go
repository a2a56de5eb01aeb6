package rate_limiting_strategies

import (
	"context"
	"math"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/redis/go-redis/v9"
)

var (
	_ distributed_rate_limiter.Strategy = &tokenBucketLimiter{}
)

type tokenBucketLimiter struct {
	client redis.Scripter
	now    func() time.Time
	opts   options
}

// NewTokenBucketLimiter creates a new Token Bucket rate limiter.
//
// Capacity is max(1, round(limit * capacityMultiplier)). The refill rate is the fixed rate set
// with WithRefillPerSecond, or limit/window when none is set.
func NewTokenBucketLimiter(client redis.Scripter, now func() time.Time, opts ...Option) distributed_rate_limiter.Strategy {
	return &tokenBucketLimiter{
		client: client,
		now:    now,
		opts:   newOptions(opts),
	}
}

// Execute performs rate limiting using a token bucket held in a Redis hash.
func (t *tokenBucketLimiter) Execute(ctx context.Context, r *distributed_rate_limiter.Request) (*distributed_rate_limiter.Result, error) {
	capacity := t.capacity(r.Limit)
	refill := t.refillRate(r)
	ttl := bucketTTL(r.Duration, capacity, refill)

	return runScript(ctx, t.client, tokenBucketScript,
		stateKey(t.opts.prefix, "bucket", r.Key, r.Route),
		distributed_rate_limiter.ReasonTokenBucketExceeded,
		t.now().UnixMilli(),
		capacity,
		refill,
		r.Cost,
		ttl.Milliseconds(),
	)
}

func (t *tokenBucketLimiter) capacity(limit int64) int64 {
	multiplier := math.Max(0.1, t.opts.capacityMultiplier)
	return max(1, int64(math.Round(float64(limit)*multiplier)))
}

func (t *tokenBucketLimiter) refillRate(r *distributed_rate_limiter.Request) float64 {
	if t.opts.refillPerSecond > 0 {
		return math.Max(minRate, t.opts.refillPerSecond)
	}
	return perSecond(r.Limit, r.Duration)
}
