package rate_limiting_strategies

import (
	"context"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/redis/go-redis/v9"
)

var (
	_ distributed_rate_limiter.Strategy = &leakyBucketLimiter{}
)

type leakyBucketLimiter struct {
	client redis.Scripter
	now    func() time.Time
	opts   options
}

// NewLeakyBucketLimiter creates a leaky bucket limiter with capacity max(1, limit) draining at limit/window per second.
func NewLeakyBucketLimiter(client redis.Scripter, now func() time.Time, opts ...Option) distributed_rate_limiter.Strategy {
	return &leakyBucketLimiter{
		client: client,
		now:    now,
		opts:   newOptions(opts),
	}
}

// Execute performs rate limiting using a leaky bucket held in a Redis hash.
func (l *leakyBucketLimiter) Execute(ctx context.Context, r *distributed_rate_limiter.Request) (*distributed_rate_limiter.Result, error) {
	capacity := max(1, r.Limit)
	leak := perSecond(r.Limit, r.Duration)

	return runScript(ctx, l.client, leakyBucketScript,
		stateKey(l.opts.prefix, "leaky", r.Key, r.Route),
		distributed_rate_limiter.ReasonLeakyBucketExceeded,
		l.now().UnixMilli(),
		capacity,
		leak,
		r.Cost,
		bucketTTL(r.Duration, capacity, leak).Milliseconds(),
	)
}
