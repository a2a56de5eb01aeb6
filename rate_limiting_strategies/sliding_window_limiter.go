package rate_limiting_strategies

import (
	"context"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ distributed_rate_limiter.Strategy = &slidingWindowLimiter{}
)

type slidingWindowLimiter struct {
	client redis.Scripter
	now    func() time.Time
	opts   options
}

// NewSlidingWindowLimiter initializes a new sliding window log rate limiter.
func NewSlidingWindowLimiter(client redis.Scripter, now func() time.Time, opts ...Option) distributed_rate_limiter.Strategy {
	return &slidingWindowLimiter{
		client: client,
		now:    now,
		opts:   newOptions(opts),
	}
}

// Execute performs rate limiting using a sliding window strategy.
//
// Every admitted unit of cost is one sorted set member scored by its timestamp, so a request of
// cost n occupies n slots. Members are "<uuid>:<i>" to keep them distinct.
func (s *slidingWindowLimiter) Execute(ctx context.Context, r *distributed_rate_limiter.Request) (*distributed_rate_limiter.Result, error) {
	return runScript(ctx, s.client, slidingWindowScript,
		stateKey(s.opts.prefix, "sliding", r.Key, r.Route),
		distributed_rate_limiter.ReasonSlidingWindowExceeded,
		s.now().UnixMilli(),
		max(time.Millisecond, r.Duration).Milliseconds(),
		max(1, r.Limit),
		r.Cost,
		uuid.NewString(),
	)
}
