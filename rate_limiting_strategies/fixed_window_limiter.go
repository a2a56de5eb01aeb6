package rate_limiting_strategies

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/redis/go-redis/v9"
)

var (
	_ distributed_rate_limiter.Strategy = &fixedWindowLimiter{}
)

type fixedWindowLimiter struct {
	client redis.Scripter
	now    func() time.Time
	opts   options
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
//
// Counters are keyed by the window-aligned bucket start, so a burst straddling a boundary can
// admit up to twice the limit in a short interval.
func NewFixedWindowLimiter(client redis.Scripter, now func() time.Time, opts ...Option) distributed_rate_limiter.Strategy {
	return &fixedWindowLimiter{
		client: client,
		now:    now,
		opts:   newOptions(opts),
	}
}

// Execute performs rate limiting using a fixed window strategy.
func (f *fixedWindowLimiter) Execute(ctx context.Context, r *distributed_rate_limiter.Request) (*distributed_rate_limiter.Result, error) {
	now := f.now().UnixMilli()
	windowMs := max(time.Millisecond, r.Duration).Milliseconds()
	elapsed := now % windowMs
	bucketStart := now - elapsed
	retry := int64(math.Ceil(float64(windowMs-elapsed) / 1000.0))

	key := stateKey(f.opts.prefix, "fixed", r.Key, r.Route) + ":" + strconv.FormatInt(bucketStart, 10)

	return runScript(ctx, f.client, fixedWindowScript, key,
		distributed_rate_limiter.ReasonFixedWindowExceeded,
		max(1, r.Limit),
		r.Cost,
		windowMs,
		max(1, retry),
	)
}
