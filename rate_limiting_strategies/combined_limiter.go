package rate_limiting_strategies

import (
	"context"

	"github.com/aryangodara/distributed_rate_limiter"
)

var (
	_ distributed_rate_limiter.Strategy = &combinedLimiter{}
)

type combinedLimiter struct {
	burst  distributed_rate_limiter.Strategy
	window distributed_rate_limiter.Strategy
}

// NewCombinedLimiter runs burst first and window only when burst admits the request.
// A denial from burst is returned unmodified and leaves window state untouched.
func NewCombinedLimiter(burst, window distributed_rate_limiter.Strategy) distributed_rate_limiter.Strategy {
	return &combinedLimiter{
		burst:  burst,
		window: window,
	}
}

// Execute requires both strategies to admit the request.
func (c *combinedLimiter) Execute(ctx context.Context, r *distributed_rate_limiter.Request) (*distributed_rate_limiter.Result, error) {
	res, err := c.burst.Execute(ctx, r)
	if err != nil {
		return nil, err
	}
	if !res.Allowed() {
		return res, nil
	}
	return c.window.Execute(ctx, r)
}
