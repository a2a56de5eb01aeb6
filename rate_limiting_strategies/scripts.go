package rate_limiting_strategies

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/redis/go-redis/v9"
)

var (
	//go:embed lua/token_bucket.lua
	tokenBucketSource string
	//go:embed lua/sliding_window.lua
	slidingWindowSource string
	//go:embed lua/fixed_window.lua
	fixedWindowSource string
	//go:embed lua/leaky_bucket.lua
	leakyBucketSource string

	tokenBucketScript   = redis.NewScript(tokenBucketSource)
	slidingWindowScript = redis.NewScript(slidingWindowSource)
	fixedWindowScript   = redis.NewScript(fixedWindowSource)
	leakyBucketScript   = redis.NewScript(leakyBucketSource)
)

// Reply codes returned in the third slot of every script reply.
const (
	codeAllowed int64 = iota
	codeTokenBucket
	codeSlidingWindow
	codeFixedWindow
	codeLeakyBucket
)

var codeReasons = map[int64]distributed_rate_limiter.Reason{
	codeAllowed:       distributed_rate_limiter.ReasonAllowed,
	codeTokenBucket:   distributed_rate_limiter.ReasonTokenBucketExceeded,
	codeSlidingWindow: distributed_rate_limiter.ReasonSlidingWindowExceeded,
	codeFixedWindow:   distributed_rate_limiter.ReasonFixedWindowExceeded,
	codeLeakyBucket:   distributed_rate_limiter.ReasonLeakyBucketExceeded,
}

// runScript executes one atomic script and converts its {allowed, retryAfter, code} reply.
// Only transport failures are returned as errors; an error reply from the server or a reply
// of unexpected shape is a denial with LIMITER_ERROR.
func runScript(ctx context.Context, client redis.Scripter, script *redis.Script, key string, fallback distributed_rate_limiter.Reason, args ...interface{}) (*distributed_rate_limiter.Result, error) {
	values, err := script.Run(ctx, client, []string{key}, args...).Slice()
	if err != nil {
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return limiterError(), nil
		}
		return nil, fmt.Errorf("failed to run script for key %v: %w", key, err)
	}
	return parseReply(values, fallback), nil
}

func parseReply(values []interface{}, fallback distributed_rate_limiter.Reason) *distributed_rate_limiter.Result {
	if len(values) < 3 {
		return limiterError()
	}

	nums := make([]int64, 3)
	for i := range nums {
		n, ok := toInt64(values[i])
		if !ok {
			return limiterError()
		}
		nums[i] = n
	}

	if nums[0] == 1 {
		return &distributed_rate_limiter.Result{
			State:  distributed_rate_limiter.Allow,
			Reason: distributed_rate_limiter.ReasonAllowed,
		}
	}

	reason, ok := codeReasons[nums[2]]
	if !ok || reason == distributed_rate_limiter.ReasonAllowed {
		reason = fallback
	}

	return &distributed_rate_limiter.Result{
		State:      distributed_rate_limiter.Deny,
		RetryAfter: max(1, nums[1]),
		Reason:     reason,
	}
}

func limiterError() *distributed_rate_limiter.Result {
	return &distributed_rate_limiter.Result{
		State:      distributed_rate_limiter.Deny,
		RetryAfter: 1,
		Reason:     distributed_rate_limiter.ReasonLimiterError,
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
