package engine

import (
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/metrics"
	"github.com/aryangodara/distributed_rate_limiter/rate_limiting_strategies"
	"go.uber.org/zap"
)

const (
	defaultStoreTimeout  = 250 * time.Millisecond
	defaultLimit         = 10
	defaultWindowSeconds = 60
	// hardBlockRetryAfter is the retry hint for keys past their lifetime cap.
	hardBlockRetryAfter = 60
)

type settings struct {
	logger               *zap.Logger
	recorder             metrics.Recorder
	now                  func() time.Time
	failOpen             bool
	storeTimeout         time.Duration
	defaultAlgorithm     distributed_rate_limiter.Algorithm
	defaultLimit         int64
	defaultWindowSeconds int64
	strategyOpts         []rate_limiting_strategies.Option
	overrides            map[distributed_rate_limiter.Algorithm]distributed_rate_limiter.Strategy
}

// Option configures an Engine.
type Option func(*settings)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *settings) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock replaces time.Now for strategies and policy timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFailOpen admits requests when the shared state store cannot be reached.
func WithFailOpen(failOpen bool) Option {
	return func(s *settings) {
		s.failOpen = failOpen
	}
}

// WithStoreTimeout bounds every strategy call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithDefaultAlgorithm sets the algorithm given to policies that have none.
func WithDefaultAlgorithm(a distributed_rate_limiter.Algorithm) Option {
	return func(s *settings) {
		if parsed, ok := distributed_rate_limiter.ParseAlgorithm(string(a)); ok {
			s.defaultAlgorithm = parsed
		}
	}
}

// WithPolicyDefaults sets the limit and window CreatePolicy uses when a spec leaves them zero.
func WithPolicyDefaults(limit, windowSeconds int64) Option {
	return func(s *settings) {
		if limit > 0 {
			s.defaultLimit = limit
		}
		if windowSeconds > 0 {
			s.defaultWindowSeconds = windowSeconds
		}
	}
}

// WithStrategyOptions passes options such as key prefix and token bucket tuning to every strategy.
func WithStrategyOptions(opts ...rate_limiting_strategies.Option) Option {
	return func(s *settings) {
		s.strategyOpts = append(s.strategyOpts, opts...)
	}
}

// WithStrategy replaces the strategy used for one algorithm.
func WithStrategy(a distributed_rate_limiter.Algorithm, strategy distributed_rate_limiter.Strategy) Option {
	return func(s *settings) {
		s.overrides[a] = strategy
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:               zap.NewNop(),
		recorder:             metrics.NoOp{},
		now:                  time.Now,
		storeTimeout:         defaultStoreTimeout,
		defaultAlgorithm:     distributed_rate_limiter.SlidingWindow,
		defaultLimit:         defaultLimit,
		defaultWindowSeconds: defaultWindowSeconds,
		overrides:            map[distributed_rate_limiter.Algorithm]distributed_rate_limiter.Strategy{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
