package rate_limiting_strategies

import (
	"math"
	"strings"
	"time"
)

const (
	defaultPrefix = "ratelimiter"
	// minRate keeps refill and leak rates strictly positive.
	minRate = 0.000001
	// minBucketTTL is the shortest lifetime of bucket state.
	minBucketTTL = 2 * time.Minute
	// maxBucketTTL bounds state lifetime for very slow refill rates.
	maxBucketTTL = 24 * time.Hour
)

type options struct {
	prefix             string
	capacityMultiplier float64
	refillPerSecond    float64
}

// Option configures a strategy.
type Option func(*options)

// WithPrefix sets the key prefix for all state entries (default "ratelimiter").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if p := strings.TrimSpace(prefix); p != "" {
			o.prefix = p
		}
	}
}

// WithCapacityMultiplier scales token bucket capacity relative to the policy limit.
// Values below 0.1 are raised to 0.1.
func WithCapacityMultiplier(m float64) Option {
	return func(o *options) {
		o.capacityMultiplier = m
	}
}

// WithRefillPerSecond fixes the token bucket refill rate. Zero derives it from limit/window.
func WithRefillPerSecond(rate float64) Option {
	return func(o *options) {
		o.refillPerSecond = rate
	}
}

func newOptions(opts []Option) options {
	o := options{
		prefix:             defaultPrefix,
		capacityMultiplier: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func stateKey(prefix, kind, key, route string) string {
	return prefix + ":" + kind + ":" + key + ":" + route
}

// perSecond returns limit/window clamped to minRate.
func perSecond(limit int64, window time.Duration) float64 {
	seconds := window.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	return math.Max(minRate, float64(limit)/seconds)
}

// bucketTTL keeps bucket state alive for at least one window and long enough to refill or drain fully.
func bucketTTL(window time.Duration, capacity int64, rate float64) time.Duration {
	ttl := max(window, minBucketTTL)
	seconds := math.Ceil(float64(capacity) / rate)
	if seconds >= maxBucketTTL.Seconds() {
		return max(ttl, maxBucketTTL)
	}
	return max(ttl, time.Duration(seconds)*time.Second)
}
