// Package policy defines how the decision engine loads and persists per-key quota configuration
// and usage counters, plus the normalisation rules shared by every backend.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/aryangodara/distributed_rate_limiter"
)

// DefaultRoute is used when a request names no route.
const DefaultRoute = "global"

// ErrSkip may be returned by an Update callback to leave the stored policy untouched.
var ErrSkip = errors.New("policy: no change")

// Store is the narrow persistence contract consumed by the engine and the reconciler.
//
// Get returns distributed_rate_limiter.ErrPolicyNotFound for unknown keys. Update applies fn to
// the current record and writes the result atomically with respect to other Update calls on the
// same key; fn may run more than once when a backend retries an optimistic transaction.
// Increment applies CountUsage to one key as a single atomic step and never drops a count under
// contention.
type Store interface {
	Get(ctx context.Context, key string) (distributed_rate_limiter.Policy, error)
	Save(ctx context.Context, p distributed_rate_limiter.Policy) error
	List(ctx context.Context) ([]distributed_rate_limiter.Policy, error)
	Update(ctx context.Context, key string, fn func(*distributed_rate_limiter.Policy) error) (distributed_rate_limiter.Policy, error)
	Increment(ctx context.Context, key string, allowed bool) (distributed_rate_limiter.Policy, error)
	Aggregate(ctx context.Context) (distributed_rate_limiter.UsageCounters, error)
	SaveAggregate(ctx context.Context, c distributed_rate_limiter.UsageCounters) error
}

// NormalizeRoute lower-cases and trims route and joins whitespace runs with "_".
// An empty route becomes DefaultRoute.
func NormalizeRoute(route string) string {
	fields := strings.FieldsFunc(strings.ToLower(route), unicode.IsSpace)
	if len(fields) == 0 {
		return DefaultRoute
	}
	return strings.Join(fields, "_")
}

// NormalizeAlgorithm parses a requested algorithm name. An empty name is not an error and yields "".
func NormalizeAlgorithm(name string) (distributed_rate_limiter.Algorithm, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil
	}
	a, ok := distributed_rate_limiter.ParseAlgorithm(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", distributed_rate_limiter.ErrUnsupportedAlgorithm, name)
	}
	return a, nil
}

// Validate checks the configuration part of p.
func Validate(p distributed_rate_limiter.Policy) error {
	switch {
	case strings.TrimSpace(p.Key) == "":
		return fmt.Errorf("%w: apiKey is required", distributed_rate_limiter.ErrInvalidPolicy)
	case p.Limit < 1:
		return fmt.Errorf("%w: rateLimit must be positive", distributed_rate_limiter.ErrInvalidPolicy)
	case p.WindowSeconds < 1:
		return fmt.Errorf("%w: windowSeconds must be positive", distributed_rate_limiter.ErrInvalidPolicy)
	case p.HardBlockThreshold < 0:
		return fmt.Errorf("%w: hardBlockThreshold must not be negative", distributed_rate_limiter.ErrInvalidPolicy)
	}
	if p.Algorithm != "" {
		if _, ok := distributed_rate_limiter.ParseAlgorithm(string(p.Algorithm)); !ok {
			return fmt.Errorf("%w: %q", distributed_rate_limiter.ErrUnsupportedAlgorithm, p.Algorithm)
		}
	}
	return nil
}

// NormalizeStatus maps anything other than Blocked to Normal.
func NormalizeStatus(s distributed_rate_limiter.Status) distributed_rate_limiter.Status {
	if strings.EqualFold(string(s), string(distributed_rate_limiter.StatusBlocked)) {
		return distributed_rate_limiter.StatusBlocked
	}
	return distributed_rate_limiter.StatusNormal
}

// CountUsage adds one evaluation to p's counters.
//
// The key becomes Blocked when the request was denied or the lifetime total exceeds a positive
// hard-block threshold, and Normal otherwise.
func CountUsage(p *distributed_rate_limiter.Policy, allowed bool) {
	p.Usage.Total++
	if allowed {
		p.Usage.Allowed++
	} else {
		p.Usage.Blocked++
	}

	overThreshold := p.HardBlockThreshold > 0 && p.Usage.Total > p.HardBlockThreshold
	if !allowed || overThreshold {
		p.Status = distributed_rate_limiter.StatusBlocked
	} else {
		p.Status = distributed_rate_limiter.StatusNormal
	}
}
