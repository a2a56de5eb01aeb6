// Package engine is the decision engine: it resolves a key's policy, applies the lifetime hard block,
// dispatches to the configured algorithm, and records the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/metrics"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"github.com/aryangodara/distributed_rate_limiter/rate_limiting_strategies"
	"github.com/aryangodara/distributed_rate_limiter/reconciler"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ distributed_rate_limiter.Evaluator = &Engine{}

// Engine evaluates requests against per-key policies.
type Engine struct {
	store      policy.Store
	reconciler *reconciler.Reconciler
	strategies map[distributed_rate_limiter.Algorithm]distributed_rate_limiter.Strategy
	settings
}

// New builds an Engine whose strategies run against client.
func New(store policy.Store, client redis.Scripter, opts ...Option) *Engine {
	s := newSettings(opts)

	tokenBucket := rate_limiting_strategies.NewTokenBucketLimiter(client, s.now, s.strategyOpts...)
	slidingWindow := rate_limiting_strategies.NewSlidingWindowLimiter(client, s.now, s.strategyOpts...)
	strategies := map[distributed_rate_limiter.Algorithm]distributed_rate_limiter.Strategy{
		distributed_rate_limiter.TokenBucket:   tokenBucket,
		distributed_rate_limiter.SlidingWindow: slidingWindow,
		distributed_rate_limiter.FixedWindow:   rate_limiting_strategies.NewFixedWindowLimiter(client, s.now, s.strategyOpts...),
		distributed_rate_limiter.LeakyBucket:   rate_limiting_strategies.NewLeakyBucketLimiter(client, s.now, s.strategyOpts...),
		distributed_rate_limiter.Combined:      rate_limiting_strategies.NewCombinedLimiter(tokenBucket, slidingWindow),
	}
	for a, strategy := range s.overrides {
		strategies[a] = strategy
	}

	return &Engine{
		store:      store,
		reconciler: reconciler.New(store, reconciler.WithLogger(s.logger)),
		strategies: strategies,
		settings:   s,
	}
}

// Evaluate decides whether apiKey may spend cost units on route.
//
// algorithm may be empty. Caller input problems and unknown keys are returned as errors together
// with a denied decision. A shared state store failure yields a LIMITER_ERROR denial wrapping
// ErrStoreUnavailable, or an allowed FAIL_OPEN_REDIS_UNAVAILABLE decision when the engine fails open.
func (e *Engine) Evaluate(ctx context.Context, apiKey, route string, cost int64, algorithm distributed_rate_limiter.Algorithm) (distributed_rate_limiter.Decision, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return e.reject(distributed_rate_limiter.ReasonInvalidKey, 0), distributed_rate_limiter.ErrInvalidKey
	}
	if cost < 1 {
		return e.reject(distributed_rate_limiter.ReasonInvalidRequest, 0), distributed_rate_limiter.ErrInvalidCost
	}
	requested, err := policy.NormalizeAlgorithm(string(algorithm))
	if err != nil {
		return e.reject(distributed_rate_limiter.ReasonInvalidRequest, 0), err
	}

	p, err := e.store.Get(ctx, key)
	if errors.Is(err, distributed_rate_limiter.ErrPolicyNotFound) {
		return e.reject(distributed_rate_limiter.ReasonInvalidKey, 0), err
	}
	if err != nil {
		e.logger.Warn("policy store failure", zap.String("api_key", key), zap.Error(err))
		return e.reject(distributed_rate_limiter.ReasonLimiterError, 1), fmt.Errorf("%w: %v", distributed_rate_limiter.ErrStoreUnavailable, err)
	}

	if p.HardBlocked() {
		decision := deny(distributed_rate_limiter.ReasonHardBlock, hardBlockRetryAfter, e.storedOrDefault(p))
		e.logger.Info("hard block threshold exceeded",
			zap.String("api_key", key),
			zap.Int64("total", p.Usage.Total),
			zap.Int64("threshold", p.HardBlockThreshold),
		)
		e.record(ctx, key, decision)
		return decision, nil
	}

	effective, err := e.resolveAlgorithm(ctx, p, requested)
	if err != nil {
		return e.reject(distributed_rate_limiter.ReasonInvalidRequest, 0), err
	}
	route = policy.NormalizeRoute(route)

	decision, err := e.dispatch(ctx, &distributed_rate_limiter.Request{
		Key:      key,
		Route:    route,
		Cost:     cost,
		Limit:    p.Limit,
		Duration: p.Window(),
	}, effective)
	if err != nil {
		return decision, err
	}
	e.record(ctx, key, decision)
	return decision, nil
}

// resolveAlgorithm applies the stored algorithm, fixing it on first use.
func (e *Engine) resolveAlgorithm(ctx context.Context, p distributed_rate_limiter.Policy, requested distributed_rate_limiter.Algorithm) (distributed_rate_limiter.Algorithm, error) {
	if stored, ok := distributed_rate_limiter.ParseAlgorithm(string(p.Algorithm)); ok {
		if requested != "" && requested != stored {
			return "", fmt.Errorf("%w: key uses %v, request asked for %v", distributed_rate_limiter.ErrAlgorithmMismatch, stored, requested)
		}
		return stored, nil
	}

	effective := requested
	if effective == "" {
		effective = e.defaultAlgorithm
	}
	updated, err := e.store.Update(ctx, p.Key, func(cur *distributed_rate_limiter.Policy) error {
		if stored, ok := distributed_rate_limiter.ParseAlgorithm(string(cur.Algorithm)); ok {
			effective = stored
			return policy.ErrSkip
		}
		cur.Algorithm = effective
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to persist algorithm", zap.String("api_key", p.Key), zap.String("algorithm", string(effective)), zap.Error(err))
		return effective, nil
	}
	if requested != "" && updated.Algorithm != requested {
		return "", fmt.Errorf("%w: key uses %v, request asked for %v", distributed_rate_limiter.ErrAlgorithmMismatch, updated.Algorithm, requested)
	}
	return effective, nil
}

func (e *Engine) dispatch(ctx context.Context, r *distributed_rate_limiter.Request, a distributed_rate_limiter.Algorithm) (distributed_rate_limiter.Decision, error) {
	strategy, ok := e.strategies[a]
	if !ok {
		return e.reject(distributed_rate_limiter.ReasonInvalidRequest, 0), fmt.Errorf("%w: %v", distributed_rate_limiter.ErrUnsupportedAlgorithm, a)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	res, err := strategy.Execute(callCtx, r)
	cancel()
	e.recorder.Observe(metrics.EvaluateSeconds, time.Since(start).Seconds(), map[string]string{"algorithm": string(a)})

	if err != nil {
		fields := []zap.Field{
			zap.String("api_key", r.Key),
			zap.String("route", r.Route),
			zap.String("algorithm", string(a)),
			zap.Error(err),
		}
		if e.failOpen {
			e.logger.Warn("state store unavailable, admitting request", fields...)
			return distributed_rate_limiter.Decision{
				Allowed:   true,
				Reason:    distributed_rate_limiter.ReasonFailOpen,
				Algorithm: a,
			}, nil
		}
		e.logger.Warn("state store unavailable", fields...)
		decision := deny(distributed_rate_limiter.ReasonLimiterError, 1, a)
		e.count(decision)
		return decision, fmt.Errorf("%w: %v", distributed_rate_limiter.ErrStoreUnavailable, err)
	}

	if res.Reason == distributed_rate_limiter.ReasonLimiterError {
		e.logger.Error("malformed limiter reply",
			zap.String("api_key", r.Key),
			zap.String("route", r.Route),
			zap.String("algorithm", string(a)),
		)
	}
	if res.Allowed() {
		return distributed_rate_limiter.Decision{
			Allowed:   true,
			Reason:    distributed_rate_limiter.ReasonAllowed,
			Algorithm: a,
		}, nil
	}
	return deny(res.Reason, max(1, res.RetryAfter), a), nil
}

// record persists the outcome in the usage counters and emits the decision metric.
// A counter write failure is logged and does not change the decision.
func (e *Engine) record(ctx context.Context, key string, d distributed_rate_limiter.Decision) {
	e.count(d)
	if _, err := e.reconciler.Record(ctx, key, d.Allowed); err != nil {
		e.logger.Warn("failed to record usage", zap.String("api_key", key), zap.Error(err))
	}
}

func (e *Engine) count(d distributed_rate_limiter.Decision) {
	result := "blocked"
	if d.Allowed {
		result = "allowed"
	}
	e.recorder.Add(metrics.RequestsTotal, 1, map[string]string{
		"algorithm": string(d.Algorithm),
		"result":    result,
	})
}

// reject counts a denial issued before any strategy ran.
func (e *Engine) reject(reason distributed_rate_limiter.Reason, retryAfter int64) distributed_rate_limiter.Decision {
	d := deny(reason, retryAfter, "")
	e.count(d)
	return d
}

func (e *Engine) storedOrDefault(p distributed_rate_limiter.Policy) distributed_rate_limiter.Algorithm {
	if a, ok := distributed_rate_limiter.ParseAlgorithm(string(p.Algorithm)); ok {
		return a
	}
	return e.defaultAlgorithm
}

func deny(reason distributed_rate_limiter.Reason, retryAfter int64, a distributed_rate_limiter.Algorithm) distributed_rate_limiter.Decision {
	return distributed_rate_limiter.Decision{
		Allowed:           false,
		RetryAfterSeconds: retryAfter,
		Reason:            reason,
		Algorithm:         a,
	}
}

// PolicySpec is the caller-supplied part of a new policy.
type PolicySpec struct {
	Owner              string                             `json:"ownerName"`
	Limit              int64                              `json:"rateLimit"`
	WindowSeconds      int64                              `json:"windowSeconds"`
	Algorithm          distributed_rate_limiter.Algorithm `json:"algorithm,omitempty"`
	HardBlockThreshold int64                              `json:"hardBlockThreshold"`
}

// CreatePolicy issues a new API key for spec and persists its policy.
func (e *Engine) CreatePolicy(ctx context.Context, spec PolicySpec) (distributed_rate_limiter.Policy, error) {
	owner := strings.TrimSpace(spec.Owner)
	if owner == "" {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("%w: ownerName is required", distributed_rate_limiter.ErrInvalidPolicy)
	}
	algorithm, err := policy.NormalizeAlgorithm(string(spec.Algorithm))
	if err != nil {
		return distributed_rate_limiter.Policy{}, err
	}

	p := distributed_rate_limiter.Policy{
		Key:                uuid.NewString(),
		Owner:              owner,
		Limit:              spec.Limit,
		WindowSeconds:      spec.WindowSeconds,
		Algorithm:          algorithm,
		HardBlockThreshold: spec.HardBlockThreshold,
		Status:             distributed_rate_limiter.StatusNormal,
		CreatedAt:          e.now().UTC(),
	}
	if p.Limit == 0 {
		p.Limit = e.defaultLimit
	}
	if p.WindowSeconds == 0 {
		p.WindowSeconds = e.defaultWindowSeconds
	}
	if err := policy.Validate(p); err != nil {
		return distributed_rate_limiter.Policy{}, err
	}
	if err := e.store.Save(ctx, p); err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("%w: %v", distributed_rate_limiter.ErrStoreUnavailable, err)
	}
	e.logger.Info("policy created",
		zap.String("api_key", p.Key),
		zap.String("owner", p.Owner),
		zap.String("algorithm", string(p.Algorithm)),
	)
	return p, nil
}

// Stats reconciles every key's counters and returns them with the aggregate.
func (e *Engine) Stats(ctx context.Context) (reconciler.Report, error) {
	return e.reconciler.Reconcile(ctx)
}

// ResetUsage zeroes the counters of key, lifting a hard block.
func (e *Engine) ResetUsage(ctx context.Context, key string) (distributed_rate_limiter.Policy, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return distributed_rate_limiter.Policy{}, distributed_rate_limiter.ErrInvalidKey
	}
	return e.reconciler.Reset(ctx, key)
}
