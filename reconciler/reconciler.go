// Package reconciler maintains per-key usage counters and repairs them on demand.
//
// Record is the only mutation on the request path and goes through the store's atomic Increment.
// Reconcile is an explicit repair pass: it restores allowed+blocked == total for every key, enforces
// the hard-block floor, and rewrites the aggregate as the sum of the per-key counters. Both only
// write rows that actually change, so a second Reconcile over unchanged data writes nothing.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"go.uber.org/zap"
)

// Reconciler records decisions and repairs counters through a policy.Store.
type Reconciler struct {
	store  policy.Store
	logger *zap.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used for repair messages.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Reconciler writing through store.
func New(store policy.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report is the outcome of one Reconcile pass.
type Report struct {
	Aggregate distributed_rate_limiter.UsageCounters `json:"aggregate"`
	Policies  []distributed_rate_limiter.Policy      `json:"policies"`
	Repaired  int                                    `json:"repaired"`
}

// Record counts one evaluation against key.
//
// The key is marked Blocked when the request was denied or the lifetime threshold is exceeded,
// and Normal otherwise.
func (r *Reconciler) Record(ctx context.Context, key string, allowed bool) (distributed_rate_limiter.Policy, error) {
	p, err := r.store.Increment(ctx, key, allowed)
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to record usage for %v: %w", key, err)
	}
	return p, nil
}

// Reset zeroes the counters of key and marks it Normal, lifting a hard block.
func (r *Reconciler) Reset(ctx context.Context, key string) (distributed_rate_limiter.Policy, error) {
	p, err := r.store.Update(ctx, key, func(p *distributed_rate_limiter.Policy) error {
		p.Usage = distributed_rate_limiter.UsageCounters{}
		p.Status = distributed_rate_limiter.StatusNormal
		return nil
	})
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to reset usage for %v: %w", key, err)
	}
	r.logger.Info("usage reset", zap.String("api_key", key))
	return p, nil
}

// Reconcile repairs every policy and the aggregate.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	policies, err := r.store.List(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	report.Policies = make([]distributed_rate_limiter.Policy, 0, len(policies))
	for _, p := range policies {
		if _, changed := Repair(p); changed {
			p, err = r.store.Update(ctx, p.Key, func(cur *distributed_rate_limiter.Policy) error {
				fixed, changed := Repair(*cur)
				if !changed {
					return policy.ErrSkip
				}
				*cur = fixed
				return nil
			})
			if errors.Is(err, distributed_rate_limiter.ErrPolicyNotFound) {
				continue
			}
			if err != nil {
				return Report{}, fmt.Errorf("failed to repair usage for %v: %w", p.Key, err)
			}
			report.Repaired++
			r.logger.Info("usage counters repaired",
				zap.String("api_key", p.Key),
				zap.Int64("total", p.Usage.Total),
				zap.Int64("allowed", p.Usage.Allowed),
				zap.Int64("blocked", p.Usage.Blocked),
				zap.String("status", string(p.Status)),
			)
		}
		report.Policies = append(report.Policies, p)
		report.Aggregate = report.Aggregate.Add(p.Usage)
	}

	stored, err := r.store.Aggregate(ctx)
	if err != nil {
		return Report{}, err
	}
	if stored != report.Aggregate {
		if err := r.store.SaveAggregate(ctx, report.Aggregate); err != nil {
			return Report{}, err
		}
		r.logger.Debug("aggregate usage rewritten",
			zap.Int64("total", report.Aggregate.Total),
			zap.Int64("allowed", report.Aggregate.Allowed),
			zap.Int64("blocked", report.Aggregate.Blocked),
		)
	}
	return report, nil
}

// Repair returns p with consistent counters and status, and whether anything changed.
//
// Negative counters are clamped to zero. A shortfall of allowed+blocked against total is credited
// to blocked for Blocked keys and to allowed otherwise; an excess is trimmed from allowed first.
// Once total exceeds a positive threshold H, at least total-H requests count as blocked and the key
// is Blocked.
func Repair(p distributed_rate_limiter.Policy) (distributed_rate_limiter.Policy, bool) {
	u := distributed_rate_limiter.UsageCounters{
		Total:   max(0, p.Usage.Total),
		Allowed: max(0, p.Usage.Allowed),
		Blocked: max(0, p.Usage.Blocked),
	}
	status := policy.NormalizeStatus(p.Status)

	if sum := u.Allowed + u.Blocked; sum < u.Total {
		if status == distributed_rate_limiter.StatusBlocked {
			u.Blocked += u.Total - sum
		} else {
			u.Allowed += u.Total - sum
		}
	} else if sum > u.Total {
		excess := sum - u.Total
		take := min(excess, u.Allowed)
		u.Allowed -= take
		u.Blocked -= excess - take
	}

	if p.HardBlockThreshold > 0 && u.Total > p.HardBlockThreshold {
		if floor := u.Total - p.HardBlockThreshold; u.Blocked < floor {
			u.Allowed -= floor - u.Blocked
			u.Blocked = floor
		}
		status = distributed_rate_limiter.StatusBlocked
	}

	changed := u != p.Usage || status != p.Status
	p.Usage = u
	p.Status = status
	return p, changed
}
