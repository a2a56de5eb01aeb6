// Package storetest holds the behaviour every policy.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample returns a valid policy created at a fixed, second-aligned instant.
func Sample(key string) distributed_rate_limiter.Policy {
	return distributed_rate_limiter.Policy{
		Key:                key,
		Owner:              "owner-" + key,
		Limit:              5,
		WindowSeconds:      60,
		Algorithm:          distributed_rate_limiter.SlidingWindow,
		HardBlockThreshold: 100,
		Status:             distributed_rate_limiter.StatusNormal,
		CreatedAt:          time.Date(2024, time.June, 23, 10, 0, 0, 0, time.UTC),
	}
}

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) policy.Store) {
	t.Run("get missing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, distributed_rate_limiter.ErrPolicyNotFound)
	})

	t.Run("save then get", func(t *testing.T) {
		s := newStore(t)
		want := Sample("a")
		want.Usage = distributed_rate_limiter.UsageCounters{Total: 3, Allowed: 2, Blocked: 1}
		require.NoError(t, s.Save(context.Background(), want))

		got, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assertPolicy(t, want, got)
	})

	t.Run("save rejects invalid policy", func(t *testing.T) {
		s := newStore(t)
		p := Sample("a")
		p.Limit = 0
		assert.ErrorIs(t, s.Save(context.Background(), p), distributed_rate_limiter.ErrInvalidPolicy)
	})

	t.Run("save overwrites", func(t *testing.T) {
		s := newStore(t)
		p := Sample("a")
		require.NoError(t, s.Save(context.Background(), p))
		p.Limit = 42
		require.NoError(t, s.Save(context.Background(), p))

		got, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.Limit)

		all, err := s.List(context.Background())
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("list orders by creation", func(t *testing.T) {
		s := newStore(t)
		later := Sample("a")
		later.CreatedAt = later.CreatedAt.Add(time.Hour)
		require.NoError(t, s.Save(context.Background(), later))
		require.NoError(t, s.Save(context.Background(), Sample("c")))
		require.NoError(t, s.Save(context.Background(), Sample("b")))

		all, err := s.List(context.Background())
		require.NoError(t, err)
		keys := make([]string, 0, len(all))
		for _, p := range all {
			keys = append(keys, p.Key)
		}
		assert.Equal(t, []string{"b", "c", "a"}, keys)
	})

	t.Run("update applies callback", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(context.Background(), Sample("a")))

		got, err := s.Update(context.Background(), "a", func(p *distributed_rate_limiter.Policy) error {
			p.Usage.Total++
			p.Usage.Blocked++
			p.Status = distributed_rate_limiter.StatusBlocked
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, distributed_rate_limiter.UsageCounters{Total: 1, Blocked: 1}, got.Usage)

		stored, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, distributed_rate_limiter.StatusBlocked, stored.Status)
		assert.Equal(t, got.Usage, stored.Usage)
	})

	t.Run("update skip and failure leave record", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(context.Background(), Sample("a")))

		_, err := s.Update(context.Background(), "a", func(p *distributed_rate_limiter.Policy) error {
			p.Usage.Total = 99
			return policy.ErrSkip
		})
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Update(context.Background(), "a", func(p *distributed_rate_limiter.Policy) error {
			p.Usage.Total = 99
			return boom
		})
		assert.ErrorIs(t, err, boom)

		stored, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Zero(t, stored.Usage.Total)
	})

	t.Run("update missing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), "missing", func(p *distributed_rate_limiter.Policy) error {
			return nil
		})
		assert.ErrorIs(t, err, distributed_rate_limiter.ErrPolicyNotFound)
	})

	t.Run("concurrent updates are not lost", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(context.Background(), Sample("a")))

		const workers, perWorker = 4, 10
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					for {
						_, err := s.Update(context.Background(), "a", func(p *distributed_rate_limiter.Policy) error {
							p.Usage.Total++
							p.Usage.Allowed++
							return nil
						})
						if err == nil {
							break
						}
					}
				}
			}()
		}
		wg.Wait()

		stored, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, int64(workers*perWorker), stored.Usage.Total)
		assert.Equal(t, int64(workers*perWorker), stored.Usage.Allowed)
	})

	t.Run("increment counts outcomes", func(t *testing.T) {
		s := newStore(t)
		p := Sample("a")
		p.HardBlockThreshold = 2
		require.NoError(t, s.Save(context.Background(), p))

		tt := []struct {
			allowed bool
			usage   distributed_rate_limiter.UsageCounters
			status  distributed_rate_limiter.Status
		}{
			{allowed: true, usage: distributed_rate_limiter.UsageCounters{Total: 1, Allowed: 1}, status: distributed_rate_limiter.StatusNormal},
			{allowed: false, usage: distributed_rate_limiter.UsageCounters{Total: 2, Allowed: 1, Blocked: 1}, status: distributed_rate_limiter.StatusBlocked},
			{allowed: true, usage: distributed_rate_limiter.UsageCounters{Total: 3, Allowed: 2, Blocked: 1}, status: distributed_rate_limiter.StatusBlocked},
		}
		for _, ts := range tt {
			got, err := s.Increment(context.Background(), "a", ts.allowed)
			require.NoError(t, err)
			assert.Equal(t, ts.usage, got.Usage)
			assert.Equal(t, ts.status, got.Status)
		}

		stored, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, distributed_rate_limiter.UsageCounters{Total: 3, Allowed: 2, Blocked: 1}, stored.Usage)
		assert.Equal(t, p.Limit, stored.Limit)
		assert.Equal(t, p.Algorithm, stored.Algorithm)
	})

	t.Run("increment missing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Increment(context.Background(), "missing", true)
		assert.ErrorIs(t, err, distributed_rate_limiter.ErrPolicyNotFound)

		_, err = s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, distributed_rate_limiter.ErrPolicyNotFound)
	})

	t.Run("concurrent increments are exact", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(context.Background(), Sample("a")))

		const workers, perWorker = 8, 25
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if _, err := s.Increment(context.Background(), "a", (w+i)%2 == 0); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		stored, err := s.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, distributed_rate_limiter.UsageCounters{
			Total:   workers * perWorker,
			Allowed: workers * perWorker / 2,
			Blocked: workers * perWorker / 2,
		}, stored.Usage)
	})

	t.Run("aggregate round trip", func(t *testing.T) {
		s := newStore(t)
		agg, err := s.Aggregate(context.Background())
		require.NoError(t, err)
		assert.Zero(t, agg)

		want := distributed_rate_limiter.UsageCounters{Total: 10, Allowed: 7, Blocked: 3}
		require.NoError(t, s.SaveAggregate(context.Background(), want))
		agg, err = s.Aggregate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, agg)
	})
}

func assertPolicy(t *testing.T, want, got distributed_rate_limiter.Policy) {
	t.Helper()
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %v != %v", want.CreatedAt, got.CreatedAt)
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}
