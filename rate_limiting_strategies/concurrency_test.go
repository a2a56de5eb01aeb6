package rate_limiting_strategies

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestStrategies_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	const limit, callers = 10, 60

	_, client := newRedis(t)
	now := func() time.Time { return alignedStart }

	for name, strategy := range allStrategies(client, now) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				allowed atomic.Int64
				denied  atomic.Int64
				failed  atomic.Int64
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := strategy.Execute(context.Background(), &distributed_rate_limiter.Request{
						Key:      "concurrent-" + name,
						Route:    "global",
						Cost:     1,
						Limit:    limit,
						Duration: time.Minute,
					})
					switch {
					case err != nil:
						failed.Inc()
					case res.Allowed():
						allowed.Inc()
					default:
						denied.Inc()
					}
				}()
			}
			wg.Wait()

			require.Zero(t, failed.Load())
			assert.Equal(t, int64(limit), allowed.Load())
			assert.Equal(t, int64(callers-limit), denied.Load())
		})
	}
}
