package duckdbstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/internal/testutil"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"github.com/aryangodara/distributed_rate_limiter/policy/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dsn string) *Store {
	t.Helper()
	s, err := Open(testutil.Context(t, 0), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) policy.Store {
		return openStore(t, "")
	})
}

func TestStore_Persistent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "policies.duckdb")
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), storetest.Sample("a")))
	require.NoError(t, s.SaveAggregate(context.Background(), distributed_rate_limiter.UsageCounters{Total: 4, Blocked: 4}))
	require.NoError(t, s.Close())

	reopened := openStore(t, dsn)
	got, err := reopened.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", got.Owner)
	agg, err := reopened.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), agg.Blocked)
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}
