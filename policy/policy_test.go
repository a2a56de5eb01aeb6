package policy

import (
	"testing"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoute(t *testing.T) {
	tt := []struct {
		in, out string
	}{
		{"", "global"},
		{"   ", "global"},
		{"Orders", "orders"},
		{"  /API/Search  ", "/api/search"},
		{"bulk \t export\njob", "bulk_export_job"},
	}

	for _, ts := range tt {
		t.Run(ts.in, func(t *testing.T) {
			assert.Equal(t, ts.out, NormalizeRoute(ts.in))
		})
	}
}

func TestNormalizeAlgorithm(t *testing.T) {
	a, err := NormalizeAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, distributed_rate_limiter.Algorithm(""), a)

	a, err = NormalizeAlgorithm(" leaky_bucket ")
	require.NoError(t, err)
	assert.Equal(t, distributed_rate_limiter.LeakyBucket, a)

	_, err = NormalizeAlgorithm("GCRA")
	assert.ErrorIs(t, err, distributed_rate_limiter.ErrUnsupportedAlgorithm)
}

func TestValidate(t *testing.T) {
	valid := distributed_rate_limiter.Policy{Key: "k", Limit: 5, WindowSeconds: 60}

	tt := []struct {
		desc   string
		mutate func(p *distributed_rate_limiter.Policy)
		err    error
	}{
		{desc: "valid", mutate: func(p *distributed_rate_limiter.Policy) {}},
		{desc: "missing key", mutate: func(p *distributed_rate_limiter.Policy) { p.Key = " " }, err: distributed_rate_limiter.ErrInvalidPolicy},
		{desc: "zero limit", mutate: func(p *distributed_rate_limiter.Policy) { p.Limit = 0 }, err: distributed_rate_limiter.ErrInvalidPolicy},
		{desc: "zero window", mutate: func(p *distributed_rate_limiter.Policy) { p.WindowSeconds = 0 }, err: distributed_rate_limiter.ErrInvalidPolicy},
		{desc: "negative threshold", mutate: func(p *distributed_rate_limiter.Policy) { p.HardBlockThreshold = -1 }, err: distributed_rate_limiter.ErrInvalidPolicy},
		{desc: "unknown algorithm", mutate: func(p *distributed_rate_limiter.Policy) { p.Algorithm = "GCRA" }, err: distributed_rate_limiter.ErrUnsupportedAlgorithm},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			p := valid
			ts.mutate(&p)
			err := Validate(p)
			if ts.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ts.err)
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, distributed_rate_limiter.StatusBlocked, NormalizeStatus("blocked"))
	assert.Equal(t, distributed_rate_limiter.StatusNormal, NormalizeStatus(""))
	assert.Equal(t, distributed_rate_limiter.StatusNormal, NormalizeStatus("Suspended"))
}
