package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/config"
	"github.com/aryangodara/distributed_rate_limiter/engine"
	"github.com/aryangodara/distributed_rate_limiter/metrics"
	"github.com/aryangodara/distributed_rate_limiter/policy/filestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer accepts connections and never replies.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestNewRedisClient_StoreTimeoutBoundsStrategies(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = silentServer(t)
	require.Equal(t, 3*time.Second, cfg.ReadTimeout())

	client := newRedisClient(cfg)
	t.Cleanup(func() { _ = client.Close() })

	store := filestore.New()
	for _, a := range distributed_rate_limiter.Algorithms {
		require.NoError(t, store.Save(context.Background(), distributed_rate_limiter.Policy{
			Key:           string(a),
			Owner:         "owner",
			Limit:         5,
			WindowSeconds: 60,
			Algorithm:     a,
			Status:        distributed_rate_limiter.StatusNormal,
			CreatedAt:     time.Date(2024, time.June, 23, 10, 0, 0, 0, time.UTC),
		}))
	}
	eng := engine.New(store, client, engine.WithStoreTimeout(250*time.Millisecond))

	for _, a := range distributed_rate_limiter.Algorithms {
		t.Run(string(a), func(t *testing.T) {
			start := time.Now()
			d, err := eng.Evaluate(context.Background(), string(a), "", 1, "")
			elapsed := time.Since(start)

			assert.ErrorIs(t, err, distributed_rate_limiter.ErrStoreUnavailable)
			assert.Equal(t, distributed_rate_limiter.ReasonLimiterError, d.Reason)
			assert.Less(t, elapsed, time.Second)
		})
	}
}

func TestNewRecorder(t *testing.T) {
	disabled := false
	tt := []struct {
		desc    string
		backend string
		enabled *bool
		body    string
	}{
		{desc: "prometheus", backend: config.MetricsPrometheus, body: metrics.RequestsTotal},
		{desc: "memory", backend: config.MetricsMemory, body: `"counters"`},
		{desc: "disabled", backend: config.MetricsMemory, enabled: &disabled},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			cfg := config.Default()
			cfg.Metrics.Backend = ts.backend
			if ts.enabled != nil {
				cfg.Metrics.Enabled = ts.enabled
			}
			reg := prometheus.NewRegistry()
			recorder, handler := newRecorder(cfg, reg, reg)
			recorder.Add(metrics.RequestsTotal, 1, map[string]string{"algorithm": "FIXED_WINDOW", "result": "allowed"})

			if ts.body == "" {
				assert.Equal(t, metrics.NoOp{}, recorder)
				assert.Nil(t, handler)
				return
			}
			require.NotNil(t, handler)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.Metrics.Path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), ts.body)
		})
	}
}
