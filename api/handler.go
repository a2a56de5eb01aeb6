// Package api exposes the decision engine over JSON HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/engine"
	"github.com/aryangodara/distributed_rate_limiter/reconciler"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPingTimeout = 2 * time.Second

// Service is the part of the engine the handlers call.
type Service interface {
	distributed_rate_limiter.Evaluator
	CreatePolicy(ctx context.Context, spec engine.PolicySpec) (distributed_rate_limiter.Policy, error)
	Stats(ctx context.Context) (reconciler.Report, error)
}

// Pinger checks the shared state store.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Config wires dependencies for the HTTP handler.
type Config struct {
	Service     Service
	Redis       Pinger
	Logger      *zap.Logger
	PingTimeout time.Duration
}

// NewHandler builds an HTTP handler for the rate limiter API.
func NewHandler(cfg Config) http.Handler {
	h := &handler{
		service:     cfg.Service,
		redis:       cfg.Redis,
		logger:      cfg.Logger,
		pingTimeout: cfg.PingTimeout,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.pingTimeout <= 0 {
		h.pingTimeout = defaultPingTimeout
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/check", h.handleCheck)
	mux.HandleFunc("/api/keys", h.handleKeys)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/health/redis", h.handleRedisHealth)
	return mux
}

type handler struct {
	service     Service
	redis       Pinger
	logger      *zap.Logger
	pingTimeout time.Duration
}
