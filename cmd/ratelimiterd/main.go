package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aryangodara/distributed_rate_limiter/api"
	"github.com/aryangodara/distributed_rate_limiter/config"
	"github.com/aryangodara/distributed_rate_limiter/engine"
	"github.com/aryangodara/distributed_rate_limiter/metrics"
	"github.com/aryangodara/distributed_rate_limiter/rate_limiting_strategies"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// main launches ratelimiterd.
func main() {
	os.Exit(run())
}

// run executes ratelimiterd and returns an exit code.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to ratelimiterd config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	client := newRedisClient(cfg)
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openPolicyStore(ctx, cfg, client)
	if err != nil {
		logger.Error("policy store error", zap.String("backend", cfg.PolicyStore.Backend), zap.Error(err))
		return 1
	}
	defer closeStore()

	recorder, metricsHandler := newRecorder(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

	eng := engine.New(store, client,
		engine.WithLogger(logger),
		engine.WithRecorder(recorder),
		engine.WithFailOpen(cfg.Limiter.FailOpen),
		engine.WithStoreTimeout(cfg.StoreTimeout()),
		engine.WithDefaultAlgorithm(cfg.Algorithm()),
		engine.WithPolicyDefaults(cfg.Policy.DefaultLimit, cfg.Policy.DefaultWindowSeconds),
		engine.WithStrategyOptions(
			rate_limiting_strategies.WithPrefix(cfg.Limiter.Prefix),
			rate_limiting_strategies.WithRefillPerSecond(cfg.Limiter.TokenBucket.RefillPerSecond),
			rate_limiting_strategies.WithCapacityMultiplier(cfg.Limiter.TokenBucket.CapacityMultiplier),
		),
	)

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	if metricsHandler != nil {
		mux.Handle(cfg.Metrics.Path, metricsHandler)
	}
	mux.Handle("/", api.NewHandler(api.Config{
		Service:     eng,
		Redis:       client,
		Logger:      logger,
		PingTimeout: cfg.StoreTimeout(),
	}))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("ratelimiterd started",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("policy_store", cfg.PolicyStore.Backend),
		zap.String("default_algorithm", cfg.Limiter.DefaultAlgorithm),
		zap.Bool("fail_open", cfg.Limiter.FailOpen),
	)

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return code
}

// newLogger builds a zap logger from the logging section.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// newRecorder selects the metrics backend and the handler serving it. With metrics disabled the
// recorder discards everything and the handler is nil.
func newRecorder(cfg config.Config, reg prometheus.Registerer, g prometheus.Gatherer) (metrics.Recorder, http.Handler) {
	if !cfg.MetricsEnabled() {
		return metrics.NoOp{}, nil
	}
	if cfg.Metrics.Backend == config.MetricsMemory {
		m := metrics.NewMemory()
		return m, m
	}
	return metrics.NewPrometheus(reg), promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// newRedisClient builds the shared state store client. Per-call context deadlines, such as the
// limiter store timeout, bound socket reads and writes.
func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.Redis.Addr,
		Password:              cfg.Redis.Password,
		DB:                    cfg.Redis.DB,
		PoolSize:              cfg.Redis.PoolSize,
		DialTimeout:           cfg.DialTimeout(),
		ReadTimeout:           cfg.ReadTimeout(),
		WriteTimeout:          cfg.WriteTimeout(),
		ContextTimeoutEnabled: true,
	})
}
