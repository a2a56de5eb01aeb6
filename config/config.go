// Package config loads the ratelimiterd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"gopkg.in/yaml.v3"
)

// Policy store backends.
const (
	BackendRedis  = "redis"
	BackendFile   = "file"
	BackendDuckDB = "duckdb"
)

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsMemory     = "memory"
)

// Environment overrides applied after the file is read.
const (
	EnvRedisAddr        = "REDIS_ADDR"
	EnvFailOpen         = "RATELIMITER_FAIL_OPEN"
	EnvDefaultAlgorithm = "RATELIMITER_DEFAULT_ALGORITHM"
)

// Config describes the ratelimiterd configuration.
type Config struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`
	Redis struct {
		Addr           string `yaml:"addr"`
		Password       string `yaml:"password"`
		DB             int    `yaml:"db"`
		PoolSize       int    `yaml:"pool_size"`
		DialTimeoutMs  int    `yaml:"dial_timeout_ms"`
		ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
		WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	} `yaml:"redis"`
	Limiter struct {
		Prefix           string `yaml:"prefix"`
		DefaultAlgorithm string `yaml:"default_algorithm"`
		FailOpen         bool   `yaml:"fail_open"`
		StoreTimeoutMs   int    `yaml:"store_timeout_ms"`
		TokenBucket      struct {
			RefillPerSecond    float64 `yaml:"refill_per_second"`
			CapacityMultiplier float64 `yaml:"capacity_multiplier"`
		} `yaml:"token_bucket"`
	} `yaml:"limiter"`
	PolicyStore struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"policy_store"`
	Policy struct {
		DefaultLimit         int64 `yaml:"default_limit"`
		DefaultWindowSeconds int64 `yaml:"default_window_seconds"`
	} `yaml:"policy"`
	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and environment overrides, then validates.
// A missing file is not an error: defaults and the environment still apply.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %v: %w", path, err)
			}
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeoutMs == 0 {
		c.Redis.DialTimeoutMs = 5000
	}
	if c.Redis.ReadTimeoutMs == 0 {
		c.Redis.ReadTimeoutMs = 3000
	}
	if c.Redis.WriteTimeoutMs == 0 {
		c.Redis.WriteTimeoutMs = 3000
	}
	if c.Limiter.Prefix == "" {
		c.Limiter.Prefix = "ratelimiter"
	}
	if c.Limiter.DefaultAlgorithm == "" {
		c.Limiter.DefaultAlgorithm = string(distributed_rate_limiter.SlidingWindow)
	}
	if c.Limiter.StoreTimeoutMs == 0 {
		c.Limiter.StoreTimeoutMs = 250
	}
	if c.Limiter.TokenBucket.CapacityMultiplier == 0 {
		c.Limiter.TokenBucket.CapacityMultiplier = 1
	}
	if c.PolicyStore.Backend == "" {
		c.PolicyStore.Backend = BackendRedis
	}
	if c.PolicyStore.Prefix == "" {
		c.PolicyStore.Prefix = c.Limiter.Prefix
	}
	if c.Policy.DefaultLimit == 0 {
		c.Policy.DefaultLimit = 10
	}
	if c.Policy.DefaultWindowSeconds == 0 {
		c.Policy.DefaultWindowSeconds = 60
	}
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = MetricsPrometheus
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRedisAddr); ok && strings.TrimSpace(v) != "" {
		c.Redis.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvFailOpen); ok && strings.TrimSpace(v) != "" {
		failOpen, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%v: %w", EnvFailOpen, err)
		}
		c.Limiter.FailOpen = failOpen
	}
	if v, ok := lookup(EnvDefaultAlgorithm); ok && strings.TrimSpace(v) != "" {
		c.Limiter.DefaultAlgorithm = strings.TrimSpace(v)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	algorithm, ok := distributed_rate_limiter.ParseAlgorithm(c.Limiter.DefaultAlgorithm)
	if !ok {
		return fmt.Errorf("limiter.default_algorithm: %w: %q", distributed_rate_limiter.ErrUnsupportedAlgorithm, c.Limiter.DefaultAlgorithm)
	}
	c.Limiter.DefaultAlgorithm = string(algorithm)

	switch {
	case c.Redis.PoolSize < 1:
		return errors.New("redis.pool_size must be positive")
	case c.Redis.DialTimeoutMs < 1, c.Redis.ReadTimeoutMs < 1, c.Redis.WriteTimeoutMs < 1:
		return errors.New("redis timeouts must be positive")
	case c.Limiter.StoreTimeoutMs < 1:
		return errors.New("limiter.store_timeout_ms must be positive")
	case c.Limiter.TokenBucket.RefillPerSecond < 0:
		return errors.New("limiter.token_bucket.refill_per_second must not be negative")
	case c.Limiter.TokenBucket.CapacityMultiplier < 0:
		return errors.New("limiter.token_bucket.capacity_multiplier must not be negative")
	case c.Policy.DefaultLimit < 1:
		return errors.New("policy.default_limit must be positive")
	case c.Policy.DefaultWindowSeconds < 1:
		return errors.New("policy.default_window_seconds must be positive")
	}

	switch c.PolicyStore.Backend {
	case BackendRedis:
	case BackendFile, BackendDuckDB:
		if strings.TrimSpace(c.PolicyStore.Path) == "" {
			return fmt.Errorf("policy_store.path is required for backend %v", c.PolicyStore.Backend)
		}
	default:
		return fmt.Errorf("policy_store.backend %q is not one of redis, file, duckdb", c.PolicyStore.Backend)
	}

	switch c.Metrics.Backend {
	case MetricsPrometheus, MetricsMemory:
	default:
		return fmt.Errorf("metrics.backend %q is not one of prometheus, memory", c.Metrics.Backend)
	}
	return nil
}

// MetricsEnabled reports whether the metrics endpoint and Prometheus recorder are on.
func (c Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// StoreTimeout is the deadline applied to every strategy call.
func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.Limiter.StoreTimeoutMs) * time.Millisecond
}

// Algorithm returns the validated default algorithm.
func (c Config) Algorithm() distributed_rate_limiter.Algorithm {
	a, _ := distributed_rate_limiter.ParseAlgorithm(c.Limiter.DefaultAlgorithm)
	return a
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DialTimeout, ReadTimeout and WriteTimeout convert the Redis millisecond settings.
func (c Config) DialTimeout() time.Duration  { return millis(c.Redis.DialTimeoutMs) }
func (c Config) ReadTimeout() time.Duration  { return millis(c.Redis.ReadTimeoutMs) }
func (c Config) WriteTimeout() time.Duration { return millis(c.Redis.WriteTimeoutMs) }
