// Package redisstore keeps policies and usage counters in Redis hashes next to the limiter state.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ratelimiter"
	maxTxRetries  = 10
)

var _ policy.Store = &Store{}

//go:embed increment.lua
var incrementLua string

var incrementScript = redis.NewScript(incrementLua)

// Store is a policy.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// New returns a Store using client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) policyKey(key string) string {
	return s.prefix + ":policy:" + key
}

func (s *Store) indexKey() string {
	return s.prefix + ":policies"
}

func (s *Store) aggregateKey() string {
	return s.prefix + ":usage:aggregate"
}

// Get loads one policy.
func (s *Store) Get(ctx context.Context, key string) (distributed_rate_limiter.Policy, error) {
	return s.get(ctx, s.client, key)
}

func (s *Store) get(ctx context.Context, c redis.Cmdable, key string) (distributed_rate_limiter.Policy, error) {
	fields, err := c.HGetAll(ctx, s.policyKey(key)).Result()
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to load policy %v: %w", key, err)
	}
	if len(fields) == 0 {
		return distributed_rate_limiter.Policy{}, distributed_rate_limiter.ErrPolicyNotFound
	}
	return decode(key, fields)
}

// Save writes p and adds it to the key index.
func (s *Store) Save(ctx context.Context, p distributed_rate_limiter.Policy) error {
	if err := policy.Validate(p); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.policyKey(p.Key), encode(p))
		pipe.SAdd(ctx, s.indexKey(), p.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save policy %v: %w", p.Key, err)
	}
	return nil
}

// List returns every indexed policy ordered by creation time, then key.
func (s *Store) List(ctx context.Context) ([]distributed_rate_limiter.Policy, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.policyKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	out := make([]distributed_rate_limiter.Policy, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		p, err := decode(keys[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Update runs fn inside a WATCH/MULTI transaction on the policy hash and retries on conflict.
func (s *Store) Update(ctx context.Context, key string, fn func(*distributed_rate_limiter.Policy) error) (distributed_rate_limiter.Policy, error) {
	var out distributed_rate_limiter.Policy

	txf := func(tx *redis.Tx) error {
		p, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			if errors.Is(err, policy.ErrSkip) {
				out = p
				return nil
			}
			return err
		}
		p.Key = key

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.policyKey(key), encode(p))
			return nil
		})
		if err != nil {
			return err
		}
		out = p
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.policyKey(key))
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return distributed_rate_limiter.Policy{}, err
	}
	return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to update policy %v: %w", key, redis.TxFailedErr)
}

// Increment counts one evaluation with a single script, so concurrent evaluations never race.
func (s *Store) Increment(ctx context.Context, key string, allowed bool) (distributed_rate_limiter.Policy, error) {
	flag := "0"
	if allowed {
		flag = "1"
	}
	reply, err := incrementScript.Run(ctx, s.client, []string{s.policyKey(key)}, flag).StringSlice()
	if errors.Is(err, redis.Nil) {
		return distributed_rate_limiter.Policy{}, distributed_rate_limiter.ErrPolicyNotFound
	}
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to record usage for %v: %w", key, err)
	}

	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		fields[reply[i]] = reply[i+1]
	}
	return decode(key, fields)
}

// Aggregate returns the stored process-wide counters, zero when never written.
func (s *Store) Aggregate(ctx context.Context) (distributed_rate_limiter.UsageCounters, error) {
	fields, err := s.client.HGetAll(ctx, s.aggregateKey()).Result()
	if err != nil {
		return distributed_rate_limiter.UsageCounters{}, fmt.Errorf("failed to load aggregate usage: %w", err)
	}
	return decodeUsage(fields)
}

// SaveAggregate overwrites the process-wide counters.
func (s *Store) SaveAggregate(ctx context.Context, c distributed_rate_limiter.UsageCounters) error {
	err := s.client.HSet(ctx, s.aggregateKey(),
		"total", c.Total,
		"allowed", c.Allowed,
		"blocked", c.Blocked,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save aggregate usage: %w", err)
	}
	return nil
}

func encode(p distributed_rate_limiter.Policy) map[string]interface{} {
	return map[string]interface{}{
		"owner":                p.Owner,
		"limit":                p.Limit,
		"window_seconds":       p.WindowSeconds,
		"algorithm":            string(p.Algorithm),
		"hard_block_threshold": p.HardBlockThreshold,
		"status":               string(p.Status),
		"total":                p.Usage.Total,
		"allowed":              p.Usage.Allowed,
		"blocked":              p.Usage.Blocked,
		"created_at":           p.CreatedAt.UnixMilli(),
	}
}

func decode(key string, fields map[string]string) (distributed_rate_limiter.Policy, error) {
	ints, err := parseInts(fields, "limit", "window_seconds", "hard_block_threshold", "created_at")
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to decode policy %v: %w", key, err)
	}
	usage, err := decodeUsage(fields)
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to decode policy %v: %w", key, err)
	}

	return distributed_rate_limiter.Policy{
		Key:                key,
		Owner:              fields["owner"],
		Limit:              ints["limit"],
		WindowSeconds:      ints["window_seconds"],
		Algorithm:          distributed_rate_limiter.Algorithm(fields["algorithm"]),
		HardBlockThreshold: ints["hard_block_threshold"],
		Status:             distributed_rate_limiter.Status(fields["status"]),
		Usage:              usage,
		CreatedAt:          time.UnixMilli(ints["created_at"]).UTC(),
	}, nil
}

func decodeUsage(fields map[string]string) (distributed_rate_limiter.UsageCounters, error) {
	ints, err := parseInts(fields, "total", "allowed", "blocked")
	if err != nil {
		return distributed_rate_limiter.UsageCounters{}, err
	}
	return distributed_rate_limiter.UsageCounters{
		Total:   ints["total"],
		Allowed: ints["allowed"],
		Blocked: ints["blocked"],
	}, nil
}

// parseInts reads the named fields, treating missing ones as zero.
func parseInts(fields map[string]string, names ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %v: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}
