package main

import (
	"context"

	"github.com/aryangodara/distributed_rate_limiter/config"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	"github.com/aryangodara/distributed_rate_limiter/policy/duckdbstore"
	"github.com/aryangodara/distributed_rate_limiter/policy/filestore"
	"github.com/aryangodara/distributed_rate_limiter/policy/redisstore"
	"github.com/redis/go-redis/v9"
)

// openPolicyStore selects the policy store backend. The returned func releases it.
func openPolicyStore(ctx context.Context, cfg config.Config, client redis.UniversalClient) (policy.Store, func(), error) {
	switch cfg.PolicyStore.Backend {
	case config.BackendFile:
		s, err := filestore.Open(cfg.PolicyStore.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.BackendDuckDB:
		s, err := duckdbstore.Open(ctx, cfg.PolicyStore.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return redisstore.New(client, redisstore.WithPrefix(cfg.PolicyStore.Prefix)), func() {}, nil
	}
}
