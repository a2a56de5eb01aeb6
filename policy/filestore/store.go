// Package filestore is an in-process policy registry optionally persisted to a JSON file.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/policy"
)

var _ policy.Store = &Store{}

// Store keeps policies in memory. When path is set every mutation rewrites the file.
type Store struct {
	mu        sync.Mutex
	path      string
	policies  map[string]distributed_rate_limiter.Policy
	aggregate distributed_rate_limiter.UsageCounters
}

type snapshot struct {
	Policies  []distributed_rate_limiter.Policy     `json:"policies"`
	Aggregate distributed_rate_limiter.UsageCounters `json:"aggregate"`
}

// New returns an empty memory-only store.
func New() *Store {
	return &Store{policies: map[string]distributed_rate_limiter.Policy{}}
}

// Open loads the registry at path if it exists. An empty path yields a memory-only store.
func Open(path string) (*Store, error) {
	s := New()
	s.path = path
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode policy registry %v: %w", path, err)
	}
	for _, p := range snap.Policies {
		s.policies[p.Key] = p
	}
	s.aggregate = snap.Aggregate
	return s, nil
}

// Get loads one policy.
func (s *Store) Get(_ context.Context, key string) (distributed_rate_limiter.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[key]
	if !ok {
		return distributed_rate_limiter.Policy{}, distributed_rate_limiter.ErrPolicyNotFound
	}
	return p, nil
}

// Save inserts or replaces p.
func (s *Store) Save(_ context.Context, p distributed_rate_limiter.Policy) error {
	if err := policy.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.policies[p.Key]
	s.policies[p.Key] = p
	if err := s.persistLocked(); err != nil {
		if existed {
			s.policies[p.Key] = prev
		} else {
			delete(s.policies, p.Key)
		}
		return err
	}
	return nil
}

// List returns every policy ordered by creation time, then key.
func (s *Store) List(_ context.Context) ([]distributed_rate_limiter.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(), nil
}

func (s *Store) listLocked() []distributed_rate_limiter.Policy {
	out := make([]distributed_rate_limiter.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Update applies fn under the store lock.
func (s *Store) Update(_ context.Context, key string, fn func(*distributed_rate_limiter.Policy) error) (distributed_rate_limiter.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.policies[key]
	if !ok {
		return distributed_rate_limiter.Policy{}, distributed_rate_limiter.ErrPolicyNotFound
	}
	p := prev
	if err := fn(&p); err != nil {
		if errors.Is(err, policy.ErrSkip) {
			return prev, nil
		}
		return distributed_rate_limiter.Policy{}, err
	}
	p.Key = key

	s.policies[key] = p
	if err := s.persistLocked(); err != nil {
		s.policies[key] = prev
		return distributed_rate_limiter.Policy{}, err
	}
	return p, nil
}

// Increment counts one evaluation under the store lock.
func (s *Store) Increment(ctx context.Context, key string, allowed bool) (distributed_rate_limiter.Policy, error) {
	return s.Update(ctx, key, func(p *distributed_rate_limiter.Policy) error {
		policy.CountUsage(p, allowed)
		return nil
	})
}

// Aggregate returns the stored process-wide counters.
func (s *Store) Aggregate(_ context.Context) (distributed_rate_limiter.UsageCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregate, nil
}

// SaveAggregate overwrites the process-wide counters.
func (s *Store) SaveAggregate(_ context.Context, c distributed_rate_limiter.UsageCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.aggregate
	s.aggregate = c
	if err := s.persistLocked(); err != nil {
		s.aggregate = prev
		return err
	}
	return nil
}

// persistLocked writes the registry with an atomic rename. It is a no-op for memory-only stores.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	payload, err := json.MarshalIndent(snapshot{
		Policies:  s.listLocked(),
		Aggregate: s.aggregate,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := file.Write(payload)
	syncErr := file.Sync()
	closeErr := file.Close()
	for _, err := range []error{writeErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to write policy registry %v: %w", s.path, err)
		}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write policy registry %v: %w", s.path, err)
	}
	return nil
}
