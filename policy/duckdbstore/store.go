// Package duckdbstore persists policies in a relational DuckDB database.
package duckdbstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/policy"
	_ "github.com/duckdb/duckdb-go/v2"
)

//go:embed schema.sql
var schemaDDL string

const policyColumns = `api_key, owner_name, rate_limit, window_seconds, algorithm, hard_block_threshold,
	status, total_requests, allowed_requests, blocked_requests, created_at`

var _ policy.Store = &Store{}

// Store is a policy.Store on a DuckDB connection.
type Store struct {
	db *sql.DB
	// DuckDB aborts conflicting transactions instead of blocking, so updates are serialised here.
	mu sync.Mutex
}

// Open connects to dsn ("" is an in-memory database) and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New applies the schema on db and returns a Store using it.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("duckdb: db is nil")
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (distributed_rate_limiter.Policy, error) {
	var (
		p         distributed_rate_limiter.Policy
		algorithm string
		status    string
	)
	err := row.Scan(&p.Key, &p.Owner, &p.Limit, &p.WindowSeconds, &algorithm, &p.HardBlockThreshold,
		&status, &p.Usage.Total, &p.Usage.Allowed, &p.Usage.Blocked, &p.CreatedAt)
	if err != nil {
		return distributed_rate_limiter.Policy{}, err
	}
	p.Algorithm = distributed_rate_limiter.Algorithm(algorithm)
	p.Status = distributed_rate_limiter.Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPolicy(ctx context.Context, q querier, key string) (distributed_rate_limiter.Policy, error) {
	row := q.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE api_key = ?`, key)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return distributed_rate_limiter.Policy{}, distributed_rate_limiter.ErrPolicyNotFound
	}
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to load policy %v: %w", key, err)
	}
	return p, nil
}

// Get loads one policy.
func (s *Store) Get(ctx context.Context, key string) (distributed_rate_limiter.Policy, error) {
	return getPolicy(ctx, s.db, key)
}

// Save inserts or replaces p.
func (s *Store) Save(ctx context.Context, p distributed_rate_limiter.Policy) error {
	if err := policy.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (api_key) DO UPDATE SET
			owner_name = EXCLUDED.owner_name,
			rate_limit = EXCLUDED.rate_limit,
			window_seconds = EXCLUDED.window_seconds,
			algorithm = EXCLUDED.algorithm,
			hard_block_threshold = EXCLUDED.hard_block_threshold,
			status = EXCLUDED.status,
			total_requests = EXCLUDED.total_requests,
			allowed_requests = EXCLUDED.allowed_requests,
			blocked_requests = EXCLUDED.blocked_requests,
			created_at = EXCLUDED.created_at`,
		p.Key, p.Owner, p.Limit, p.WindowSeconds, string(p.Algorithm), p.HardBlockThreshold,
		string(p.Status), p.Usage.Total, p.Usage.Allowed, p.Usage.Blocked, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy %v: %w", p.Key, err)
	}
	return nil
}

// List returns every policy ordered by creation time, then key.
func (s *Store) List(ctx context.Context) ([]distributed_rate_limiter.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at, api_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []distributed_rate_limiter.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list policies: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update reads, modifies and writes the policy row inside one transaction.
func (s *Store) Update(ctx context.Context, key string, fn func(*distributed_rate_limiter.Policy) error) (distributed_rate_limiter.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to update policy %v: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getPolicy(ctx, tx, key)
	if err != nil {
		return distributed_rate_limiter.Policy{}, err
	}
	prev := p
	if err := fn(&p); err != nil {
		if errors.Is(err, policy.ErrSkip) {
			return prev, nil
		}
		return distributed_rate_limiter.Policy{}, err
	}
	p.Key = key

	_, err = tx.ExecContext(ctx, `UPDATE policies SET
			owner_name = ?, rate_limit = ?, window_seconds = ?, algorithm = ?, hard_block_threshold = ?,
			status = ?, total_requests = ?, allowed_requests = ?, blocked_requests = ?
		WHERE api_key = ?`,
		p.Owner, p.Limit, p.WindowSeconds, string(p.Algorithm), p.HardBlockThreshold,
		string(p.Status), p.Usage.Total, p.Usage.Allowed, p.Usage.Blocked, key,
	)
	if err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to update policy %v: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return distributed_rate_limiter.Policy{}, fmt.Errorf("failed to update policy %v: %w", key, err)
	}
	return p, nil
}

// Increment counts one evaluation in a single transaction.
func (s *Store) Increment(ctx context.Context, key string, allowed bool) (distributed_rate_limiter.Policy, error) {
	return s.Update(ctx, key, func(p *distributed_rate_limiter.Policy) error {
		policy.CountUsage(p, allowed)
		return nil
	})
}

// Aggregate returns the stored process-wide counters, zero when never written.
func (s *Store) Aggregate(ctx context.Context) (distributed_rate_limiter.UsageCounters, error) {
	var c distributed_rate_limiter.UsageCounters
	err := s.db.QueryRowContext(ctx,
		`SELECT total_requests, allowed_requests, blocked_requests FROM usage_aggregate WHERE id = 1`,
	).Scan(&c.Total, &c.Allowed, &c.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return distributed_rate_limiter.UsageCounters{}, nil
	}
	if err != nil {
		return distributed_rate_limiter.UsageCounters{}, fmt.Errorf("failed to load aggregate usage: %w", err)
	}
	return c, nil
}

// SaveAggregate overwrites the process-wide counters.
func (s *Store) SaveAggregate(ctx context.Context, c distributed_rate_limiter.UsageCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_aggregate (id, total_requests, allowed_requests, blocked_requests)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_requests = EXCLUDED.total_requests,
			allowed_requests = EXCLUDED.allowed_requests,
			blocked_requests = EXCLUDED.blocked_requests`,
		c.Total, c.Allowed, c.Blocked,
	)
	if err != nil {
		return fmt.Errorf("failed to save aggregate usage: %w", err)
	}
	return nil
}
