//go:build cucumber

package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/internal/testutil"
	"github.com/aryangodara/distributed_rate_limiter/policy/filestore"
	"github.com/cucumber/godog"
	"github.com/redis/go-redis/v9"
)

// TestEvaluateScenarios runs the engine feature scenarios.
func TestEvaluateScenarios(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "evaluate",
		ScenarioInitializer: InitializeEvaluateScenario,
		Options: &godog.Options{
			Format:    "pretty",
			Paths:     []string{filepath.Join("features", "evaluate.feature")},
			Strict:    true,
			TestingT:  t,
			Randomize: 0,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

// InitializeEvaluateScenario wires the evaluate steps.
func InitializeEvaluateScenario(ctx *godog.ScenarioContext) {
	state := &evaluateState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, state.reset()
	})
	ctx.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		state.close()
		return ctx, err
	})

	ctx.Step(`^a policy "([^"]*)" allowing (\d+) requests per (\d+) seconds using "([^"]*)"$`, state.givenPolicy)
	ctx.Step(`^"([^"]*)" has a hard block threshold of (\d+)$`, state.givenThreshold)
	ctx.Step(`^"([^"]*)" sends (\d+) requests one second apart$`, state.whenSendsRequests)
	ctx.Step(`^"([^"]*)" sends a request at (\d+) seconds$`, state.whenSendsRequestAt)
	ctx.Step(`^"([^"]*)" sends a request using "([^"]*)"$`, state.whenSendsRequestUsing)
	ctx.Step(`^every request is allowed$`, state.thenEveryRequestAllowed)
	ctx.Step(`^the request is allowed$`, state.thenRequestAllowed)
	ctx.Step(`^the request is denied with reason "([^"]*)" and retry after (\d+) seconds$`, state.thenRequestDenied)
	ctx.Step(`^the evaluation fails with an algorithm mismatch$`, state.thenAlgorithmMismatch)
	ctx.Step(`^"([^"]*)" has (\d+) total, (\d+) allowed and (\d+) blocked requests$`, state.thenUsage)
}

var scenarioEpoch = time.Date(2024, time.June, 23, 10, 0, 0, 0, time.UTC)

type evaluateState struct {
	server    *miniredis.Miniredis
	client    *redis.Client
	store     *filestore.Store
	clock     *testutil.FakeClock
	engine    *Engine
	decisions []distributed_rate_limiter.Decision
	lastErr   error
}

func (s *evaluateState) reset() error {
	s.close()
	server, err := miniredis.Run()
	if err != nil {
		return err
	}
	s.server = server
	s.client = redis.NewClient(&redis.Options{Addr: server.Addr()})
	s.store = filestore.New()
	s.clock = testutil.NewFakeClock(scenarioEpoch)
	s.engine = New(s.store, s.client, WithClock(s.clock.Now))
	s.decisions = nil
	s.lastErr = nil
	return nil
}

func (s *evaluateState) close() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
}

func (s *evaluateState) givenPolicy(key string, limit, window int, algorithm string) error {
	return s.store.Save(context.Background(), distributed_rate_limiter.Policy{
		Key:           key,
		Owner:         "cucumber",
		Limit:         int64(limit),
		WindowSeconds: int64(window),
		Algorithm:     distributed_rate_limiter.Algorithm(algorithm),
		Status:        distributed_rate_limiter.StatusNormal,
		CreatedAt:     scenarioEpoch,
	})
}

func (s *evaluateState) givenThreshold(key string, threshold int) error {
	_, err := s.store.Update(context.Background(), key, func(p *distributed_rate_limiter.Policy) error {
		p.HardBlockThreshold = int64(threshold)
		return nil
	})
	return err
}

func (s *evaluateState) evaluate(key string, algorithm distributed_rate_limiter.Algorithm) {
	d, err := s.engine.Evaluate(context.Background(), key, "", 1, algorithm)
	s.decisions = append(s.decisions, d)
	s.lastErr = err
}

func (s *evaluateState) whenSendsRequests(key string, n int) error {
	s.decisions = nil
	for i := 0; i < n; i++ {
		s.clock.Set(scenarioEpoch.Add(time.Duration(i) * time.Second))
		s.evaluate(key, "")
		if s.lastErr != nil {
			return s.lastErr
		}
	}
	return nil
}

func (s *evaluateState) whenSendsRequestAt(key string, seconds int) error {
	s.clock.Set(scenarioEpoch.Add(time.Duration(seconds) * time.Second))
	s.evaluate(key, "")
	return s.lastErr
}

func (s *evaluateState) whenSendsRequestUsing(key, algorithm string) error {
	s.evaluate(key, distributed_rate_limiter.Algorithm(algorithm))
	return nil
}

func (s *evaluateState) last() (distributed_rate_limiter.Decision, error) {
	if len(s.decisions) == 0 {
		return distributed_rate_limiter.Decision{}, errors.New("no request sent")
	}
	return s.decisions[len(s.decisions)-1], nil
}

func (s *evaluateState) thenEveryRequestAllowed() error {
	for i, d := range s.decisions {
		if !d.Allowed {
			return fmt.Errorf("request %d denied with %v", i, d.Reason)
		}
	}
	return nil
}

func (s *evaluateState) thenRequestAllowed() error {
	if s.lastErr != nil {
		return s.lastErr
	}
	d, err := s.last()
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("expected allowed, got %v", d.Reason)
	}
	return nil
}

func (s *evaluateState) thenRequestDenied(reason string, retryAfter int) error {
	d, err := s.last()
	if err != nil {
		return err
	}
	if d.Allowed || string(d.Reason) != reason || d.RetryAfterSeconds != int64(retryAfter) {
		return fmt.Errorf("expected denial %v/%d, got %+v", reason, retryAfter, d)
	}
	return nil
}

func (s *evaluateState) thenAlgorithmMismatch() error {
	if !errors.Is(s.lastErr, distributed_rate_limiter.ErrAlgorithmMismatch) {
		return fmt.Errorf("expected algorithm mismatch, got %v", s.lastErr)
	}
	return nil
}

func (s *evaluateState) thenUsage(key string, total, allowed, blocked int) error {
	p, err := s.store.Get(context.Background(), key)
	if err != nil {
		return err
	}
	want := distributed_rate_limiter.UsageCounters{Total: int64(total), Allowed: int64(allowed), Blocked: int64(blocked)}
	if p.Usage != want {
		return fmt.Errorf("expected usage %+v, got %+v", want, p.Usage)
	}
	return nil
}
