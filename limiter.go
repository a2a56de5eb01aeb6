package distributed_rate_limiter

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Algorithm names one admission algorithm. The set is closed.
type Algorithm string

const (
	TokenBucket   Algorithm = "TOKEN_BUCKET"
	SlidingWindow Algorithm = "SLIDING_WINDOW"
	FixedWindow   Algorithm = "FIXED_WINDOW"
	LeakyBucket   Algorithm = "LEAKY_BUCKET"
	Combined      Algorithm = "COMBINED"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{TokenBucket, SlidingWindow, FixedWindow, LeakyBucket, Combined}

// ParseAlgorithm case-folds and trims s. The second return value is false when s is empty or unsupported.
func ParseAlgorithm(s string) (Algorithm, bool) {
	a := Algorithm(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Algorithms {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// Reason is the machine-readable cause attached to every decision.
type Reason string

const (
	ReasonAllowed               Reason = "ALLOWED"
	ReasonTokenBucketExceeded   Reason = "TOKEN_BUCKET_EXCEEDED"
	ReasonSlidingWindowExceeded Reason = "SLIDING_WINDOW_EXCEEDED"
	ReasonFixedWindowExceeded   Reason = "FIXED_WINDOW_EXCEEDED"
	ReasonLeakyBucketExceeded   Reason = "LEAKY_BUCKET_EXCEEDED"
	ReasonHardBlock             Reason = "HARD_BLOCK_THRESHOLD_EXCEEDED"
	ReasonInvalidKey            Reason = "INVALID_KEY"
	ReasonInvalidRequest        Reason = "INVALID_REQUEST"
	ReasonLimiterError          Reason = "LIMITER_ERROR"
	ReasonFailOpen              Reason = "FAIL_OPEN_REDIS_UNAVAILABLE"
)

// State represents the result of rate limiting.
type State int64

const (
	Deny State = iota
	Allow
)

// State strings for HTTP headers
var stateStrings = map[State]string{
	Allow: "Allow",
	Deny:  "Deny",
}

func (s State) String() string {
	return stateStrings[s]
}

// Status is the coarse health of a policy as shown to operators.
type Status string

const (
	StatusNormal  Status = "Normal"
	StatusBlocked Status = "Blocked"
)

// UsageCounters are lifetime request counters for one policy or for all of them.
type UsageCounters struct {
	Total   int64 `json:"totalRequests"`
	Allowed int64 `json:"allowedRequests"`
	Blocked int64 `json:"blockedRequests"`
}

// Add returns the field-wise sum of u and o.
func (u UsageCounters) Add(o UsageCounters) UsageCounters {
	return UsageCounters{
		Total:   u.Total + o.Total,
		Allowed: u.Allowed + o.Allowed,
		Blocked: u.Blocked + o.Blocked,
	}
}

// Policy is the quota configuration for one API key plus its usage counters.
type Policy struct {
	Key                string        `json:"apiKey"`
	Owner              string        `json:"ownerName"`
	Limit              int64         `json:"rateLimit"`
	WindowSeconds      int64         `json:"windowSeconds"`
	Algorithm          Algorithm     `json:"algorithm,omitempty"`
	HardBlockThreshold int64         `json:"hardBlockThreshold"`
	Status             Status        `json:"status"`
	Usage              UsageCounters `json:"usage"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// Window returns the policy window as a duration, never shorter than one second.
func (p Policy) Window() time.Duration {
	if p.WindowSeconds < 1 {
		return time.Second
	}
	return time.Duration(p.WindowSeconds) * time.Second
}

// HardBlocked reports whether the lifetime cap has been reached.
func (p Policy) HardBlocked() bool {
	return p.HardBlockThreshold > 0 && p.Usage.Total >= p.HardBlockThreshold
}

// Decision is the normalised outcome of one evaluation.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	RetryAfterSeconds int64     `json:"retryAfterSeconds"`
	Reason            Reason    `json:"reason"`
	Algorithm         Algorithm `json:"algorithm,omitempty"`
}

// Request defines a request to be rate-limited.
type Request struct {
	Key      string
	Route    string
	Cost     int64
	Limit    int64
	Duration time.Duration
}

// Result is the outcome of a rate limit check.
type Result struct {
	State      State
	RetryAfter int64
	Reason     Reason
}

// Allowed reports whether the result admits the request.
func (r *Result) Allowed() bool {
	return r != nil && r.State == Allow
}

// Strategy interface defines the contract for rate limiting strategies.
type Strategy interface {
	Execute(ctx context.Context, r *Request) (*Result, error)
}

// Evaluator is the entry point callers use to admit or reject a request.
type Evaluator interface {
	Evaluate(ctx context.Context, apiKey, route string, cost int64, algorithm Algorithm) (Decision, error)
}

var (
	ErrInvalidKey           = errors.New("apiKey is required")
	ErrInvalidCost          = errors.New("cost must be >= 1")
	ErrInvalidPolicy        = errors.New("invalid policy")
	ErrPolicyNotFound       = errors.New("API key not found")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrAlgorithmMismatch    = errors.New("algorithm does not match the key's configured algorithm")
	ErrStoreUnavailable     = errors.New("rate limiter store unavailable")
)
