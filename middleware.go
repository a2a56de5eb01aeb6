package distributed_rate_limiter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
	_ Extractor    = &httpHeaderExtractor{}
)

const (
	rateLimitingState     = "Rate-Limiting-State"
	rateLimitingReason    = "Rate-Limiting-Reason"
	rateLimitingAlgorithm = "Rate-Limiting-Algorithm"
	retryAfterHeader      = "Retry-After"
)

// Extractor extracts a key from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// every configured header must carry a value
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", fmt.Errorf("header %v must have a value set: %w", key, ErrInvalidKey)
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHttpHeaderExtractor creates a new Extractor.
func NewHttpHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	Extractor Extractor
	Evaluator Evaluator
	// Algorithm is sent with every evaluation when set.
	Algorithm Algorithm
	// Cost defaults to 1.
	Cost int64
	// Route names the quota partition of a request. Defaults to the URL path.
	Route func(r *http.Request) string
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate limiting before forwarding the
// request to the API
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeRespone(w, http.StatusBadRequest, "failed to collect rate limiting key from request: %v", err)
		return
	}

	cost := h.config.Cost
	if cost < 1 {
		cost = 1
	}
	route := r.URL.Path
	if h.config.Route != nil {
		route = h.config.Route(r)
	}

	decision, err := h.config.Evaluator.Evaluate(r.Context(), key, route, cost, h.config.Algorithm)
	setDecisionHeaders(w, decision)
	if err != nil {
		if decision.RetryAfterSeconds > 0 {
			w.Header().Set(retryAfterHeader, strconv.FormatInt(decision.RetryAfterSeconds, 10))
		}
		h.writeRespone(w, HTTPStatus(err), "failed to run rate limiting for request: %v", err)
		return
	}

	// Too many requests
	if !decision.Allowed {
		w.Header().Set(retryAfterHeader, strconv.FormatInt(decision.RetryAfterSeconds, 10))
		h.writeRespone(w, http.StatusTooManyRequests, "you have sent too many requests to this service, slow down please")
		return
	}

	h.handler.ServeHTTP(w, r)
}

func setDecisionHeaders(w http.ResponseWriter, d Decision) {
	state := Deny
	if d.Allowed {
		state = Allow
	}
	w.Header().Set(rateLimitingState, state.String())
	if d.Reason != "" {
		w.Header().Set(rateLimitingReason, string(d.Reason))
	}
	if d.Algorithm != "" {
		w.Header().Set(rateLimitingAlgorithm, string(d.Algorithm))
	}
}

func (h *httpRateLimiterHandler) writeRespone(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		fmt.Printf("failed to write body to HTTP request: %v", err)
	}
}

// HTTPStatus maps an evaluation or policy error to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrInvalidCost),
		errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrUnsupportedAlgorithm),
		errors.Is(err, ErrAlgorithmMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
