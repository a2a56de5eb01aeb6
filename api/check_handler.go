package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/aryangodara/distributed_rate_limiter"
	"go.uber.org/zap"
)

type checkRequest struct {
	APIKey    string `json:"apiKey"`
	Route     string `json:"route"`
	Tokens    int64  `json:"tokens"`
	Algorithm string `json:"algorithm"`
}

type checkResponse struct {
	Allowed           bool                               `json:"allowed"`
	RetryAfterSeconds int64                              `json:"retryAfterSeconds"`
	Reason            distributed_rate_limiter.Reason    `json:"reason"`
	Algorithm         distributed_rate_limiter.Algorithm `json:"algorithm,omitempty"`
	APIKey            string                             `json:"apiKey"`
}

func (h *handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Tokens == 0 {
		req.Tokens = 1
	}
	key := strings.TrimSpace(req.APIKey)

	decision, err := h.service.Evaluate(r.Context(), key, req.Route, req.Tokens, distributed_rate_limiter.Algorithm(req.Algorithm))
	if err != nil {
		status := distributed_rate_limiter.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("check failed", zap.String("api_key", key), zap.String("route", req.Route), zap.Error(err))
		}
		if decision.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
		}
		writeErrorResponse(w, status, errorResponse{Error: err.Error(), Reason: decision.Reason})
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
	}
	writeJSON(w, status, checkResponse{
		Allowed:           decision.Allowed,
		RetryAfterSeconds: decision.RetryAfterSeconds,
		Reason:            decision.Reason,
		Algorithm:         decision.Algorithm,
		APIKey:            key,
	})
}
