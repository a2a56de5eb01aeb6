package api

import (
	"net/http"

	"github.com/aryangodara/distributed_rate_limiter"
	"github.com/aryangodara/distributed_rate_limiter/engine"
	"go.uber.org/zap"
)

func (h *handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var spec engine.PolicySpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	p, err := h.service.CreatePolicy(r.Context(), spec)
	if err != nil {
		status := distributed_rate_limiter.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("create policy failed", zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Warn("stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "backend_error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
