package api

import (
	"context"
	"net/http"
)

type healthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Ping    string `json:"ping,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *handler) handleRedisHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.redis == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Service: "redis", Status: "DOWN", Error: "not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
	defer cancel()

	pong, err := h.redis.Ping(ctx).Result()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Service: "redis", Status: "DOWN", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Service: "redis", Status: "UP", Ping: pong})
}
