package api

import (
	"encoding/json"
	"net/http"

	"github.com/aryangodara/distributed_rate_limiter"
)

type errorResponse struct {
	Error  string                          `json:"error"`
	Reason distributed_rate_limiter.Reason `json:"reason,omitempty"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorResponse(w, status, errorResponse{Error: message})
}

func writeErrorResponse(w http.ResponseWriter, status int, payload errorResponse) {
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
