package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// respondJSON writes a JSON response with the given status code.
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

// respondError writes a JSON error response and logs server-side failures.
func (h *Handlers) respondError(w http.ResponseWriter, status int, msg string, err error) {
	if status >= http.StatusInternalServerError && err != nil {
		h.logger.Error(msg, slog.Any("error", err))
	}
	resp := errorResponse{Error: msg}
	if err != nil && status < http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	h.respondJSON(w, status, resp)
}
