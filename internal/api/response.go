package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
}

// writeJSON sends a successful envelope
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	sendJSON(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
}

// writeError sends an error envelope
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())

	apiErr := FromError(err)
	apiErr.RequestID = requestID

	sendJSON(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
	}
}
