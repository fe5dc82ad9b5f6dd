package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the standardized error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONResponse writes a JSON body with the given status
func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a standardized error body
func writeErrorResponse(w http.ResponseWriter, message string, status int) {
	writeJSONResponse(w, status, ErrorResponse{Error: message})
}
