package utils

import (
	"encoding/json"
	"net/http"
)

// RespondJSON writes v as a JSON response.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	// The status is already written; nothing else can be reported.
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}
