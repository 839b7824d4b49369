// Package httputil provides HTTP response helper functions.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Response is the API response envelope.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// JSON writes a raw JSON response without envelope.
// Use Success or Error for {"success": ..., "message": ...} responses.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Success writes a {"success": true, "message": ...} envelope.
func Success(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Response{Success: true, Message: message})
}

// Error writes a {"success": false, "message": ...} envelope.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Response{Success: false, Message: message})
}
