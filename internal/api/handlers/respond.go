package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// errorBody is the uniform error envelope for the admin surface.
type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError renders the error envelope. message must already be safe for
// external eyes; internal detail stays in the server log.
func WriteError(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	WriteJSON(w, status, errorBody{Error: errorDetail{
		Type:          errType,
		Message:       message,
		CorrelationID: middleware.GetReqID(r.Context()),
	}})
}

// WritePanic renders the 500 envelope for a recovered panic. The panic
// value is only exposed in debug mode.
func WritePanic(w http.ResponseWriter, r *http.Request, rec any, debugMode bool) {
	msg := "internal server error"
	if debugMode {
		msg = fmt.Sprintf("panic: %v", rec)
	}
	WriteError(w, r, http.StatusInternalServerError, "internal", msg)
}
