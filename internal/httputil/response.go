package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/lovendo/momentcore/internal/errors"
)

// Envelope is the response body of policy endpoints.
type Envelope struct {
	Success  bool       `json:"success"`
	NewState string     `json:"newState,omitempty"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request. Details are only filled for admin
// callers.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a successful envelope.
func WriteSuccess(w http.ResponseWriter, status int, newState string, data any) {
	WriteJSON(w, status, Envelope{Success: true, NewState: newState, Data: data})
}

// WriteError maps err onto its ServiceError status and writes the envelope.
// Unknown errors become INTERNAL. With detailed unset only the stable code and
// message leave the process.
func WriteError(w http.ResponseWriter, err error, detailed bool) {
	se := apperrors.From(err)
	if !detailed {
		se = se.Public()
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: string(se.Code), Message: se.Message, Details: se.Details},
	})
}
