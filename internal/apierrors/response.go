package apierrors

import (
	"encoding/json"
	"net/http"
)

// APIError represents the JSON error response structure
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Error APIError `json:"error"`
	Code  string   `json:"code"`
}

// Error sends an error response using a registered error code
func Error(w http.ResponseWriter, code string) {
	ErrorWithStatus(w, Registry.HTTPStatus(code), code, Registry.Message(code))
}

// ErrorWithMessage sends an error response with a custom message
func ErrorWithMessage(w http.ResponseWriter, code, message string) {
	ErrorWithStatus(w, Registry.HTTPStatus(code), code, message)
}

// ErrorWithStatus sends an error response with a custom HTTP status
func ErrorWithStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Error: APIError{Code: code, Message: message},
		Code:  code,
	})
}

// New creates an APIError without sending a response
func New(code string) APIError {
	return APIError{Code: code, Message: Registry.Message(code)}
}
