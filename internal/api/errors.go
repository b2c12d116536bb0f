package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured gateway error: the HTTP status plus the backend's
// error message, decoded from the { "error": { "message": ... } } envelope.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: gateway returned %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is a gateway 401, meaning the credential
// is invalid or expired and must be discarded.
func IsAuthError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// ErrorMessage returns the backend's verbatim error message if err is a
// gateway error, or err.Error() otherwise. Used to surface validation
// failures (duplicate account, bad input) to the user unchanged.
func ErrorMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// decodeError builds an *Error from an HTTP error response body. Bodies that
// do not match the error envelope fall back to the status text.
func decodeError(status int, data []byte) error {
	var envelope struct {
		Err struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Err.Message != "" {
		return &Error{Status: status, Message: envelope.Err.Message}
	}
	return &Error{Status: status, Message: http.StatusText(status)}
}
