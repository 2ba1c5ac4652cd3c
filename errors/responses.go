// Package errors provides error response utilities.
package errors

import (
	"errors"
)

const RequestIDKey = "request_id"

// ErrorResponse is the wire format of a RephraseError as seen by clients:
//   - Code for categorization
//   - Human-readable message under "error"
//   - Request ID for correlation
//   - Optional details for diagnostics
type ErrorResponse struct {
	Code      ErrorCode              `json:"code"`
	Error     string                 `json:"error"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Response returns the wire representation of e.
func (e *RephraseError) Response() ErrorResponse {
	return ErrorResponse{
		Code:      e.Code,
		Error:     e.Message,
		RequestID: e.RequestID,
		Details:   e.Details,
	}
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a wrapper around errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join is a wrapper around errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}
