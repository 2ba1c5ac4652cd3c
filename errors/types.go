package errors

import (
	"net/http"
)

// NewError creates a new RephraseError with the given parameters.
// It is a general-purpose constructor that allows full control over
// the error's fields. For most cases, you should use one of the
// specialized constructors below.
//
// Example:
//
//	err := NewError(CodeInternalServerError, "stream setup failed", 500, "req_123", nil, cause)
func NewError(code ErrorCode, message string, status int, requestID string, details map[string]interface{}, err error) *RephraseError {
	return &RephraseError{
		Code:      code,
		Message:   message,
		Status:    status,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewValidationError creates a client-input error. Validation errors are
// always HTTP 400 and recoverable by correcting the request:
//   - Malformed JSON
//   - Missing or empty text
//   - Out-of-range or unknown options
//
// Example:
//
//	err := NewValidationError("req_123", CodeTextTooShort, "Text is too short", map[string]interface{}{
//	    "min_length":    10,
//	    "actual_length": 4,
//	})
func NewValidationError(requestID string, code ErrorCode, message string, details map[string]interface{}) *RephraseError {
	return &RephraseError{
		Code:      code,
		Message:   message,
		Status:    http.StatusBadRequest,
		RequestID: requestID,
		Details:   details,
	}
}

// NewMissingAPIKeyError reports that the server has no credential for the
// provider serving the requested model. Operator action is required.
func NewMissingAPIKeyError(requestID, provider string) *RephraseError {
	return &RephraseError{
		Code:      CodeMissingAPIKey,
		Message:   "The server is not configured with an API key for the AI provider",
		Status:    http.StatusInternalServerError,
		RequestID: requestID,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewRateLimitError creates a local rate limit error. This is distinct from
// AI_RATE_LIMIT_ERROR, which reports throttling by the upstream provider.
//
// Example:
//
//	err := NewRateLimitError("req_123", 30)
func NewRateLimitError(requestID string, retryAfter int) *RephraseError {
	return &RephraseError{
		Code:      CodeRateLimited,
		Message:   "Too many requests, please slow down",
		Status:    http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewUnauthorizedError rejects a request without a valid gateway API key.
func NewUnauthorizedError(requestID, message string) *RephraseError {
	return &RephraseError{
		Code:      CodeUnauthorized,
		Message:   message,
		Status:    http.StatusUnauthorized,
		RequestID: requestID,
		Details: map[string]interface{}{
			"suggestion": "Please check your authentication credentials",
		},
	}
}

// NewMethodNotAllowedError rejects requests using an unsupported method.
func NewMethodNotAllowedError(requestID, method string, allowed ...string) *RephraseError {
	return &RephraseError{
		Code:      CodeMethodNotAllowed,
		Message:   "Method not allowed",
		Status:    http.StatusMethodNotAllowed,
		RequestID: requestID,
		Details: map[string]interface{}{
			"method":          method,
			"allowed_methods": allowed,
		},
	}
}

// NewInternalError creates an internal server error with appropriate defaults.
// Use this for unexpected errors that are not covered by other error types:
//   - Panics
//   - Response encoding failures
//   - Unexpected system failures
//
// The cause is kept for logging only; see Classify for how much of it is
// exposed to clients.
func NewInternalError(requestID string, err error) *RephraseError {
	return &RephraseError{
		Code:      CodeInternalServerError,
		Message:   "An internal error occurred",
		Status:    http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
