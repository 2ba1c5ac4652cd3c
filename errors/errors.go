// Package errors provides the error taxonomy for the rephrase gateway.
// Every failure that crosses the HTTP boundary is represented by a single
// RephraseError carrying a stable code, a user-facing message and optional
// structured details, and is serialized as:
//
//	{"code": "TEXT_TOO_SHORT", "error": "...", "details": {...}, "request_id": "..."}
//
// The package offers:
//
//   - Stable error codes for client-input, configuration, upstream-provider
//     and internal failures
//   - Constructors for each category (see types.go)
//   - A declarative classifier mapping provider failures onto codes (see classify.go)
//   - JSON response writing and panic recovery middleware integrated with zap
//
// Basic usage:
//
//	errors.WriteError(w, errors.NewValidationError(requestID, errors.CodeMissingText, "Text is required", nil))
//
//	// Translate anything returned by the gateway
//	errors.WriteError(w, errors.Classify(err, requestID, production))
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the package.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger allows setting a custom zap logger instance.
// If nil is provided, the function will do nothing to prevent
// accidentally disabling logging.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorCode is the stable, machine-readable identifier of a failure.
// Codes never change meaning once published; clients switch on them.
type ErrorCode string

// Client-input errors. Always HTTP 400 and never retried automatically.
const (
	CodeInvalidJSON            ErrorCode = "INVALID_JSON"
	CodeMissingText            ErrorCode = "MISSING_TEXT"
	CodeTextTooShort           ErrorCode = "TEXT_TOO_SHORT"
	CodeTextTooLong            ErrorCode = "TEXT_TOO_LONG"
	CodeInvalidMode            ErrorCode = "INVALID_MODE"
	CodeInvalidSummaryLevel    ErrorCode = "INVALID_SUMMARY_LEVEL"
	CodeInvalidTone            ErrorCode = "INVALID_TONE"
	CodeInvalidModel           ErrorCode = "INVALID_MODEL"
	CodeInvalidPromptStructure ErrorCode = "INVALID_PROMPT_STRUCTURE"
)

// Server configuration errors.
const (
	CodeMissingAPIKey ErrorCode = "MISSING_API_KEY"
)

// Upstream provider errors.
const (
	CodeAIContentFilter      ErrorCode = "AI_CONTENT_FILTER"
	CodeAIBadRequest         ErrorCode = "AI_BAD_REQUEST"
	CodeAIAuthError          ErrorCode = "AI_AUTH_ERROR"
	CodeAIRateLimitError     ErrorCode = "AI_RATE_LIMIT_ERROR"
	CodeAIServerError        ErrorCode = "AI_SERVER_ERROR"
	CodeAIServiceUnavailable ErrorCode = "AI_SERVICE_UNAVAILABLE"
	CodeAIAPIError           ErrorCode = "AI_API_ERROR"
	CodeAITimeoutError       ErrorCode = "AI_TIMEOUT_ERROR"
)

// Local transport and unexpected errors.
const (
	CodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeMethodNotAllowed    ErrorCode = "METHOD_NOT_ALLOWED"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeNotFound            ErrorCode = "NOT_FOUND"
)

// Retryable reports whether the code implies "retry later" semantics.
// Only upstream rate limiting and upstream unavailability qualify.
func (c ErrorCode) Retryable() bool {
	return c == CodeAIRateLimitError || c == CodeAIServiceUnavailable
}

// RephraseError is the single failure representation returned across
// the API boundary. It is designed to be serialized to JSON for API
// responses while keeping the underlying cause for logging.
type RephraseError struct {
	// Code categorizes the error for client handling
	Code ErrorCode `json:"code"`

	// Message is a human-readable error description
	Message string `json:"error"`

	// Status is the HTTP status code (not exposed in JSON)
	Status int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id,omitempty"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// RetryAfter is forwarded as a Retry-After header when set (not exposed in JSON)
	RetryAfter string `json:"-"`

	// err is the underlying error (not exposed in JSON)
	err error
}

// Error implements the error interface. It returns a string that
// combines the error code, message, and underlying error (if any).
func (e *RephraseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, implementing the unwrap
// interface for error chains.
func (e *RephraseError) Unwrap() error {
	return e.err
}

// Is implements error matching for errors.Is, allowing code-based
// error matching while ignoring other fields.
func (e *RephraseError) Is(target error) bool {
	t, ok := target.(*RephraseError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithRequestID returns a copy of the error bound to requestID.
func (e *RephraseError) WithRequestID(requestID string) *RephraseError {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// WriteError formats and writes a RephraseError to an http.ResponseWriter.
// It sets the appropriate content type and status code, then writes
// the error as a JSON response.
func WriteError(w http.ResponseWriter, err *RephraseError) {
	if err.RequestID == "" {
		err.RequestID = w.Header().Get("X-Request-ID")
	}
	if err.RetryAfter != "" {
		w.Header().Set("Retry-After", err.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		DefaultLogger.Error("failed to encode error response",
			zap.Error(encErr),
			zap.String("code", string(err.Code)),
		)
	}
}

// Error is a drop-in replacement for http.Error that creates and writes
// a RephraseError with the INTERNAL_SERVER_ERROR code. It automatically
// includes the request ID from the response headers if available.
func Error(w http.ResponseWriter, message string, status int) {
	ErrorWithCode(w, message, CodeInternalServerError, status)
}

// ErrorWithCode is like Error but allows specifying the error code.
func ErrorWithCode(w http.ResponseWriter, message string, code ErrorCode, status int) {
	WriteError(w, &RephraseError{
		Code:      code,
		Message:   message,
		Status:    status,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}
