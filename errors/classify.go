package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUpstreamTimeout marks a provider call that exceeded a gateway deadline
// (connect or idle-between-fragments).
var ErrUpstreamTimeout = errors.New("upstream provider timed out")

// ProviderError describes a failure reported by the completion provider,
// either as a non-2xx response when the stream is opened or as an error
// event in the middle of a stream.
type ProviderError struct {
	// Provider is the configured provider name (e.g. "openai")
	Provider string

	// StatusCode is the upstream HTTP status
	StatusCode int

	// Code is the provider's own error code, if any (e.g. "content_filter")
	Code string

	// Type is the provider's error type, if any (e.g. "invalid_request_error")
	Type string

	// Message is the provider's error message; never shown in production
	Message string

	// RetryAfter is the upstream Retry-After header value, if any
	RetryAfter string
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: status %d", e.Provider, e.StatusCode)
	if e.Type != "" {
		fmt.Fprintf(&b, " type=%s", e.Type)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// providerRule maps an upstream (status, code/type) pair onto the taxonomy.
// A zero respStatus preserves the upstream status.
type providerRule struct {
	status     int
	markers    []string
	code       ErrorCode
	respStatus int
	message    string
}

// contentPolicyMarkers are provider codes or types that identify a policy
// block. They are compared exactly; the free-text message is never searched.
var contentPolicyMarkers = []string{
	"content_filter",
	"content_policy_violation",
	"content_policy",
	"moderation_blocked",
}

// providerRules is evaluated top to bottom; the first match wins.
var providerRules = []providerRule{
	{http.StatusBadRequest, contentPolicyMarkers, CodeAIContentFilter, http.StatusBadRequest,
		"The input was blocked by the AI provider's content policy"},
	{http.StatusBadRequest, nil, CodeAIBadRequest, http.StatusBadRequest,
		"The AI provider rejected the request as malformed"},
	{http.StatusUnauthorized, nil, CodeAIAuthError, http.StatusUnauthorized,
		"The server's AI provider credential is invalid"},
	{http.StatusTooManyRequests, nil, CodeAIRateLimitError, http.StatusTooManyRequests,
		"The AI provider is rate limiting requests, please retry later"},
	{http.StatusInternalServerError, nil, CodeAIServerError, http.StatusInternalServerError,
		"The AI provider encountered an internal error"},
	{http.StatusServiceUnavailable, nil, CodeAIServiceUnavailable, http.StatusServiceUnavailable,
		"The AI provider is overloaded or unavailable, please retry later"},
	// Anthropic reports overload as 529.
	{529, nil, CodeAIServiceUnavailable, http.StatusServiceUnavailable,
		"The AI provider is overloaded or unavailable, please retry later"},
}

var fallbackProviderRule = providerRule{
	code:    CodeAIAPIError,
	message: "The AI provider returned an unexpected error",
}

func (r providerRule) matches(pe *ProviderError) bool {
	if r.status != pe.StatusCode {
		return false
	}
	if len(r.markers) == 0 {
		return true
	}
	code, typ := strings.ToLower(pe.Code), strings.ToLower(pe.Type)
	for _, m := range r.markers {
		if code == m || typ == m {
			return true
		}
	}
	return false
}

func lookupProviderRule(pe *ProviderError) providerRule {
	for _, r := range providerRules {
		if r.matches(pe) {
			return r
		}
	}
	return fallbackProviderRule
}

// ClassifyProvider translates a provider failure into a RephraseError.
// Provider status, code and type are kept in details for diagnostics; the
// provider's free-text message is only included outside production.
func ClassifyProvider(pe *ProviderError, requestID string, production bool) *RephraseError {
	rule := lookupProviderRule(pe)

	status := rule.respStatus
	if status == 0 {
		status = pe.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
	}

	details := map[string]interface{}{
		"status":    pe.StatusCode,
		"provider":  pe.Provider,
		"retryable": rule.code.Retryable(),
	}
	if pe.Code != "" {
		details["provider_code"] = pe.Code
	}
	if pe.Type != "" {
		details["provider_type"] = pe.Type
	}
	if !production && pe.Message != "" {
		details["provider_message"] = pe.Message
	}

	out := &RephraseError{
		Code:      rule.code,
		Message:   rule.message,
		Status:    status,
		RequestID: requestID,
		Details:   details,
		err:       pe,
	}
	if rule.code.Retryable() {
		out.RetryAfter = pe.RetryAfter
	}
	return out
}

// Classify converts any error produced while serving a request into the
// single RephraseError returned to the client. It never returns nil for a
// non-nil err.
//
// Resolution order:
//  1. an existing *RephraseError is passed through (bound to requestID)
//  2. a *ProviderError anywhere in the chain is mapped via providerRules
//  3. gateway and context deadlines become AI_TIMEOUT_ERROR
//  4. a stream that ended without its terminal marker becomes AI_API_ERROR
//  5. anything else is INTERNAL_SERVER_ERROR; its detail is hidden in production
func Classify(err error, requestID string, production bool) *RephraseError {
	if err == nil {
		return nil
	}

	var re *RephraseError
	if errors.As(err, &re) {
		if re.RequestID == "" {
			return re.WithRequestID(requestID)
		}
		return re
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return ClassifyProvider(pe, requestID, production)
	}

	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &RephraseError{
			Code:      CodeAITimeoutError,
			Message:   "The AI provider did not respond in time",
			Status:    http.StatusGatewayTimeout,
			RequestID: requestID,
			Details: map[string]interface{}{
				"retryable": false,
			},
			err: err,
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &RephraseError{
			Code:      CodeAIAPIError,
			Message:   "The AI provider ended the stream unexpectedly",
			Status:    http.StatusBadGateway,
			RequestID: requestID,
			Details: map[string]interface{}{
				"retryable": false,
			},
			err: err,
		}
	}

	internal := NewInternalError(requestID, err)
	if !production {
		internal.Details = map[string]interface{}{
			"cause": err.Error(),
		}
	}
	return internal
}
