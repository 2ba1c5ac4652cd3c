package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestNewValidationError(t *testing.T) {
	requestID := "test-456"
	details := map[string]interface{}{
		"min_length":    10,
		"actual_length": 4,
	}

	err := NewValidationError(requestID, CodeTextTooShort, "Text is too short", details)

	if err.Code != CodeTextTooShort {
		t.Errorf("Expected code %v, got %v", CodeTextTooShort, err.Code)
	}
	if err.Status != http.StatusBadRequest {
		t.Errorf("Expected status %v, got %v", http.StatusBadRequest, err.Status)
	}
	if err.RequestID != requestID {
		t.Errorf("Expected requestID %v, got %v", requestID, err.RequestID)
	}
	if err.Details["min_length"] != details["min_length"] {
		t.Errorf("Expected details min_length %v, got %v", details["min_length"], err.Details["min_length"])
	}
}

func TestNewMissingAPIKeyError(t *testing.T) {
	err := NewMissingAPIKeyError("test-1", "openai")

	if err.Code != CodeMissingAPIKey {
		t.Errorf("Expected code %v, got %v", CodeMissingAPIKey, err.Code)
	}
	if err.Status != http.StatusInternalServerError {
		t.Errorf("Expected status %v, got %v", http.StatusInternalServerError, err.Status)
	}
	if err.Details["provider"] != "openai" {
		t.Errorf("Expected provider detail openai, got %v", err.Details["provider"])
	}
}

func TestNewRateLimitError(t *testing.T) {
	requestID := "test-789"
	retryAfter := 60

	err := NewRateLimitError(requestID, retryAfter)

	if err.Code != CodeRateLimited {
		t.Errorf("Expected code %v, got %v", CodeRateLimited, err.Code)
	}
	if err.Status != http.StatusTooManyRequests {
		t.Errorf("Expected status %v, got %v", http.StatusTooManyRequests, err.Status)
	}
	if err.Details["retry_after"] != retryAfter {
		t.Errorf("Expected retry_after %v, got %v", retryAfter, err.Details["retry_after"])
	}
}

func TestNewInternalError(t *testing.T) {
	cause := errors.New("boom")
	err := NewInternalError("req", cause)

	if err.Code != CodeInternalServerError {
		t.Errorf("Expected code %v, got %v", CodeInternalServerError, err.Code)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected internal error to wrap its cause")
	}
	if err.Details != nil {
		t.Errorf("Expected no details, got %v", err.Details)
	}
}

func TestNewMethodNotAllowedError(t *testing.T) {
	err := NewMethodNotAllowedError("req", http.MethodGet, http.MethodPost)

	if err.Status != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %v, got %v", http.StatusMethodNotAllowed, err.Status)
	}
	if err.Details["method"] != http.MethodGet {
		t.Errorf("Expected method detail GET, got %v", err.Details["method"])
	}
}
