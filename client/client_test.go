package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/rephrase/errors"
)

var summarize = ProcessRequest{
	Text:               "The quick brown fox jumps over the lazy dog.",
	Mode:               "summarize",
	SummaryLengthLevel: 2,
}

// streamServer writes each fragment with a flush, then sets trailers.
func streamServer(t *testing.T, fragments []string, trailerCode, trailerMsg string, trailerDetails ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Trailer", HeaderStreamErrorCode+", "+HeaderStreamError+", "+HeaderStreamErrorDetails)
		w.Header().Set(HeaderModel, "gpt-4o-mini")
		w.Header().Set(HeaderRequestID, "req-1")
		w.WriteHeader(http.StatusOK)
		for _, f := range fragments {
			_, _ = io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
		if trailerCode != "" {
			w.Header().Set(HeaderStreamErrorCode, trailerCode)
			w.Header().Set(HeaderStreamError, trailerMsg)
		}
		if len(trailerDetails) > 0 {
			w.Header().Set(HeaderStreamErrorDetails, trailerDetails[0])
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClientProcess_Streams(t *testing.T) {
	var got ProcessRequest
	var apiKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/process", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		apiKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set(HeaderModel, "gpt-4o-mini")
		for _, f := range []string{"Hel", "lo, ", "world"} {
			_, _ = io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}))
	defer ts.Close()

	var updates []Update
	res, err := New(ts.URL+"/", WithAPIKey("k")).Process(context.Background(), summarize, func(u Update) {
		updates = append(updates, u)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", res.Text)
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.True(t, res.Final)
	assert.Equal(t, summarize, got)
	assert.Equal(t, "k", apiKey)

	require.NotEmpty(t, updates)
	assert.Equal(t, res.Text, updates[len(updates)-1].Text)
	for i, u := range updates {
		assert.Equal(t, i, u.Index)
	}
}

func TestClientProcess_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		errors.WriteError(w, &errors.RephraseError{
			Code:      errors.CodeAIRateLimitError,
			Message:   "The AI provider is rate limiting requests, please retry later",
			Status:    http.StatusTooManyRequests,
			RequestID: "req-429",
			Details:   map[string]interface{}{"retryable": true, "status": 429},
		})
	}))
	defer ts.Close()

	called := false
	res, err := New(ts.URL).Process(context.Background(), summarize, func(Update) { called = true })
	assert.Nil(t, res)
	assert.False(t, called)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, errors.CodeAIRateLimitError, apiErr.Code)
	assert.Equal(t, "req-429", apiErr.RequestID)
	assert.Equal(t, "7", apiErr.RetryAfter)
	assert.True(t, apiErr.Retryable())
	assert.False(t, apiErr.MidStream)
	assert.Contains(t, apiErr.Error(), "AI_RATE_LIMIT_ERROR")
}

func TestClientProcess_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).Process(context.Background(), summarize, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestClientProcess_MidStreamError(t *testing.T) {
	ts := streamServer(t, []string{"partial ", "text"}, string(errors.CodeAIServiceUnavailable), "The AI provider is overloaded")

	res, err := New(ts.URL).Process(context.Background(), summarize, nil)
	require.NotNil(t, res)
	assert.Equal(t, "partial text", res.Text)
	assert.False(t, res.Final)
	assert.Equal(t, "req-1", res.RequestID)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.MidStream)
	assert.Equal(t, errors.CodeAIServiceUnavailable, apiErr.Code)
	assert.Equal(t, "The AI provider is overloaded", apiErr.Message)
}

func TestClientProcess_MidStreamErrorDetails(t *testing.T) {
	tests := []struct {
		name      string
		code      errors.ErrorCode
		details   string
		retryable bool
		provider  interface{}
	}{
		{
			name:      "details override the code default",
			code:      errors.CodeAIAPIError,
			details:   `{"provider":"anthropic","retryable":true,"status":529}`,
			retryable: true,
			provider:  "anthropic",
		},
		{
			name:      "non retryable details",
			code:      errors.CodeAIServiceUnavailable,
			details:   `{"provider":"openai","retryable":false}`,
			retryable: false,
			provider:  "openai",
		},
		{
			name:      "malformed details fall back to the code",
			code:      errors.CodeAIRateLimitError,
			details:   `{not json`,
			retryable: true,
			provider:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := streamServer(t, []string{"partial"}, string(tt.code), "failed", tt.details)

			_, err := New(ts.URL).Process(context.Background(), summarize, nil)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.True(t, apiErr.MidStream)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, "failed", apiErr.Message)
			assert.Equal(t, tt.retryable, apiErr.Retryable())
			assert.Equal(t, tt.provider, apiErr.Details["provider"])
		})
	}
}

func TestClientProcess_CleanTrailers(t *testing.T) {
	ts := streamServer(t, []string{"done"}, "", "")

	res, err := New(ts.URL).Process(context.Background(), summarize, nil)
	require.NoError(t, err)
	assert.True(t, res.Final)
	assert.Equal(t, "done", res.Text)
}

func TestClientProcess_CancelStopsReading(t *testing.T) {
	var closed atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		closed.Store(true)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := New(ts.URL).Process(ctx, summarize, func(u Update) {
		if u.Text == "first" {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, "first", res.Text)
	assert.False(t, res.Final)
	assert.Eventually(t, closed.Load, 2*time.Second, 10*time.Millisecond, "server sees the disconnect")
}

func TestClientProcess_ConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url).Process(context.Background(), summarize, nil)
	assert.ErrorContains(t, err, "send request")
}
