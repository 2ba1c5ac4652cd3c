package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/processing"
)

func testCall() Call {
	plan := processing.Prepare(processing.Request{
		Text:      "The quick brown fox jumps over the lazy dog.",
		Mode:      processing.ModeRewrite,
		Tone:      processing.ToneCasual,
		Model:     "gpt-4o-mini",
		Tier:      processing.TierStandard,
		Structure: processing.StructureSystemHeavy,
	})
	return Call{Model: plan.Model, Messages: plan.Messages, Parameters: plan.Parameters}
}

// sseServer serves the given raw SSE body for chat completion requests.
func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func chunk(text string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"delta": map[string]string{"content": text}}},
	})
	return fmt.Sprintf("data: %s\n\n", b)
}

func openAI(url string) *OpenAIProvider {
	return NewOpenAIProvider("openai", config.ProviderConfig{
		Type:    config.ProviderOpenAI,
		APIKey:  "sk-test",
		BaseURL: url,
	}, nil)
}

func collect(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for s.Next() {
		out = append(out, s.Fragment())
	}
	return out, s.Err()
}

func TestOpenAIProvider_Request(t *testing.T) {
	var got chatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunk("ok")+"data: [DONE]\n\n")
	}))
	defer ts.Close()

	call := testCall()
	s, err := openAI(ts.URL+"/v1/").Open(context.Background(), call)
	require.NoError(t, err)
	frags, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, frags)

	assert.True(t, got.Stream)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, call.Parameters.MaxTokens, got.MaxTokens)
	assert.Equal(t, call.Parameters.Temperature, got.Temperature)
	assert.Equal(t, call.Messages, got.Messages)
}

func TestOpenAIProvider_Stream(t *testing.T) {
	tests := []struct {
		name      string
		events    []string
		expected  []string
		expectErr func(t *testing.T, err error)
	}{
		{
			name:     "three chunks then done",
			events:   []string{chunk("Hel"), chunk("lo, "), chunk("world"), "data: [DONE]\n\n"},
			expected: []string{"Hel", "lo, ", "world"},
		},
		{
			name: "comments, empty deltas and role chunk are skipped",
			events: []string{
				": keep-alive\n\n",
				`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n\n",
				chunk("a"),
				"event: message\nid: 7\n" + chunk("b"),
				`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n",
				"data: [DONE]\n\n",
			},
			expected: []string{"a", "b"},
		},
		{
			name:     "crlf line endings",
			events:   []string{"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\n", "data: [DONE]\r\n\r\n"},
			expected: []string{"x"},
		},
		{
			name:     "missing done marker",
			events:   []string{chunk("Hel"), chunk("lo")},
			expected: []string{"Hel", "lo"},
			expectErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			},
		},
		{
			name:     "content filter finish reason",
			events:   []string{chunk("start"), `data: {"choices":[{"delta":{"content":" mid"},"finish_reason":"content_filter"}]}` + "\n\n"},
			expected: []string{"start", " mid"},
			expectErr: func(t *testing.T, err error) {
				var pe *errors.ProviderError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
				assert.Equal(t, "content_filter", pe.Code)
			},
		},
		{
			name:     "error event mid-stream",
			events:   []string{chunk("partial"), `data: {"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}` + "\n\n"},
			expected: []string{"partial"},
			expectErr: func(t *testing.T, err error) {
				var pe *errors.ProviderError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
				assert.Equal(t, "rate_limit_exceeded", pe.Code)
				assert.Equal(t, "Rate limit reached", pe.Message)
			},
		},
		{
			name:     "malformed event",
			events:   []string{"data: {not json\n\n"},
			expected: nil,
			expectErr: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "malformed stream event")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := sseServer(t, tt.events...)
			s, err := openAI(ts.URL).Open(context.Background(), testCall())
			require.NoError(t, err)

			frags, err := collect(t, s)
			assert.Equal(t, tt.expected, frags)
			assert.Equal(t, strings.Join(tt.expected, ""), strings.Join(frags, ""))
			if tt.expectErr == nil {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				tt.expectErr(t, err)
			}
		})
	}
}

func TestOpenAIProvider_StatusErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		retryAfter   string
		expectCode   string
		expectType   string
		expectMsg    string
		classifiedAs errors.ErrorCode
	}{
		{
			name:         "rate limited",
			status:       http.StatusTooManyRequests,
			body:         `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			retryAfter:   "3",
			expectCode:   "rate_limit_exceeded",
			expectType:   "requests",
			expectMsg:    "Rate limit reached",
			classifiedAs: errors.CodeAIRateLimitError,
		},
		{
			name:         "content policy",
			status:       http.StatusBadRequest,
			body:         `{"error":{"message":"blocked","type":"invalid_request_error","code":"content_policy_violation"}}`,
			expectCode:   "content_policy_violation",
			expectType:   "invalid_request_error",
			expectMsg:    "blocked",
			classifiedAs: errors.CodeAIContentFilter,
		},
		{
			name:         "numeric code",
			status:       http.StatusUnauthorized,
			body:         `{"error":{"message":"bad key","type":"auth","code":401}}`,
			expectCode:   "401",
			expectType:   "auth",
			expectMsg:    "bad key",
			classifiedAs: errors.CodeAIAuthError,
		},
		{
			name:         "null code",
			status:       http.StatusInternalServerError,
			body:         `{"error":{"message":"boom","type":"server_error","code":null}}`,
			expectType:   "server_error",
			expectMsg:    "boom",
			classifiedAs: errors.CodeAIServerError,
		},
		{
			name:         "plain text body",
			status:       http.StatusBadGateway,
			body:         "upstream connect error\n",
			expectMsg:    "upstream connect error",
			classifiedAs: errors.CodeAIAPIError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			s, err := openAI(ts.URL).Open(context.Background(), testCall())
			require.Nil(t, s)
			var pe *errors.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "openai", pe.Provider)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.expectCode, pe.Code)
			assert.Equal(t, tt.expectType, pe.Type)
			assert.Equal(t, tt.expectMsg, pe.Message)
			assert.Equal(t, tt.retryAfter, pe.RetryAfter)
			assert.Equal(t, tt.classifiedAs, errors.Classify(err, "r", true).Code)
		})
	}
}

func TestOpenAIProvider_Credential(t *testing.T) {
	assert.True(t, openAI("http://x").HasCredential())
	p := NewOpenAIProvider("local", config.ProviderConfig{Type: config.ProviderOpenAI}, nil)
	assert.False(t, p.HasCredential())
	assert.Equal(t, config.DefaultOpenAIBaseURL, p.baseURL)
	assert.Equal(t, "local", p.Name())
}

func TestOpenAIProvider_CancelStopsStream(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunk("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := openAI(ts.URL).Open(ctx, testCall())
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Next())
	assert.Equal(t, "first", s.Fragment())

	cancel()
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), context.Canceled)
}
