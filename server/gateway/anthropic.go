package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/processing"
)

// AnthropicProvider streams from the Anthropic Messages API through the
// official SDK. SDK retries are disabled; the gateway never retries.
type AnthropicProvider struct {
	name   string
	apiKey string
	client anthropic.Client
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an adapter from provider config. A nil
// httpClient uses the SDK default.
func NewAnthropicProvider(name string, cfg config.ProviderConfig, httpClient *http.Client) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &AnthropicProvider{
		name:   name,
		apiKey: cfg.APIKey,
		client: anthropic.NewClient(opts...),
	}
}

func (p *AnthropicProvider) Name() string        { return p.name }
func (p *AnthropicProvider) HasCredential() bool { return p.apiKey != "" }

func (p *AnthropicProvider) params(call Call) anthropic.MessageNewParams {
	system, rest := processing.SystemPrompt(call.Messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(call.Model),
		MaxTokens:   int64(call.Parameters.MaxTokens),
		Temperature: anthropic.Float(call.Parameters.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == processing.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params
}

// Open starts the stream and reads up to the first text fragment, so that
// upstream rejections surface here rather than mid-relay.
func (p *AnthropicProvider) Open(ctx context.Context, call Call) (Stream, error) {
	s := &anthropicStream{
		provider: p.name,
		stream:   p.client.Messages.NewStreaming(ctx, p.params(call)),
	}

	if s.advance() {
		s.primed = true
		return s, nil
	}
	if s.err != nil {
		s.stream.Close()
		return nil, s.err
	}
	// Finished cleanly without any text.
	return s, nil
}

type anthropicStream struct {
	provider string
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]

	primed   bool
	fragment string
	done     bool
	err      error
}

func (s *anthropicStream) Next() bool {
	if s.primed {
		s.primed = false
		return true
	}
	return s.advance()
}

// advance reads events until the next text delta, message_stop or error.
func (s *anthropicStream) advance() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				s.fragment = d.Text
				return true
			}
		case anthropic.MessageDeltaEvent:
			if string(ev.Delta.StopReason) == "refusal" {
				s.err = &errors.ProviderError{
					Provider:   s.provider,
					StatusCode: http.StatusBadRequest,
					Code:       "content_policy",
					Type:       "refusal",
					Message:    "output stopped by safety refusal",
				}
				return false
			}
		case anthropic.MessageStopEvent:
			s.done = true
			return false
		}
	}

	if err := s.stream.Err(); err != nil {
		s.err = mapAnthropicError(s.provider, err)
	} else {
		s.err = io.ErrUnexpectedEOF
	}
	return false
}

func (s *anthropicStream) Fragment() string { return s.fragment }
func (s *anthropicStream) Err() error       { return s.err }
func (s *anthropicStream) Close() error     { return s.stream.Close() }

// anthropicErrorStatus maps error event types to the status the API uses
// for the same condition on a plain response.
var anthropicErrorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseErrorBody extracts the JSON error envelope embedded in an SDK error
// message.
func parseErrorBody(msg string) (anthropicErrorBody, bool) {
	var body anthropicErrorBody
	i := strings.IndexByte(msg, '{')
	if i < 0 {
		return body, false
	}
	if err := json.Unmarshal([]byte(msg[i:]), &body); err != nil || body.Error.Type == "" {
		return body, false
	}
	return body, true
}

func mapAnthropicError(provider string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := &errors.ProviderError{
			Provider:   provider,
			StatusCode: apiErr.StatusCode,
		}
		if body, ok := parseErrorBody(apiErr.Error()); ok {
			pe.Type = body.Error.Type
			pe.Message = body.Error.Message
		}
		if apiErr.Response != nil {
			pe.RetryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		// Error events inside a 200 stream carry the stream's status; the
		// event type decides the real one.
		if pe.StatusCode < http.StatusBadRequest {
			pe.StatusCode = anthropicEventStatus(pe.Type)
		}
		return pe
	}

	if body, ok := parseErrorBody(err.Error()); ok {
		return &errors.ProviderError{
			Provider:   provider,
			StatusCode: anthropicEventStatus(body.Error.Type),
			Type:       body.Error.Type,
			Message:    body.Error.Message,
		}
	}

	return fmt.Errorf("%s: %w", provider, err)
}

func anthropicEventStatus(typ string) int {
	if status, ok := anthropicErrorStatus[typ]; ok {
		return status
	}
	return http.StatusInternalServerError
}
