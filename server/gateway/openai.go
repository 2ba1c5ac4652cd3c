package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/processing"
)

const (
	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// OpenAIProvider speaks the OpenAI chat completions protocol, which most
// hosted and local gateways also implement.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an adapter for an OpenAI-compatible endpoint.
// The HTTP client must not set a Timeout; streams are bounded by context.
func NewOpenAIProvider(name string, cfg config.ProviderConfig, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = &http.Client{}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = config.DefaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
	}
}

func (p *OpenAIProvider) Name() string        { return p.name }
func (p *OpenAIProvider) HasCredential() bool { return p.apiKey != "" }

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []processing.Message `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
	Stream      bool                 `json:"stream"`
}

type openAIError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

// code renders the error code, which providers send as a string, a number
// or null.
func (e openAIError) code() string {
	var s string
	if json.Unmarshal(e.Code, &s) == nil {
		return s
	}
	if len(e.Code) > 0 && string(e.Code) != "null" {
		return string(e.Code)
	}
	return ""
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *openAIError `json:"error"`
}

// Open POSTs the call with stream: true and returns once response headers
// arrive. A non-2xx status is returned as a *errors.ProviderError.
func (p *OpenAIProvider) Open(ctx context.Context, call Call) (Stream, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       call.Model,
		Messages:    call.Messages,
		Temperature: call.Parameters.Temperature,
		MaxTokens:   call.Parameters.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", p.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}

	return &openAIStream{
		provider: p.name,
		body:     resp.Body,
		reader:   bufio.NewReader(resp.Body),
	}, nil
}

func (p *OpenAIProvider) statusError(resp *http.Response) error {
	pe := &errors.ProviderError{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error *openAIError `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
		pe.Message = envelope.Error.Message
		pe.Type = envelope.Error.Type
		pe.Code = envelope.Error.code()
	} else {
		pe.Message = strings.TrimSpace(string(raw))
	}
	return pe
}

// openAIStream parses the Server-Sent Events body: "data: {json}" events
// separated by blank lines, terminated by "data: [DONE]".
type openAIStream struct {
	provider string
	body     io.ReadCloser
	reader   *bufio.Reader

	fragment string
	done     bool
	err      error
}

func (s *openAIStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	var data []string
	for {
		line, readErr := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "" && readErr == nil:
			// Blank line dispatches the pending event.
			if len(data) == 0 {
				continue
			}
			if s.dispatch(strings.Join(data, "\n")) {
				return true
			}
			if s.done || s.err != nil {
				return false
			}
			data = data[:0]
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Comments (":"), "event:", "id:" and "retry:" fields carry nothing we use.
		}

		if readErr != nil {
			if readErr == io.EOF {
				// A final event without a trailing blank line still counts.
				if len(data) > 0 && s.dispatch(strings.Join(data, "\n")) {
					if s.err == nil {
						s.err = io.ErrUnexpectedEOF
					}
					return true
				}
				if !s.done && s.err == nil {
					s.err = io.ErrUnexpectedEOF
				}
				return false
			}
			s.err = fmt.Errorf("%s: read stream: %w", s.provider, readErr)
			return false
		}
	}
}

// dispatch handles one event and reports whether it produced a fragment.
func (s *openAIStream) dispatch(data string) bool {
	if strings.TrimSpace(data) == "[DONE]" {
		s.done = true
		return false
	}

	var chunk chatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		s.err = fmt.Errorf("%s: malformed stream event: %w", s.provider, err)
		return false
	}

	if chunk.Error != nil {
		s.err = &errors.ProviderError{
			Provider:   s.provider,
			StatusCode: streamErrorStatus(chunk.Error.Type, chunk.Error.code()),
			Code:       chunk.Error.code(),
			Type:       chunk.Error.Type,
			Message:    chunk.Error.Message,
		}
		return false
	}

	var text strings.Builder
	for _, c := range chunk.Choices {
		text.WriteString(c.Delta.Content)
		if c.FinishReason != nil && *c.FinishReason == "content_filter" {
			s.err = &errors.ProviderError{
				Provider:   s.provider,
				StatusCode: http.StatusBadRequest,
				Code:       "content_filter",
				Message:    "output stopped by content filter",
			}
		}
	}

	if text.Len() > 0 {
		s.fragment = text.String()
		return true
	}
	return false
}

// streamErrorStatus infers an HTTP status for an error delivered inside a
// 200 stream, where no status line is available.
func streamErrorStatus(typ, code string) int {
	key := strings.ToLower(typ + " " + code)
	switch {
	case strings.Contains(key, "content_filter"), strings.Contains(key, "content_policy"):
		return http.StatusBadRequest
	case strings.Contains(key, "rate_limit"):
		return http.StatusTooManyRequests
	case strings.Contains(key, "overloaded"), strings.Contains(key, "unavailable"):
		return http.StatusServiceUnavailable
	case strings.Contains(key, "invalid_request"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *openAIStream) Fragment() string { return s.fragment }
func (s *openAIStream) Err() error       { return s.err }
func (s *openAIStream) Close() error     { return s.body.Close() }
