// Package client calls the rephrase API and consumes its streamed output.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teilomillet/rephrase/errors"
)

// Response headers and trailers set by the server.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderModel              = "X-Model"
	HeaderStreamErrorCode    = "X-Stream-Error-Code"
	HeaderStreamError        = "X-Stream-Error"
	HeaderStreamErrorDetails = "X-Stream-Error-Details"
)

const processPath = "/api/process"

// ProcessRequest is the body of POST /api/process.
type ProcessRequest struct {
	Text               string `json:"text"`
	Mode               string `json:"mode"`
	Tone               string `json:"tone,omitempty"`
	SummaryLengthLevel int    `json:"summaryLengthLevel,omitempty"`
	Model              string `json:"model,omitempty"`
	PromptStructure    string `json:"promptStructure,omitempty"`
}

// Result is the outcome of a processed request. Final is false when the
// stream ended with an error; Text then holds what arrived before it.
type Result struct {
	Text      string
	Model     string
	RequestID string
	Final     bool
}

// APIError is a structured error returned by the server, either as the
// response body or, for a failure after streaming began, through trailers.
type APIError struct {
	StatusCode int
	Code       errors.ErrorCode
	Message    string
	RequestID  string
	Details    map[string]interface{}
	RetryAfter string

	// MidStream is set when the error arrived after output had started.
	MidStream bool
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether retrying the same request later may succeed.
func (e *APIError) Retryable() bool {
	if v, ok := e.Details["retryable"].(bool); ok {
		return v
	}
	return e.Code.Retryable()
}

// Client talks to one rephrase server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client. The client should not set an
// overall timeout shorter than the longest expected stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process submits req and streams the output to onUpdate as it arrives.
// If the server rejects the request, the decoded *APIError is returned and
// no stream is read. A failure after streaming began returns the partial
// Result together with the *APIError. Cancelling ctx stops the read loop.
func (c *Client) Process(ctx context.Context, req ProcessRequest, onUpdate func(Update)) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	result := &Result{
		Model:     resp.Header.Get(HeaderModel),
		RequestID: resp.Header.Get(HeaderRequestID),
	}

	result.Text, err = Consume(resp.Body, onUpdate)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, fmt.Errorf("read stream: %w", err)
	}

	// Trailers are only populated once the body has been read to EOF.
	if code := resp.Trailer.Get(HeaderStreamErrorCode); code != "" {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Code:       errors.ErrorCode(code),
			Message:    resp.Trailer.Get(HeaderStreamError),
			RequestID:  result.RequestID,
			MidStream:  true,
		}
		if raw := resp.Trailer.Get(HeaderStreamErrorDetails); raw != "" {
			// Malformed details leave the code and message intact.
			_ = json.Unmarshal([]byte(raw), &apiErr.Details)
		}
		return result, apiErr
	}

	result.Final = true
	return result, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(HeaderRequestID),
		RetryAfter: resp.Header.Get("Retry-After"),
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body errors.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		apiErr.Code = errors.CodeInternalServerError
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	apiErr.Code = body.Code
	apiErr.Message = body.Error
	apiErr.Details = body.Details
	if body.RequestID != "" {
		apiErr.RequestID = body.RequestID
	}
	return apiErr
}
