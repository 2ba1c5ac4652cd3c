// Package gateway opens streaming chat completions against the configured
// providers. Each call yields a Stream: a finite, forward-only sequence of
// text fragments that ends with either a clean finish or an error.
package gateway

import (
	"context"

	"github.com/teilomillet/rephrase/server/processing"
)

// Call is one completion request.
type Call struct {
	Model      string
	Messages   []processing.Message
	Parameters processing.Parameters
}

// Stream is a pull-based sequence of text fragments. It is not restartable.
//
//	for s.Next() {
//		use(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Next returns false once the provider's end marker is seen or an error
// occurs; Err distinguishes the two. Fragment is never empty after a true
// Next. Close releases the upstream connection and may be called at any time.
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// Provider adapts one upstream completion API.
type Provider interface {
	// Name is the configured provider name used in errors and metrics.
	Name() string

	// HasCredential reports whether an API key is configured.
	HasCredential() bool

	// Open starts a streaming completion. Upstream rejections are returned
	// as *errors.ProviderError. The stream is bound to ctx.
	Open(ctx context.Context, call Call) (Stream, error)
}
