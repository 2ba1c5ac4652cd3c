package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/teilomillet/rephrase/server/gateway"
)

// MockProvider is a scripted gateway.Provider.
//
// Each Open returns a MockStream yielding Fragments in order and then
// finishing with FinalErr (nil for a clean end). OpenErr fails Open itself.
type MockProvider struct {
	ProviderName string
	NoCredential bool
	OpenErr      error
	OpenDelay    time.Duration
	Fragments    []string
	FinalErr     error

	// Delay is slept before every fragment.
	Delay time.Duration

	// Gate, when set, must deliver one value per fragment before it is
	// yielded.
	Gate chan struct{}

	mu    sync.Mutex
	calls []gateway.Call
}

var _ gateway.Provider = (*MockProvider)(nil)

// NewMockProvider creates a provider yielding fragments and a clean end.
func NewMockProvider(name string, fragments ...string) *MockProvider {
	return &MockProvider{ProviderName: name, Fragments: fragments}
}

func (p *MockProvider) Name() string        { return p.ProviderName }
func (p *MockProvider) HasCredential() bool { return !p.NoCredential }

// Open records the call and returns a scripted stream bound to ctx.
func (p *MockProvider) Open(ctx context.Context, call gateway.Call) (gateway.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()

	if p.OpenDelay > 0 {
		select {
		case <-time.After(p.OpenDelay):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &MockStream{
		ctx:       ctx,
		fragments: p.Fragments,
		finalErr:  p.FinalErr,
		delay:     p.Delay,
		gate:      p.Gate,
	}, nil
}

// Calls returns the calls seen so far.
func (p *MockProvider) Calls() []gateway.Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.Call(nil), p.calls...)
}

// MockStream yields scripted fragments and honors context cancellation.
type MockStream struct {
	ctx       context.Context
	fragments []string
	finalErr  error
	delay     time.Duration
	gate      chan struct{}

	pos     int
	current string
	err     error
	done    bool
	closed  bool
}

// NewMockStream creates a standalone stream.
func NewMockStream(ctx context.Context, finalErr error, fragments ...string) *MockStream {
	return &MockStream{ctx: ctx, fragments: fragments, finalErr: finalErr}
}

func (s *MockStream) wait() bool {
	var after <-chan time.Time
	if s.delay > 0 {
		after = time.After(s.delay)
	}
	if after != nil {
		select {
		case <-after:
		case <-s.ctx.Done():
			s.err = context.Cause(s.ctx)
			return false
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			s.err = context.Cause(s.ctx)
			return false
		}
	}
	if err := s.ctx.Err(); err != nil {
		s.err = context.Cause(s.ctx)
		return false
	}
	return true
}

func (s *MockStream) Next() bool {
	if s.done || s.err != nil || s.closed {
		return false
	}
	if s.pos >= len(s.fragments) {
		s.done = true
		s.err = s.finalErr
		return false
	}
	if !s.wait() {
		return false
	}
	s.current = s.fragments[s.pos]
	s.pos++
	return true
}

func (s *MockStream) Fragment() string { return s.current }
func (s *MockStream) Err() error       { return s.err }

func (s *MockStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool { return s.closed }
