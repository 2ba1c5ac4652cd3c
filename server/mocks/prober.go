package mocks

import (
	"context"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

// MockProber simulates a gollm client for provider health probes.
//
// Example usage:
//
//	prober := NewMockProber(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
//	    return "ok", nil
//	})
type MockProber struct {
	GenerateFunc func(context.Context, *gollm.Prompt) (string, error)
	calls        int
}

// NewMockProber creates a MockProber. A nil generateFunc answers "ok".
func NewMockProber(generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockProber {
	return &MockProber{GenerateFunc: generateFunc}
}

// Generate implements the probe call. Options are ignored.
func (m *MockProber) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	m.calls++
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "ok", nil
}

// Calls returns how many probes were made. Not safe for concurrent use.
func (m *MockProber) Calls() int {
	return m.calls
}
