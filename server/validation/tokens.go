package validation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teilomillet/rephrase/server/processing"
)

// Tokenizer defines the interface for token encoding
type Tokenizer interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Chat formatting overhead, per the OpenAI cookbook accounting.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// TokenCounter estimates prompt size for metrics and logs. Counts are
// approximate for non-OpenAI models.
type TokenCounter struct {
	encoding Tokenizer
}

// NewTokenCounter creates a counter for model, falling back to cl100k_base
// when tiktoken has no mapping for it.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load encoding for model %s: %w", model, err)
		}
	}
	return &TokenCounter{encoding: encoding}, nil
}

// NewTokenCounterWith wraps an existing tokenizer.
func NewTokenCounterWith(t Tokenizer) *TokenCounter {
	return &TokenCounter{encoding: t}
}

// CountText counts the tokens of a single string.
func (tc *TokenCounter) CountText(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts the tokens of a full prompt, including per-message
// formatting overhead.
func (tc *TokenCounter) CountMessages(msgs []processing.Message) int {
	total := tokensPerReply
	for _, m := range msgs {
		total += tokensPerMessage + tc.CountText(m.Role) + tc.CountText(m.Content)
	}
	return total
}
