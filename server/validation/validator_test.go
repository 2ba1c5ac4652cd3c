package validation

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/processing"
)

func testPolicy() Policy {
	return PolicyFromConfig(config.DefaultConfig())
}

func body(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func TestValidate_Order(t *testing.T) {
	valid := strings.Repeat("a", 20)

	tests := []struct {
		name         string
		body         string
		expectedCode errors.ErrorCode
	}{
		{"not json", `{"text":`, errors.CodeInvalidJSON},
		{"array", `["text"]`, errors.CodeInvalidJSON},
		{"null", `null`, errors.CodeInvalidJSON},
		{"empty", ``, errors.CodeInvalidJSON},
		{"text wrong type", `{"text": 42, "mode": "summarize"}`, errors.CodeInvalidJSON},
		{"trailing garbage", `{"text": "` + valid + `"} {}`, errors.CodeInvalidJSON},
		{"missing text", `{"mode": "translate"}`, errors.CodeMissingText},
		{"blank text", `{"text": "   \n\t ", "mode": "summarize"}`, errors.CodeMissingText},
		{"short text before bad mode", `{"text": "short", "mode": "translate"}`, errors.CodeTextTooShort},
		{"bad mode", `{"text": "` + valid + `", "mode": "translate", "summaryLengthLevel": 3}`, errors.CodeInvalidMode},
		{"missing mode", `{"text": "` + valid + `"}`, errors.CodeInvalidMode},
		{"missing level", `{"text": "` + valid + `", "mode": "summarize"}`, errors.CodeInvalidSummaryLevel},
		{"level zero", `{"text": "` + valid + `", "mode": "summarize", "summaryLengthLevel": 0}`, errors.CodeInvalidSummaryLevel},
		{"level six", `{"text": "` + valid + `", "mode": "summarize", "summaryLengthLevel": 6}`, errors.CodeInvalidSummaryLevel},
		{"level fraction", `{"text": "` + valid + `", "mode": "summarize", "summaryLengthLevel": 2.5}`, errors.CodeInvalidSummaryLevel},
		{"level string", `{"text": "` + valid + `", "mode": "summarize", "summaryLengthLevel": "3"}`, errors.CodeInvalidSummaryLevel},
		{"missing tone", `{"text": "` + valid + `", "mode": "rewrite"}`, errors.CodeInvalidTone},
		{"bad tone", `{"text": "` + valid + `", "mode": "rewrite", "tone": "sarcastic"}`, errors.CodeInvalidTone},
		{"tone wrong type", `{"text": "` + valid + `", "mode": "rewrite", "tone": 1}`, errors.CodeInvalidTone},
		{"unknown model", `{"text": "` + valid + `", "mode": "rewrite", "tone": "casual", "model": "gpt-9"}`, errors.CodeInvalidModel},
		{"bad structure", `{"text": "` + valid + `", "mode": "rewrite", "tone": "casual", "promptStructure": "balanced"}`, errors.CodeInvalidPromptStructure},
	}

	v := NewValidator(testPolicy(), zaptest.NewLogger(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate([]byte(tt.body))
			require.NotNil(t, err)
			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, 400, err.Status)
			assert.Empty(t, err.RequestID)
		})
	}
}

func TestValidate_LengthBoundaries(t *testing.T) {
	v := NewValidator(testPolicy(), zaptest.NewLogger(t))

	check := func(n int) *errors.RephraseError {
		_, err := v.Validate(body(t, map[string]interface{}{
			"text":               strings.Repeat("x", n),
			"mode":               "summarize",
			"summaryLengthLevel": 3,
		}))
		return err
	}

	err := check(9)
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeTextTooShort, err.Code)
	assert.Equal(t, 10, err.Details["min_length"])
	assert.Equal(t, 9, err.Details["actual_length"])

	assert.Nil(t, check(10))
	assert.Nil(t, check(20000))

	err = check(20001)
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeTextTooLong, err.Code)
	assert.Equal(t, 20000, err.Details["max_length"])
	assert.Equal(t, 20001, err.Details["actual_length"])
}

func TestValidate_CountsCodePointsOfTrimmedText(t *testing.T) {
	v := NewValidator(testPolicy(), zaptest.NewLogger(t))

	// Ten multi-byte runes surrounded by whitespace.
	text := "  " + strings.Repeat("é", 10) + "\n"
	req, err := v.Validate(body(t, map[string]interface{}{
		"text": text, "mode": "rewrite", "tone": "formal",
	}))
	require.Nil(t, err)
	assert.Equal(t, strings.Repeat("é", 10), req.Text)

	_, err = v.Validate(body(t, map[string]interface{}{
		"text": "  " + strings.Repeat("日", 9) + "  ", "mode": "rewrite", "tone": "formal",
	}))
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeTextTooShort, err.Code)
	assert.Equal(t, 9, err.Details["actual_length"])
}

func TestValidate_InvalidModeIndependentOfOtherFields(t *testing.T) {
	v := NewValidator(testPolicy(), zaptest.NewLogger(t))

	_, err := v.Validate(body(t, map[string]interface{}{
		"text":               "A perfectly reasonable paragraph of text.",
		"mode":               "translate",
		"tone":               "formal",
		"summaryLengthLevel": 3,
		"model":              "gpt-4o",
		"promptStructure":    "user-heavy",
	}))
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeInvalidMode, err.Code)
}

func TestValidate_Normalizes(t *testing.T) {
	v := NewValidator(testPolicy(), zaptest.NewLogger(t))

	t.Run("summarize ignores tone", func(t *testing.T) {
		req, err := v.Validate(body(t, map[string]interface{}{
			"text":               "  Some text that is long enough.  ",
			"mode":               "summarize",
			"summaryLengthLevel": 4.0,
			"tone":               "not-a-tone",
			"model":              "gpt-4o",
		}))
		require.Nil(t, err)
		assert.Equal(t, processing.Request{
			Text:      "Some text that is long enough.",
			Mode:      processing.ModeSummarize,
			Level:     4,
			Model:     "gpt-4o",
			Tier:      processing.TierAdvanced,
			Structure: processing.StructureSystemHeavy,
		}, req)
	})

	t.Run("rewrite ignores level", func(t *testing.T) {
		req, err := v.Validate(body(t, map[string]interface{}{
			"text":               "Some text that is long enough.",
			"mode":               "rewrite",
			"tone":               "creative",
			"summaryLengthLevel": "banana",
			"promptStructure":    "user-heavy",
		}))
		require.Nil(t, err)
		assert.Equal(t, processing.ToneCreative, req.Tone)
		assert.Zero(t, req.Level)
		assert.Equal(t, "gpt-4o-mini", req.Model, "empty model selects the default")
		assert.Equal(t, processing.TierStandard, req.Tier)
		assert.Equal(t, processing.StructureUserHeavy, req.Structure)
	})
}

func TestValidate_Idempotent(t *testing.T) {
	v := NewValidator(testPolicy(), zaptest.NewLogger(t))

	for _, b := range []string{
		`{"text": "tiny", "mode": "summarize"}`,
		`{"text": "long enough text here", "mode": "rewrite", "tone": "angry"}`,
		`{"text": "long enough text here", "mode": "rewrite", "tone": "formal", "model": "nope"}`,
		`{oops`,
	} {
		_, first := v.Validate([]byte(b))
		_, second := v.Validate([]byte(b))
		require.NotNil(t, first)
		assert.Equal(t, first, second)
		assert.Equal(t, first.Response(), second.Response())
	}
}

func TestValidate_FallbackUnknownModel(t *testing.T) {
	p := testPolicy()
	p.Models.FallbackUnknown = true
	v := NewValidator(p, zaptest.NewLogger(t))

	req, err := v.Validate(body(t, map[string]interface{}{
		"text": "Some text that is long enough.", "mode": "rewrite", "tone": "casual", "model": "gpt-9",
	}))
	require.Nil(t, err)
	assert.Equal(t, "gpt-4o-mini", req.Model)
}

func TestValidator_UpdatePolicy(t *testing.T) {
	v := NewValidator(testPolicy(), zaptest.NewLogger(t))
	b := body(t, map[string]interface{}{"text": "0123456789abcde", "mode": "rewrite", "tone": "casual"})

	_, err := v.Validate(b)
	require.Nil(t, err)

	p := v.Policy()
	p.MinTextLength = 20
	v.UpdatePolicy(p)

	_, err = v.Validate(b)
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeTextTooShort, err.Code)
	assert.Equal(t, 20, err.Details["min_length"])
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/process", strings.NewReader(`{"text":"hello"}`))
	b, err := ReadBody(r, 1024)
	require.Nil(t, err)
	assert.Equal(t, `{"text":"hello"}`, string(b))

	r = httptest.NewRequest("POST", "/api/process", strings.NewReader(strings.Repeat("x", 33)))
	_, err = ReadBody(r, 32)
	require.NotNil(t, err)
	assert.Equal(t, errors.CodeInvalidJSON, err.Code)
	assert.Equal(t, "body too large", err.Details["reason"])
}

// mockTokenizer counts whitespace-separated words.
type mockTokenizer struct{}

func (mockTokenizer) Encode(text string, _, _ []string) []int {
	return make([]int, len(strings.Fields(text)))
}

func TestTokenCounter(t *testing.T) {
	tc := NewTokenCounterWith(mockTokenizer{})

	assert.Equal(t, 3, tc.CountText("one two three"))

	msgs := []processing.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello there world"},
	}
	// reply priming + 2 * (overhead + role) + content
	assert.Equal(t, 3+2*(3+1)+2+3, tc.CountMessages(msgs))
}
