// Package validation turns a raw POST /api/process body into a normalized
// processing.Request, or exactly one structured error. Checks run in a fixed
// order and the first failure wins.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/processing"
)

var (
	modes      = []string{string(processing.ModeSummarize), string(processing.ModeRewrite)}
	tones      = []string{string(processing.ToneFormal), string(processing.ToneCasual), string(processing.ToneCreative)}
	structures = []string{string(processing.StructureSystemHeavy), string(processing.StructureUserHeavy)}
)

const (
	minSummaryLevel = 1
	maxSummaryLevel = 5
)

// Policy holds the hot-reloadable validation settings.
type Policy struct {
	MinTextLength    int
	MaxTextLength    int
	Models           config.ModelsConfig
	DefaultStructure processing.Structure
}

// PolicyFromConfig extracts the validation policy from a full config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MinTextLength:    cfg.Validation.MinTextLength,
		MaxTextLength:    cfg.Validation.MaxTextLength,
		Models:           cfg.Models,
		DefaultStructure: processing.Structure(cfg.Processing.DefaultStructure),
	}
}

// Validator validates process requests against the current policy.
// It is safe for concurrent use; UpdatePolicy swaps the policy atomically.
type Validator struct {
	policy   atomic.Pointer[Policy]
	validate *validator.Validate
	logger   *zap.Logger
}

// NewValidator creates a Validator with an initial policy.
func NewValidator(p Policy, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		validate: validator.New(),
		logger:   logger,
	}
	v.policy.Store(&p)
	return v
}

// UpdatePolicy replaces the policy used by subsequent validations.
func (v *Validator) UpdatePolicy(p Policy) {
	v.policy.Store(&p)
}

// Policy returns the current policy.
func (v *Validator) Policy() Policy {
	return *v.policy.Load()
}

// rawRequest is the wire shape of the request body. Mode-specific options
// stay raw so that an option irrelevant to the mode is never inspected.
type rawRequest struct {
	Text               *string         `json:"text"`
	Mode               *string         `json:"mode"`
	Tone               json.RawMessage `json:"tone"`
	SummaryLengthLevel json.RawMessage `json:"summaryLengthLevel"`
	Model              *string         `json:"model"`
	PromptStructure    *string         `json:"promptStructure"`
}

// ReadBody reads at most maxBytes of the request body. A larger body is
// reported as INVALID_JSON with reason "body too large".
func ReadBody(r *http.Request, maxBytes int64) ([]byte, *errors.RephraseError) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, invalidJSON(fmt.Sprintf("read body: %v", err))
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.NewValidationError("", errors.CodeInvalidJSON,
			"Request body is too large",
			map[string]interface{}{
				"reason":    "body too large",
				"max_bytes": maxBytes,
			})
	}
	return body, nil
}

// Validate checks body in order: JSON shape, text presence, text length,
// mode, mode-specific option, model, prompt structure. The returned error
// carries no request ID, so the same body always yields an identical result.
func (v *Validator) Validate(body []byte) (processing.Request, *errors.RephraseError) {
	p := v.policy.Load()

	// (a) shape
	var raw rawRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return processing.Request{}, invalidJSON("body must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return processing.Request{}, invalidJSON(describeJSONError(err))
	}

	// (b) text
	if raw.Text == nil || strings.TrimSpace(*raw.Text) == "" {
		return processing.Request{}, errors.NewValidationError("", errors.CodeMissingText,
			"Text is required", nil)
	}
	text := strings.TrimSpace(*raw.Text)

	// (c) length in code points
	n := utf8.RuneCountInString(text)
	if v.validate.Var(text, fmt.Sprintf("min=%d", p.MinTextLength)) != nil {
		return processing.Request{}, errors.NewValidationError("", errors.CodeTextTooShort,
			fmt.Sprintf("Text must be at least %d characters", p.MinTextLength),
			map[string]interface{}{
				"min_length":    p.MinTextLength,
				"actual_length": n,
			})
	}
	if v.validate.Var(text, fmt.Sprintf("max=%d", p.MaxTextLength)) != nil {
		return processing.Request{}, errors.NewValidationError("", errors.CodeTextTooLong,
			fmt.Sprintf("Text must be at most %d characters", p.MaxTextLength),
			map[string]interface{}{
				"max_length":    p.MaxTextLength,
				"actual_length": n,
			})
	}

	req := processing.Request{Text: text}

	// (d) mode
	var mode string
	if raw.Mode != nil {
		mode = *raw.Mode
	}
	if v.validate.Var(mode, "required,oneof="+strings.Join(modes, " ")) != nil {
		return processing.Request{}, errors.NewValidationError("", errors.CodeInvalidMode,
			"Mode must be one of: "+strings.Join(modes, ", "),
			map[string]interface{}{"allowed": modes})
	}
	req.Mode = processing.Mode(mode)

	// (e) mode-specific option
	switch req.Mode {
	case processing.ModeSummarize:
		level, ok := v.summaryLevel(raw.SummaryLengthLevel)
		if !ok {
			return processing.Request{}, errors.NewValidationError("", errors.CodeInvalidSummaryLevel,
				fmt.Sprintf("Summary length level must be an integer from %d to %d", minSummaryLevel, maxSummaryLevel),
				map[string]interface{}{
					"min_level": minSummaryLevel,
					"max_level": maxSummaryLevel,
				})
		}
		req.Level = level
	case processing.ModeRewrite:
		var tone string
		if json.Unmarshal(raw.Tone, &tone) != nil ||
			v.validate.Var(tone, "required,oneof="+strings.Join(tones, " ")) != nil {
			return processing.Request{}, errors.NewValidationError("", errors.CodeInvalidTone,
				"Tone must be one of: "+strings.Join(tones, ", "),
				map[string]interface{}{"allowed": tones})
		}
		req.Tone = processing.Tone(tone)
	}

	// (f) model
	var model string
	if raw.Model != nil {
		model = strings.TrimSpace(*raw.Model)
	}
	entry, ok := v.resolveModel(p, model)
	if !ok {
		return processing.Request{}, errors.NewValidationError("", errors.CodeInvalidModel,
			fmt.Sprintf("Model %q is not supported", model),
			map[string]interface{}{
				"model":   model,
				"allowed": p.Models.Names(),
			})
	}
	req.Model = entry.Name
	req.Tier = processing.Tier(entry.Tier)

	// (g) prompt structure
	req.Structure = p.DefaultStructure
	if raw.PromptStructure != nil {
		s := *raw.PromptStructure
		if v.validate.Var(s, "oneof="+strings.Join(structures, " ")) != nil {
			return processing.Request{}, errors.NewValidationError("", errors.CodeInvalidPromptStructure,
				"Prompt structure must be one of: "+strings.Join(structures, ", "),
				map[string]interface{}{"allowed": structures})
		}
		req.Structure = processing.Structure(s)
	}

	return req, nil
}

// summaryLevel accepts a JSON number with an integral value in range.
func (v *Validator) summaryLevel(raw json.RawMessage) (int, bool) {
	var f float64
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	level := int(f)
	if v.validate.Var(level, fmt.Sprintf("min=%d,max=%d", minSummaryLevel, maxSummaryLevel)) != nil {
		return 0, false
	}
	return level, true
}

// resolveModel applies the model policy: empty selects the default; an
// unknown name is rejected unless FallbackUnknown is set.
func (v *Validator) resolveModel(p *Policy, model string) (config.ModelConfig, bool) {
	if model == "" {
		return p.Models.Lookup(p.Models.Default)
	}
	if entry, ok := p.Models.Lookup(model); ok {
		return entry, true
	}
	if !p.Models.FallbackUnknown {
		return config.ModelConfig{}, false
	}
	v.logger.Info("unknown model replaced by default",
		zap.String("requested", model),
		zap.String("default", p.Models.Default),
	)
	return p.Models.Lookup(p.Models.Default)
}

func invalidJSON(reason string) *errors.RephraseError {
	return errors.NewValidationError("", errors.CodeInvalidJSON,
		"Request body must be a valid JSON object",
		map[string]interface{}{"reason": reason})
}

func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %q must be a %s", typeErr.Field, typeErr.Type.String())
	}
	return err.Error()
}
