// Package processing turns a validated request into the prompt and
// generation parameters sent to a completion provider. Everything here is
// pure: identical requests always produce identical prompts and parameters.
package processing

// Mode selects the transformation applied to the input text.
type Mode string

const (
	ModeSummarize Mode = "summarize"
	ModeRewrite   Mode = "rewrite"
)

// Tone is the stylistic target of a rewrite.
type Tone string

const (
	ToneFormal   Tone = "formal"
	ToneCasual   Tone = "casual"
	ToneCreative Tone = "creative"
)

// Structure controls where instructions are concentrated in the prompt.
// Both structures carry the same information.
type Structure string

const (
	// StructureSystemHeavy puts role, rules and output constraints in the
	// system message and keeps the final instruction short.
	StructureSystemHeavy Structure = "system-heavy"

	// StructureUserHeavy keeps the system message minimal and puts every
	// instruction in the final user message.
	StructureUserHeavy Structure = "user-heavy"
)

// Tier is the capability class of a model. Advanced models get larger
// output budgets.
type Tier string

const (
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
// This follows the standard chat format used by most LLM providers,
// where each message has a role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a validated, normalized processing request. Text is already
// trimmed; only the option relevant to Mode is set (Level for summarize,
// Tone for rewrite). Model and Tier come from the model catalog.
type Request struct {
	Text      string
	Mode      Mode
	Tone      Tone
	Level     int
	Model     string
	Tier      Tier
	Structure Structure
}

// Parameters are the generation settings derived from a request. They are
// never supplied by the caller directly.
type Parameters struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}
