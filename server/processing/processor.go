package processing

// Plan is everything the completion gateway needs for one request: the
// resolved model, the ordered prompt and the generation parameters.
type Plan struct {
	Model      string
	Messages   []Message
	Parameters Parameters
}

// Prepare builds the prompt and selects parameters for a validated request.
// Like its parts, it is pure.
func Prepare(req Request) Plan {
	return Plan{
		Model:      req.Model,
		Messages:   BuildPrompt(req),
		Parameters: SelectParameters(req.Mode, req.Tone, req.Level, req.Tier),
	}
}

// SystemPrompt returns the system message content and the remaining
// conversation, for providers that take the system prompt separately.
func SystemPrompt(messages []Message) (string, []Message) {
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
