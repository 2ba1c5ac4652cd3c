package processing

import (
	"fmt"
	"strings"
	"text/template"
)

// DetailLevel describes one summary verbosity level.
type DetailLevel struct {
	Label       string
	Description string
}

var detailLevels = map[int]DetailLevel{
	1: {"Very brief", "one or two sentences capturing only the central point"},
	2: {"Brief", "a short paragraph covering the main points"},
	3: {"Moderate", "a few paragraphs covering the main points and key supporting details"},
	4: {"Detailed", "a thorough summary covering all significant points and their supporting details"},
	5: {"Comprehensive", "an extensive summary that preserves nearly all substantive information and the original structure"},
}

// ToneStyle describes one rewrite tone.
type ToneStyle struct {
	Name string
	Rule string
}

var toneStyles = map[Tone]ToneStyle{
	ToneFormal:   {"formal", "Use no contractions and an elevated, precise vocabulary."},
	ToneCasual:   {"casual", "Use contractions and simpler, everyday vocabulary."},
	ToneCreative: {"creative", "Use vivid, figurative language, but do not invent facts that are not in the original."},
}

// DetailLevelFor returns the label and description for a summary level.
func DetailLevelFor(level int) (DetailLevel, bool) {
	d, ok := detailLevels[level]
	return d, ok
}

// ToneStyleFor returns the name and defining rule for a tone.
func ToneStyleFor(tone Tone) (ToneStyle, bool) {
	s, ok := toneStyles[tone]
	return s, ok
}

type example struct {
	input  string
	output string
}

const summaryExampleText = `The city council voted on Tuesday to expand the bike-share program from 40 to 120 stations over the next two years. ` +
	`Funding will come from a state transportation grant and a small increase in parking fees downtown. ` +
	`Supporters argued the expansion would reduce traffic and give residents in outer neighborhoods a cheaper way to reach transit hubs, ` +
	`while opponents worried about the loss of parking spaces and asked for a review after the first year. ` +
	`The council agreed to publish ridership figures every six months.`

var (
	terseSummaryExample = example{
		input:  summaryExampleText,
		output: `The city council approved tripling the bike-share network to 120 stations over two years, funded by a state grant and higher downtown parking fees.`,
	}

	fullerSummaryExample = example{
		input: summaryExampleText,
		output: `The city council voted to expand the bike-share program from 40 to 120 stations over two years, paying for it with a state transportation grant and a modest rise in downtown parking fees.

Supporters expect the expansion to ease traffic and give outer neighborhoods affordable access to transit hubs. Opponents raised concerns about lost parking and requested a review after the first year. The council committed to publishing ridership figures every six months.`,
	}
)

const rewriteExampleText = `The meeting got moved to Thursday because the client can't make it on Tuesday. Let me know if that doesn't work for you and we'll figure something out.`

var rewriteExamples = map[Tone]example{
	ToneFormal: {
		input:  rewriteExampleText,
		output: `The meeting has been rescheduled to Thursday, as the client is unavailable on Tuesday. Please inform me should this arrangement be inconvenient, and we will identify an alternative.`,
	},
	ToneCasual: {
		input:  rewriteExampleText,
		output: `Heads up, the meeting's moved to Thursday since the client can't do Tuesday. If that doesn't work for you, just let me know and we'll sort it out.`,
	},
	ToneCreative: {
		input:  rewriteExampleText,
		output: `Tuesday slipped out of the client's reach, so our meeting has drifted over to Thursday. If that day doesn't sit well on your calendar, send word and we'll chart another course together.`,
	},
}

// promptData is the template input for every prompt template.
type promptData struct {
	Text        string
	Label       string
	Description string
	Tone        string
	Rule        string
}

// Template names are "<mode>.<part>.<structure>".
const promptTemplates = `
{{- define "summarize.system.system-heavy" -}}
You are an expert editor who writes faithful summaries.
Rules:
- Keep every statement traceable to the source text; never add facts, opinions or conclusions.
- Preserve names, numbers and dates exactly as written.
- Write in the same language as the source text.
- Match the requested detail level.
- Output the summary text only, with no preamble, headings or meta-commentary.
{{- end}}

{{- define "summarize.system.user-heavy" -}}
You are a helpful writing assistant.
{{- end}}

{{- define "summarize.instruction.system-heavy" -}}
Summarize the text below. Detail level: {{.Label}} ({{.Description}}).
Output the summary text only, with no meta-commentary.

<text>
{{.Text}}
</text>
{{- end}}

{{- define "summarize.instruction.user-heavy" -}}
Summarize the text enclosed in <text> tags.
Detail level: {{.Label}} ({{.Description}}).
Rules:
- Keep every statement traceable to the source text; never add facts, opinions or conclusions.
- Preserve names, numbers and dates exactly as written.
- Write in the same language as the source text.
Output the summary text only, with no meta-commentary.

<text>
{{.Text}}
</text>
{{- end}}

{{- define "rewrite.system.system-heavy" -}}
You are an expert editor who rewrites text in a requested tone.
Rules:
- Keep the meaning, facts and intent of the original unchanged.
- Tone: {{.Tone}}. {{.Rule}}
- Write in the same language as the source text.
- Output the rewritten text only, with no preamble, notes or meta-commentary.
{{- end}}

{{- define "rewrite.system.user-heavy" -}}
You are a helpful writing assistant.
{{- end}}

{{- define "rewrite.instruction.system-heavy" -}}
Rewrite the text below in a {{.Tone}} tone. {{.Rule}}
Output the rewritten text only.

<text>
{{.Text}}
</text>
{{- end}}

{{- define "rewrite.instruction.user-heavy" -}}
Rewrite the text enclosed in <text> tags in a {{.Tone}} tone.
Tone rule: {{.Rule}}
Rules:
- Keep the meaning, facts and intent of the original unchanged.
- Write in the same language as the source text.
Output the rewritten text only, with no meta-commentary.

<text>
{{.Text}}
</text>
{{- end}}
`

var templates = template.Must(template.New("prompts").Option("missingkey=error").Parse(promptTemplates))

func render(name string, data promptData) string {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		// Templates are static and covered by tests; failure is a programming error.
		panic(fmt.Sprintf("render prompt template %s: %v", name, err))
	}
	return b.String()
}

// BuildPrompt maps a normalized request onto the four messages sent to the
// provider: system, one-shot example user and assistant, final instruction.
// The input text is placed verbatim inside a <text> block in the final
// message; the builder never alters it.
func BuildPrompt(req Request) []Message {
	structure := req.Structure
	if structure != StructureUserHeavy {
		structure = StructureSystemHeavy
	}

	var (
		mode = ModeSummarize
		data promptData
		ex   example
	)

	switch req.Mode {
	case ModeRewrite:
		mode = ModeRewrite
		style, ok := toneStyles[req.Tone]
		if !ok {
			style = toneStyles[ToneFormal]
		}
		data = promptData{Tone: style.Name, Rule: style.Rule}
		ex = rewriteExamples[Tone(style.Name)]
	default:
		level, ok := detailLevels[req.Level]
		if !ok {
			level = detailLevels[3]
			req.Level = 3
		}
		data = promptData{Label: level.Label, Description: level.Description}
		ex = terseSummaryExample
		if req.Level >= 3 {
			ex = fullerSummaryExample
		}
	}

	prefix := string(mode)
	suffix := string(structure)

	exampleData := data
	exampleData.Text = ex.input
	finalData := data
	finalData.Text = req.Text

	instruction := prefix + ".instruction." + suffix
	return []Message{
		{Role: RoleSystem, Content: render(prefix+".system."+suffix, data)},
		{Role: RoleUser, Content: render(instruction, exampleData)},
		{Role: RoleAssistant, Content: ex.output},
		{Role: RoleUser, Content: render(instruction, finalData)},
	}
}
