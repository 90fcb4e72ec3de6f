// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/sashabaranov/go-openai"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

// maxPromptChars caps the paper text sent to a single stage call. Papers
// longer than this are truncated; findings past the cap are lost, which is
// preferable to a hard token-limit failure mid-run.
const maxPromptChars = 60000

const systemPrompt = `You are a research knowledge extraction system. You respond with a single JSON object and nothing else.`

// promptFuncs are helpers available inside prompt templates.
var promptFuncs = template.FuncMap{"join": strings.Join}

// classifyPromptTmpl produces the stage-1 request: paper type, summary,
// experimental system, and key contributions.
var classifyPromptTmpl = template.Must(template.New("classify").Funcs(promptFuncs).Parse(`Classify the following academic paper.

Respond with a JSON object with these fields:
- paper_type: a short hyphenated tag, e.g. "empirical-study", "review", "methods", "theory", "meta-analysis"
- summary: a 2-4 sentence summary of the paper
- experimental_system: the system, organism, dataset, or setup under study ("" if none)
- key_contributions: an array of the paper's main contributions, in order of importance

Title: {{.Paper.Title}}
Authors: {{join .Paper.Authors ", "}}
Year: {{.Paper.Year}}{{if .Paper.Journal}}
Journal: {{.Paper.Journal}}{{end}}

Paper text:
{{.Text}}
`))

// extractPromptTmpl produces the stage-2 request. The stage-1
// classification steers what counts as a finding for this paper type.
var extractPromptTmpl = template.Must(template.New("extract").Parse(`Extract the distinct findings from this {{.Class.PaperType}} paper.

For each finding, identify:
- type: one of "central-finding", "supporting-finding", "methodological", "limitation", "implication", "open-question", "background"
- title: a short label (under 12 words)
- description: the finding in 1-3 sentences of prose
- quotes: an array of {"text": "...", "page_label": "..."} with verbatim evidence spans from the paper (do not paraphrase inside quotes)
- confidence: a float between 0.0 and 1.0 for how certain you are the finding is stated by the paper
- page_numbers: an array of integers, [] if unknown{{if .Thesis}}
- relevance_score: an integer 1-5 for how strongly this finding bears on the research thesis below
- relevance_reasoning: one sentence explaining the score{{end}}

Paper summary: {{.Class.Summary}}{{if .Thesis}}

Research thesis: {{.Thesis.Title}}
{{.Thesis.Description}}{{end}}

Respond with a JSON object: {"findings": [...]}.

Paper text:
{{.Text}}
`))

// integratePromptTmpl produces the stage-3 request: typed connections
// between the already-extracted findings, referenced by index.
var integratePromptTmpl = template.Must(template.New("integrate").Parse(`Below is a numbered list of findings extracted from the paper "{{.Paper.Title}}". Identify the relationships between them.

For each relationship:
- from, to: zero-based indexes into the findings list (from and to must differ)
- type: one of "supports", "contradicts", "extends", "requires", "explains", "qualifies"
- explanation: one sentence on why the relationship holds
{{if .Thesis}}
Also judge the paper as a whole against the research thesis:
- overall_score: an integer 1-5
- thesis_framed_takeaway: one sentence restating the paper's contribution in terms of the thesis

Research thesis: {{.Thesis.Title}}
{{.Thesis.Description}}
{{end}}
Respond with a JSON object: {"connections": [...]{{if .Thesis}}, "overall_score": N, "thesis_framed_takeaway": "..."{{end}}}.

Findings:
{{range $i, $f := .Findings}}{{$i}}. [{{$f.Type}}] {{$f.Title}}: {{$f.Description}}
{{end}}`))

// OpenAIBackend implements StageBackend over the OpenAI chat completion
// API with JSON-mode responses.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend builds a backend from the AI configuration.
func NewOpenAIBackend(cfg types.AIConfig) *OpenAIBackend {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIBackend{
		client: openai.NewClient(cfg.APIKey),
		model:  model,
	}
}

// Classify implements stage 1.
func (b *OpenAIBackend) Classify(ctx context.Context, paper types.Paper, text string) (ClassifyResult, error) {
	var out ClassifyResult
	prompt, err := renderTemplate(classifyPromptTmpl, map[string]any{
		"Paper": paper,
		"Text":  truncate(text, maxPromptChars),
	})
	if err != nil {
		return out, err
	}
	if err := b.complete(ctx, prompt, &out); err != nil {
		return out, err
	}
	if out.PaperType == "" {
		return out, fmt.Errorf("classification missing paper_type")
	}
	return out, nil
}

// ExtractFindings implements stage 2.
func (b *OpenAIBackend) ExtractFindings(ctx context.Context, paper types.Paper, text string, class ClassifyResult, thesis *types.ThesisContext) (ExtractResult, error) {
	var out ExtractResult
	prompt, err := renderTemplate(extractPromptTmpl, map[string]any{
		"Class":  class,
		"Thesis": thesis,
		"Text":   truncate(text, maxPromptChars),
	})
	if err != nil {
		return out, err
	}
	if err := b.complete(ctx, prompt, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Integrate implements stage 3.
func (b *OpenAIBackend) Integrate(ctx context.Context, paper types.Paper, findings []types.ExtractedFinding, thesis *types.ThesisContext) (IntegrateResult, error) {
	var out IntegrateResult
	prompt, err := renderTemplate(integratePromptTmpl, map[string]any{
		"Paper":    paper,
		"Findings": findings,
		"Thesis":   thesis,
	})
	if err != nil {
		return out, err
	}
	if err := b.complete(ctx, prompt, &out); err != nil {
		return out, err
	}
	return out, nil
}

// complete sends one JSON-mode chat completion and decodes the reply into out.
func (b *OpenAIBackend) complete(ctx context.Context, prompt string, out any) error {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion returned no choices")
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("parsing model response: %w", err)
	}
	return nil
}

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", tmpl.Name(), err)
	}
	return sb.String(), nil
}

// stripCodeFence removes a Markdown code fence wrapper some models emit
// despite JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// truncate cuts text to at most n bytes on a line boundary.
func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := text[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n[text truncated]"
}
