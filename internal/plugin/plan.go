package plugin

import "strings"

// Plan collects per-tick model-request contributions. It is rebuilt from
// scratch every tick; building it never mutates persisted state.
type Plan struct {
	parts []string

	// Model overrides the blueprint model when non-empty.
	Model string
	// ToolChoice passes through to the provider ("auto" when empty).
	ToolChoice string
	// Temperature / MaxTokens override provider defaults when non-nil/non-zero.
	Temperature *float64
	MaxTokens   int
}

// AddSystemPrompt appends text to the composite system prompt. Contributions
// concatenate in call order.
func (p *Plan) AddSystemPrompt(text string) {
	if text == "" {
		return
	}
	p.parts = append(p.parts, text)
}

// SystemPrompt returns the composite prompt built so far.
func (p *Plan) SystemPrompt() string {
	return strings.Join(p.parts, "\n\n")
}
