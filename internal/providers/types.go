package providers

import "context"

// Provider is the interface all model providers must implement.
type Provider interface {
	// Invoke sends one model request and returns the complete response.
	Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error)

	// Stream sends one model request and streams deltas via callback.
	// Returns the final complete response after streaming ends.
	Stream(ctx context.Context, req ModelRequest, onDelta func(Delta)) (*ModelResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// ModelRequest is the per-turn request assembled by the model plan.
type ModelRequest struct {
	Model          string           `json:"model,omitempty"`
	SystemPrompt   string           `json:"system_prompt,omitempty"`
	Messages       []Message        `json:"messages"`
	ToolDefs       []ToolDefinition `json:"tool_defs,omitempty"`
	ToolChoice     string           `json:"tool_choice,omitempty"`
	ResponseFormat string           `json:"response_format,omitempty"` // "" or "json"
	Temperature    float64          `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Stop           []string         `json:"stop,omitempty"`
}

// ModelResponse is the result from one model invocation.
type ModelResponse struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// Delta is a piece of a streaming response.
type Delta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Message represents one conversation message.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool" responses
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
