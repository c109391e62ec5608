package registry

import (
	"context"
	"log/slog"

	"github.com/openagency/agencyd/internal/providers"
)

// ToolRegistry indexes tools by name and tag. Missing bare names warn:
// unlike plugins, a capability that names no tool is usually a typo.
type ToolRegistry struct {
	*Index[Tool]
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{Index: NewIndex[Tool](func(name string) {
		slog.Warn("capability names unknown tool", "tool", name)
	})}
}

// RegisterTool adds a tool under its own name.
func (r *ToolRegistry) RegisterTool(t Tool, tags ...string) {
	r.Register(t.Name(), t, tags...)
}

// Definition converts a tool to its provider-facing schema.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// FuncTool adapts a plain function into a Tool. Used for builtin tools and
// for transient tools plugins register per tick.
type FuncTool struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Fn       func(ctx context.Context, args map[string]any, tc ToolContext) (any, error)
}

func (f *FuncTool) Name() string               { return f.ToolName }
func (f *FuncTool) Description() string        { return f.Desc }
func (f *FuncTool) Parameters() map[string]any { return f.Schema }

func (f *FuncTool) Execute(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
	return f.Fn(ctx, args, tc)
}
