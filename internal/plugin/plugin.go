// Package plugin defines the lifecycle-hook extension point of the agent
// runtime. A Plugin is a record of optional function-valued hooks; the Host
// dispatches the non-nil ones in plugin order, once per lifecycle point.
package plugin

import (
	"context"
	"log/slog"

	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/store"
)

// AgentContext is the view of the running agent a hook may act on. It is
// implemented by the runtime handle; all methods are called under the
// agent's single-owner lock, so hooks never race each other.
type AgentContext interface {
	AgentID() string
	AgencyID() string
	Blueprint() store.Blueprint

	// RunStatus returns the current status and reason tags.
	RunStatus() (status, reason string)
	// Pause stops the run with the given reason. Takes effect at the next
	// pause checkpoint of the tick.
	Pause(reason string)
	// Resume clears a pause and schedules an immediate tick.
	Resume()

	// RegisterTool adds a tool to the agent's current tick scope. Tools
	// registered here are offered to the model alongside blueprint tools.
	RegisterTool(t registry.Tool)

	Vars() map[string]any
	SetVar(ctx context.Context, key string, value any) error
	Env() map[string]string

	PendingToolCalls() []providers.ToolCall
}

// Plugin is a named bundle of optional hooks. Nil fields are skipped.
type Plugin struct {
	Name string

	// OnTick runs at the top of every model-phase tick.
	OnTick func(ctx context.Context, ac AgentContext) error
	// BeforeModel may contribute system prompt text and per-tick tools.
	BeforeModel func(ctx context.Context, ac AgentContext, plan *Plan) error
	// OnModelResult inspects the assistant message before it is acted on.
	OnModelResult func(ctx context.Context, ac AgentContext, msg *providers.Message) error
	// OnToolStart / OnToolResult / OnToolError bracket one tool execution.
	OnToolStart  func(ctx context.Context, ac AgentContext, call providers.ToolCall) error
	OnToolResult func(ctx context.Context, ac AgentContext, call providers.ToolCall, result any) error
	OnToolError  func(ctx context.Context, ac AgentContext, call providers.ToolCall, err error)
	// OnRunComplete fires once when the run reaches completed.
	OnRunComplete func(ctx context.Context, ac AgentContext) error
	// OnAction handles POST /action dispatches. Return handled=true to stop
	// the dispatch chain.
	OnAction func(ctx context.Context, ac AgentContext, action map[string]any) (result any, handled bool, err error)
}

// Host dispatches hooks over a fixed, ordered plugin list. Hook errors are
// logged and do not abort the chain: a broken plugin must not poison the run.
type Host struct {
	plugins []Plugin
	log     *slog.Logger
}

func NewHost(plugins []Plugin, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{plugins: plugins, log: log}
}

// Plugins returns the dispatch order.
func (h *Host) Plugins() []Plugin { return h.plugins }

func (h *Host) hookErr(plugin, hook string, err error) {
	if err != nil {
		h.log.Error("plugin hook failed", "plugin", plugin, "hook", hook, "error", err)
	}
}

func (h *Host) OnTick(ctx context.Context, ac AgentContext) {
	for _, p := range h.plugins {
		if p.OnTick != nil {
			h.hookErr(p.Name, "onTick", p.OnTick(ctx, ac))
		}
	}
}

func (h *Host) BeforeModel(ctx context.Context, ac AgentContext, plan *Plan) {
	for _, p := range h.plugins {
		if p.BeforeModel != nil {
			h.hookErr(p.Name, "beforeModel", p.BeforeModel(ctx, ac, plan))
		}
	}
}

func (h *Host) OnModelResult(ctx context.Context, ac AgentContext, msg *providers.Message) {
	for _, p := range h.plugins {
		if p.OnModelResult != nil {
			h.hookErr(p.Name, "onModelResult", p.OnModelResult(ctx, ac, msg))
		}
	}
}

func (h *Host) OnToolStart(ctx context.Context, ac AgentContext, call providers.ToolCall) {
	for _, p := range h.plugins {
		if p.OnToolStart != nil {
			h.hookErr(p.Name, "onToolStart", p.OnToolStart(ctx, ac, call))
		}
	}
}

func (h *Host) OnToolResult(ctx context.Context, ac AgentContext, call providers.ToolCall, result any) {
	for _, p := range h.plugins {
		if p.OnToolResult != nil {
			h.hookErr(p.Name, "onToolResult", p.OnToolResult(ctx, ac, call, result))
		}
	}
}

func (h *Host) OnToolError(ctx context.Context, ac AgentContext, call providers.ToolCall, err error) {
	for _, p := range h.plugins {
		if p.OnToolError != nil {
			p.OnToolError(ctx, ac, call, err)
		}
	}
}

func (h *Host) OnRunComplete(ctx context.Context, ac AgentContext) {
	for _, p := range h.plugins {
		if p.OnRunComplete != nil {
			h.hookErr(p.Name, "onRunComplete", p.OnRunComplete(ctx, ac))
		}
	}
}

// OnAction walks the chain until a plugin claims the action. The second
// return reports whether any plugin handled it.
func (h *Host) OnAction(ctx context.Context, ac AgentContext, action map[string]any) (any, bool, error) {
	for _, p := range h.plugins {
		if p.OnAction == nil {
			continue
		}
		result, handled, err := p.OnAction(ctx, ac, action)
		if handled || err != nil {
			return result, handled, err
		}
	}
	return nil, false, nil
}
