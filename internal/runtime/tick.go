package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openagency/agencyd/internal/plugin"
	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/store"
	"github.com/openagency/agencyd/pkg/protocol"
)

// ToolsPerTick bounds one tick's tool batch. A larger pending queue is
// drained FIFO across consecutive ticks.
const ToolsPerTick = 25

// runTick executes one bounded step of the agent. At most one tick is in
// flight per handle; a tick that leaves work behind re-arms the alarm.
func (h *Handle) runTick(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.run.Status != store.StatusRunning {
		return
	}

	ctx, span := h.rt.deps.Tracer.Start(ctx, "agent.tick")
	span.SetAttributes(
		attribute.String("agent.id", h.id),
		attribute.String("agency.id", h.agency),
		attribute.Int64("agent.step", h.run.Step),
	)
	defer span.End()

	h.emit(ctx, protocol.EventRunTick, map[string]any{"step": h.run.Step})
	h.run.Step++

	if len(h.pending) == 0 {
		if stop := h.modelPhase(ctx); stop {
			return
		}
	}

	if len(h.pending) > 0 {
		if stop := h.toolPhase(ctx); stop {
			return
		}
		if reason := h.takePause(); reason != "" {
			h.pauseWith(ctx, reason)
			return
		}
	}

	// Remaining queue, freshly executed tools, and the next model call all
	// reschedule at "now": long runs become chains of short ticks.
	h.persistRun(ctx)
	h.scheduleTick(0)
}

// modelPhase runs the hooks, builds the plan, calls the provider once, and
// applies the assistant turn. Returns true when the tick must stop here
// (pause, completion, or error).
func (h *Handle) modelPhase(ctx context.Context) (stop bool) {
	h.host.OnTick(ctx, h)

	// Per-tick tool scope starts empty; beforeModel hooks may fill it.
	h.transient = nil
	plan := &plugin.Plan{}
	plan.AddSystemPrompt(h.bp.Prompt)
	h.host.BeforeModel(ctx, h, plan)

	if reason := h.takePause(); reason != "" {
		h.pauseWith(ctx, reason)
		return true
	}

	history, err := h.log.ListMessages(ctx)
	if err != nil {
		h.failRun(ctx, err)
		return true
	}
	req := h.buildRequest(plan, history)

	h.emit(ctx, protocol.EventModelStarted, map[string]any{"model": req.Model})
	mctx, span := h.rt.deps.Tracer.Start(ctx, "model.invoke")
	resp, err := h.rt.deps.Provider.Invoke(mctx, req)
	span.End()
	if err != nil {
		h.failRun(ctx, fmt.Errorf("model invoke: %w", err))
		return true
	}
	completed := map[string]any{"model": req.Model}
	if resp.Usage != nil {
		completed["usage"] = map[string]any{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		}
	}
	h.emit(ctx, protocol.EventModelCompleted, completed)

	h.host.OnModelResult(ctx, h, &resp.Message)

	assistant := store.Message{
		Role:      "assistant",
		Content:   resp.Message.Content,
		ToolCalls: resp.Message.ToolCalls,
	}
	if err := h.log.AppendMessages(ctx, assistant); err != nil {
		h.failRun(ctx, err)
		return true
	}
	h.pending = resp.Message.ToolCalls

	// HITL checkpoint: the assistant turn is recorded and its calls stay
	// queued, but nothing executes until the pause clears.
	if reason := h.takePause(); reason != "" {
		h.pauseWith(ctx, reason)
		return true
	}

	if resp.Message.Content != "" && len(resp.Message.ToolCalls) == 0 {
		h.complete(ctx)
		return true
	}
	return false
}

// buildRequest assembles the provider request from the plan, the stored
// history (system rows excluded; the prompt is rebuilt fresh every tick),
// and the tools currently in scope.
func (h *Handle) buildRequest(plan *plugin.Plan, history []store.Message) providers.ModelRequest {
	msgs := make([]providers.Message, 0, len(history))
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	tools := h.toolScope()
	defs := make([]providers.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, registry.Definition(t))
	}

	model := plan.Model
	if model == "" {
		model = h.bp.Model
	}
	if model == "" {
		model = h.rt.deps.DefaultModel
	}
	if model == "" {
		model = h.rt.deps.Provider.DefaultModel()
	}

	req := providers.ModelRequest{
		Model:        model,
		SystemPrompt: plan.SystemPrompt(),
		Messages:     msgs,
		ToolDefs:     defs,
		ToolChoice:   plan.ToolChoice,
		MaxTokens:    plan.MaxTokens,
	}
	if plan.Temperature != nil {
		req.Temperature = *plan.Temperature
	}
	return req
}

// toolScope is the static capability set plus this tick's transient tools.
func (h *Handle) toolScope() []registry.Tool {
	out := make([]registry.Tool, 0, len(h.static)+len(h.transient))
	out = append(out, h.static...)
	out = append(out, h.transient...)
	return out
}

func (h *Handle) lookupTool(name string) registry.Tool {
	for _, t := range h.transient {
		if t.Name() == name {
			return t
		}
	}
	for _, t := range h.static {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// toolPhase drains up to ToolsPerTick calls FIFO, runs them concurrently,
// and applies results in batch order so the model sees deterministic
// tool-message ordering. Returns true when a storage failure aborted the
// tick.
func (h *Handle) toolPhase(ctx context.Context) (stop bool) {
	n := len(h.pending)
	if n > ToolsPerTick {
		n = ToolsPerTick
	}
	batch := h.pending[:n]
	h.pending = h.pending[n:]

	for _, call := range batch {
		h.emit(ctx, protocol.EventToolStarted, map[string]any{"name": call.Name, "id": call.ID})
		h.host.OnToolStart(ctx, h, call)
	}

	type indexed struct {
		idx    int
		call   providers.ToolCall
		result any
		err    error
	}
	resultCh := make(chan indexed, len(batch))
	var wg sync.WaitGroup
	for i, call := range batch {
		wg.Add(1)
		go func(idx int, call providers.ToolCall) {
			defer wg.Done()
			tctx, span := h.rt.deps.Tracer.Start(ctx, "tool.execute")
			span.SetAttributes(attribute.String("tool.name", call.Name))
			defer span.End()

			t := h.lookupTool(call.Name)
			if t == nil {
				resultCh <- indexed{idx: idx, call: call, err: fmt.Errorf("unknown tool %q", call.Name)}
				return
			}
			result, err := t.Execute(tctx, call.Args, registry.ToolContext{
				AgencyID: h.agency,
				AgentID:  h.id,
				CallID:   call.ID,
				Env:      h.rt.envMap(),
			})
			resultCh <- indexed{idx: idx, call: call, result: result, err: err}
		}(i, call)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(batch))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	for _, r := range collected {
		switch {
		case r.err != nil:
			h.emit(ctx, protocol.EventToolError, map[string]any{
				"name": r.call.Name, "id": r.call.ID, "error": r.err.Error(),
			})
			h.host.OnToolError(ctx, h, r.call, r.err)
			if err := h.log.AppendToolResult(ctx, r.call.ID, "Error: "+r.err.Error()); err != nil {
				h.failRun(ctx, err)
				return true
			}
		case r.result == nil:
			// Asynchronous tool: it owns its tool message and appends it
			// later (subagent spawn is the canonical case).
		default:
			content := stringifyResult(r.result)
			h.emit(ctx, protocol.EventToolOutput, map[string]any{"name": r.call.Name, "id": r.call.ID})
			h.host.OnToolResult(ctx, h, r.call, r.result)
			if err := h.log.AppendToolResult(ctx, r.call.ID, content); err != nil {
				h.failRun(ctx, err)
				return true
			}
		}
	}
	return false
}

func stringifyResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// pauseWith transitions running → paused and disarms the alarm.
func (h *Handle) pauseWith(ctx context.Context, reason string) {
	h.run.Status = store.StatusPaused
	h.run.Reason = reason
	h.stopAlarm()
	h.persistRun(ctx)
	h.emit(ctx, protocol.EventRunPaused, map[string]any{"reason": reason})
}

// complete transitions running → completed and reports to the parent.
func (h *Handle) complete(ctx context.Context) {
	h.run.Status = store.StatusCompleted
	h.run.Reason = ""
	h.stopAlarm()
	h.persistRun(ctx)
	h.host.OnRunComplete(ctx, h)
	h.emit(ctx, protocol.EventAgentCompleted, nil)

	result := ""
	if last, err := h.log.LastAssistant(ctx); err == nil && last != nil {
		result = last.Content
	}
	if h.parent != nil {
		if err := h.rt.coord.ReportToParent(ctx, h.parent.ThreadID, h.parent.Token, h.id, result); err != nil {
			h.rt.deps.Log.Warn("report to parent failed", "child", h.id, "parent", h.parent.ThreadID, "error", err)
		}
	}
	h.rt.fireTerminal(h.agency, h.id, h.run.Status, result)
}

// failRun transitions to error. Model and storage failures land here; tool
// failures never do.
func (h *Handle) failRun(ctx context.Context, err error) {
	h.run.Status = store.StatusError
	h.run.Reason = err.Error()
	h.stopAlarm()
	h.persistRun(ctx)
	h.emit(ctx, protocol.EventAgentError, map[string]any{"error": err.Error()})
	h.rt.deps.Log.Error("agent run failed", "agent", h.id, "error", err)
	h.rt.fireTerminal(h.agency, h.id, h.run.Status, "")
}
