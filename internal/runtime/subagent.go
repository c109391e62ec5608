package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/store"
	"github.com/openagency/agencyd/pkg/protocol"
)

// SubagentCoordinator supervises parent → child relationships: spawning,
// report-back, and cancel cascades. The wait table is durable; a restart
// does not lose outstanding children.
type SubagentCoordinator struct {
	rt *Runtime
}

// Spawn registers a child of parent's agency, invokes it with description
// as its first user message, records the wait slot, and pauses the parent.
// Returns the child's id.
//
// Called from the parent's task tool while the parent tick holds the run
// lock; everything here touches only the child handle and the parent's
// durable log, never the parent lock.
func (c *SubagentCoordinator) Spawn(ctx context.Context, parent *Handle, childType, description, toolCallID string) (string, error) {
	token := uuid.NewString()
	childID := uuid.Must(uuid.NewV7()).String()

	child, err := c.rt.Register(ctx, RegisterOptions{
		ID:        childID,
		AgencyID:  parent.agency,
		AgentType: childType,
		Parent:    &store.ParentRef{ThreadID: parent.id, Token: token},
	})
	if err != nil {
		return "", fmt.Errorf("register child: %w", err)
	}

	if err := parent.log.RecordSpawn(ctx, childID, token, toolCallID); err != nil {
		return "", fmt.Errorf("record spawn: %w", err)
	}

	parent.emit(ctx, protocol.EventSubagentSpawned, map[string]any{
		"childId":   childID,
		"agentType": childType,
	})
	parent.Pause(store.ReasonSubagent)

	if _, err := child.Invoke(ctx, []providers.Message{{Role: "user", Content: description}}, nil); err != nil {
		return "", fmt.Errorf("invoke child: %w", err)
	}
	return childID, nil
}

// ReportToParent delivers a completed child's report into the parent's
// conversation. The token authenticates the wait slot; an unknown or
// already-consumed token is rejected. When the last wait clears and the
// parent is paused on subagents, it resumes with an immediate tick.
func (c *SubagentCoordinator) ReportToParent(ctx context.Context, parentID, token, childID, report string) error {
	parent, ok := c.rt.Get(parentID)
	if !ok {
		return fmt.Errorf("parent %q: %w", parentID, store.ErrNotFound)
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()

	toolCallID, err := parent.log.PopWait(ctx, token, childID)
	if err != nil {
		return err
	}
	if err := parent.log.AppendToolResult(ctx, toolCallID, report); err != nil {
		return err
	}
	if err := parent.log.MarkCompleted(ctx, childID, report); err != nil {
		c.rt.deps.Log.Warn("mark link completed failed", "parent", parentID, "child", childID, "error", err)
	}
	parent.emit(ctx, protocol.EventSubagentCompleted, map[string]any{"childId": childID})

	if parent.run.Status == store.StatusPaused && parent.run.Reason == store.ReasonSubagent {
		waits, err := parent.log.ListWaits(ctx)
		if err != nil {
			return err
		}
		if len(waits) == 0 {
			parent.resumeLocked(ctx)
		}
	}
	return nil
}

// NewTaskTool returns the builtin subagent-spawning tool. Registered under
// the name "task"; blueprints opt in through their capabilities.
func NewTaskTool(rt *Runtime) registry.Tool {
	return &registry.FuncTool{
		ToolName: "task",
		Desc:     "Spawn a subagent of the given type and delegate a task to it. The subagent's report arrives as this tool's result once it finishes.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subagentType": map[string]any{
					"type":        "string",
					"description": "Blueprint name of the subagent to spawn",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Task description handed to the subagent as its first message",
				},
			},
			"required": []string{"subagentType", "description"},
		},
		Fn: func(ctx context.Context, args map[string]any, tc registry.ToolContext) (any, error) {
			childType, _ := args["subagentType"].(string)
			description, _ := args["description"].(string)
			if childType == "" || description == "" {
				return nil, fmt.Errorf("task requires subagentType and description")
			}

			parent, ok := rt.Get(tc.AgentID)
			if !ok {
				return nil, fmt.Errorf("agent %q: %w", tc.AgentID, store.ErrNotFound)
			}
			if _, err := rt.coord.Spawn(ctx, parent, childType, description, tc.CallID); err != nil {
				rt.deps.Log.Error("subagent spawn failed", "parent", tc.AgentID, "type", childType, "error", err)
				return "Error: Failed to initialize subagent", nil
			}
			// The child's report supplies this call's tool message later.
			return nil, nil
		},
	}
}
