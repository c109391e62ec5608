package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openagency/agencyd/internal/plugin"
	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/store"
	"github.com/openagency/agencyd/pkg/protocol"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// Handle is the single owner of one agent instance. Its mutex serializes
// every operation against the agent; at most one tick is ever in flight.
type Handle struct {
	rt     *Runtime
	id     string
	agency string
	typ    string
	bp     store.Blueprint
	parent *store.ParentRef
	log    *store.AgentLog
	host   *plugin.Host
	static []registry.Tool // resolved from blueprint capabilities at adopt

	mu        sync.Mutex
	run       store.RunState
	pending   []providers.ToolCall
	vars      map[string]any
	transient []registry.Tool // per-tick tools, rebuilt each model phase

	alarmMu sync.Mutex
	alarm   *time.Timer

	// Pause requests are decoupled from the run lock so tools executing in
	// batch goroutines can request a pause without deadlocking the tick.
	pauseMu  sync.Mutex
	pauseReq string
}

// ID returns the agent's thread id.
func (h *Handle) ID() string { return h.id }

// AgentID implements plugin.AgentContext.
func (h *Handle) AgentID() string { return h.id }

// AgencyID implements plugin.AgentContext.
func (h *Handle) AgencyID() string { return h.agency }

// AgentType returns the blueprint name the agent was spawned from.
func (h *Handle) AgentType() string { return h.typ }

// Blueprint returns the snapshot frozen at registration.
func (h *Handle) Blueprint() store.Blueprint { return h.bp }

// Env implements plugin.AgentContext.
func (h *Handle) Env() map[string]string { return h.rt.envMap() }

// RunStatus implements plugin.AgentContext. Callers hold the run lock
// (hooks) or accept a racy read (observability).
func (h *Handle) RunStatus() (string, string) { return h.run.Status, h.run.Reason }

// Vars implements plugin.AgentContext.
func (h *Handle) Vars() map[string]any { return h.vars }

// SetVar updates one agent var and persists the map.
func (h *Handle) SetVar(ctx context.Context, key string, value any) error {
	h.vars[key] = value
	return h.rt.deps.Catalog.UpdateAgentVars(ctx, h.id, h.vars)
}

// PendingToolCalls implements plugin.AgentContext.
func (h *Handle) PendingToolCalls() []providers.ToolCall {
	out := make([]providers.ToolCall, len(h.pending))
	copy(out, h.pending)
	return out
}

// RegisterTool adds a transient tool to the current tick's scope.
func (h *Handle) RegisterTool(t registry.Tool) {
	for _, existing := range h.transient {
		if existing.Name() == t.Name() {
			return
		}
	}
	h.transient = append(h.transient, t)
}

// Pause requests a pause with the given reason. The tick consumes the
// request at its next checkpoint; the first reason wins.
func (h *Handle) Pause(reason string) {
	h.pauseMu.Lock()
	if h.pauseReq == "" {
		h.pauseReq = reason
	}
	h.pauseMu.Unlock()
}

func (h *Handle) takePause() string {
	h.pauseMu.Lock()
	defer h.pauseMu.Unlock()
	req := h.pauseReq
	h.pauseReq = ""
	return req
}

// Resume implements plugin.AgentContext: clears a pause and schedules an
// immediate tick. Must be called under the run lock (hooks are).
func (h *Handle) Resume() {
	h.resumeLocked(context.Background())
}

func (h *Handle) resumeLocked(ctx context.Context) {
	if h.run.Status != store.StatusPaused {
		return
	}
	h.run.Status = store.StatusRunning
	h.run.Reason = ""
	h.persistRun(ctx)
	h.emit(ctx, protocol.EventRunResumed, nil)
	h.scheduleTick(0)
}

// Snapshot is the observer view returned by GET /state.
type Snapshot struct {
	ID        string               `json:"id"`
	AgencyID  string               `json:"agencyId"`
	AgentType string               `json:"agentType"`
	Parent    *store.ParentRef     `json:"parent,omitempty"`
	Run       store.RunState       `json:"run"`
	Pending   []providers.ToolCall `json:"pendingToolCalls,omitempty"`
	Vars      map[string]any       `json:"vars,omitempty"`
	Waits     []store.Wait         `json:"waitingSubagents,omitempty"`
}

// State returns a consistent snapshot of the agent.
func (h *Handle) State(ctx context.Context) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	waits, err := h.log.ListWaits(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:        h.id,
		AgencyID:  h.agency,
		AgentType: h.typ,
		Parent:    h.parent,
		Run:       h.run,
		Pending:   h.PendingToolCalls(),
		Vars:      h.vars,
		Waits:     waits,
	}, nil
}

// Events returns the full event log.
func (h *Handle) Events(ctx context.Context) ([]store.Event, error) {
	return h.log.ListEvents(ctx, 0)
}

// Messages returns the full conversation log.
func (h *Handle) Messages(ctx context.Context) ([]store.Message, error) {
	return h.log.ListMessages(ctx)
}

// Invoke appends the given messages and (re)starts the run. On a terminal
// agent it is a no-op; the caller still gets the current status back.
func (h *Handle) Invoke(ctx context.Context, messages []providers.Message, vars map[string]any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.run.Terminal() {
		return h.run.Status, nil
	}

	if len(vars) > 0 {
		for k, v := range vars {
			h.vars[k] = v
		}
		if err := h.rt.deps.Catalog.UpdateAgentVars(ctx, h.id, h.vars); err != nil {
			return "", err
		}
	}

	if len(messages) > 0 {
		rows := make([]store.Message, 0, len(messages))
		for _, m := range messages {
			rows = append(rows, store.Message{
				Role:       m.Role,
				Content:    m.Content,
				ToolCalls:  m.ToolCalls,
				ToolCallID: m.ToolCallID,
			})
		}
		if err := h.log.AppendMessages(ctx, rows...); err != nil {
			return "", err
		}
	}

	if h.run.Status == store.StatusRegistered {
		h.run.Status = store.StatusRunning
		h.persistRun(ctx)
		h.emit(ctx, protocol.EventRunStarted, map[string]any{"agentType": h.typ})
	}
	if h.run.Status == store.StatusRunning {
		h.scheduleTick(0)
	}
	return h.run.Status, nil
}

// Action dispatches a plugin-defined action (e.g. HITL approve).
func (h *Handle) Action(ctx context.Context, action map[string]any) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result, handled, err := h.host.OnAction(ctx, h, action)
	if err != nil {
		return nil, err
	}
	if !handled {
		typ, _ := action["type"].(string)
		return nil, fmt.Errorf("no plugin handles action %q", typ)
	}
	return result, nil
}

// Cancel stops the run and cascades a best-effort cancel through every
// outstanding child wait. Canceling a terminal agent is a no-op.
func (h *Handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.Terminal() {
		return nil
	}
	h.stopAlarm()

	waits, err := h.log.ListWaits(ctx)
	if err != nil {
		return err
	}
	for _, w := range waits {
		// Fire-and-log: one stuck child must not block the sweep, and the
		// child's own lock may be waiting on ours.
		if child, ok := h.rt.Get(w.ChildID); ok {
			go func(c *Handle) {
				if err := c.Cancel(context.Background()); err != nil {
					h.rt.deps.Log.Warn("child cancel failed", "parent", h.id, "child", c.id, "error", err)
				}
			}(child)
		}
		if err := h.log.MarkCanceled(ctx, w.ChildID); err != nil {
			h.rt.deps.Log.Warn("mark link canceled failed", "parent", h.id, "child", w.ChildID, "error", err)
		}
		if _, err := h.log.PopWait(ctx, w.Token, w.ChildID); err != nil {
			h.rt.deps.Log.Warn("clear wait failed", "parent", h.id, "token", w.Token, "error", err)
		}
	}

	h.run.Status = store.StatusCanceled
	h.run.Reason = store.ReasonUser
	h.persistRun(ctx)
	h.emit(ctx, protocol.EventRunCanceled, nil)
	h.rt.fireTerminal(h.agency, h.id, h.run.Status, "")
	return nil
}

// scheduleTick arms the alarm. A pending alarm is replaced: the runtime
// keeps at most one scheduled tick per agent.
func (h *Handle) scheduleTick(delay time.Duration) {
	h.alarmMu.Lock()
	defer h.alarmMu.Unlock()
	if h.alarm != nil {
		h.alarm.Stop()
	}
	h.run.NextAlarmAt = nowMs() + delay.Milliseconds()
	h.alarm = time.AfterFunc(delay, func() { h.runTick(context.Background()) })
}

func (h *Handle) stopAlarm() {
	h.alarmMu.Lock()
	if h.alarm != nil {
		h.alarm.Stop()
		h.alarm = nil
	}
	h.run.NextAlarmAt = 0
	h.alarmMu.Unlock()
}

// persistRun writes the run state + pending queue. A storage failure here
// is logged but not fatal to the caller: the in-memory state is the owner's
// truth and the next successful write converges the row.
func (h *Handle) persistRun(ctx context.Context) {
	if err := h.rt.deps.Catalog.UpdateRunState(ctx, h.id, h.run, h.pending); err != nil {
		h.rt.deps.Log.Error("persist run state failed", "agent", h.id, "error", err)
	}
}

// emit appends one event to the durable log and broadcasts it.
func (h *Handle) emit(ctx context.Context, typ string, data map[string]any) {
	seq, err := h.log.AddEvent(ctx, typ, data)
	if err != nil {
		h.rt.deps.Log.Error("append event failed", "agent", h.id, "type", typ, "error", err)
	}
	h.rt.deps.Bus.Broadcast(protocol.EventFrame{
		Type:     typ,
		AgencyID: h.agency,
		ThreadID: h.id,
		Seq:      seq,
		TS:       nowMs(),
		Data:     data,
	})
}
