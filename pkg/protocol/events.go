// Package protocol defines the wire-level event vocabulary shared between
// agencyd and its observers (WebSocket clients, admin UIs).
package protocol

import "time"

// ProtocolVersion is bumped whenever the event frame shape changes.
const ProtocolVersion = 1

// Agent lifecycle event types. The set is closed for the runtime itself;
// plugins may emit additional, namespaced types.
const (
	EventRunStarted  = "run.started"
	EventRunTick     = "run.tick"
	EventRunPaused   = "run.paused"
	EventRunResumed  = "run.resumed"
	EventRunCanceled = "run.canceled"

	EventAgentCompleted = "agent.completed"
	EventAgentError     = "agent.error"

	EventModelStarted   = "model.started"
	EventModelCompleted = "model.completed"

	EventToolStarted = "tool.started"
	EventToolOutput  = "tool.output"
	EventToolError   = "tool.error"

	EventSubagentSpawned   = "subagent.spawned"
	EventSubagentCompleted = "subagent.completed"
)

// Schedule event types broadcast by the per-agency scheduler.
const (
	EventScheduleFired   = "schedule.fired"
	EventScheduleSkipped = "schedule.skipped"
)

// EventFrame is the envelope pushed to /ws observers.
type EventFrame struct {
	Type     string         `json:"type"`
	AgencyID string         `json:"agencyId,omitempty"`
	ThreadID string         `json:"threadId,omitempty"`
	Seq      int64          `json:"seq,omitempty"`
	TS       int64          `json:"ts"` // epoch ms
	Data     map[string]any `json:"data,omitempty"`
}

// NewEvent builds a frame stamped with the current time.
func NewEvent(typ string, data map[string]any) *EventFrame {
	return &EventFrame{Type: typ, TS: time.Now().UnixMilli(), Data: data}
}
