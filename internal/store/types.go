// Package store persists agencies, agents, and their append-only message and
// event logs. It speaks sqlite (default, embedded) or postgres, selected by
// DSN, through database/sql with embedded migrations.
package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openagency/agencyd/internal/providers"
)

// Agent run statuses.
const (
	StatusRegistered = "registered"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusCanceled   = "canceled"
	StatusError      = "error"
)

// Pause reasons with runtime meaning. Reason is otherwise a free-form tag.
const (
	ReasonHITL     = "hitl"
	ReasonSubagent = "subagent"
	ReasonUser     = "user"
)

// Blueprint statuses.
const (
	BlueprintActive   = "active"
	BlueprintDraft    = "draft"
	BlueprintDisabled = "disabled"
)

// Schedule types, statuses, and overlap policies.
const (
	ScheduleOnce     = "once"
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"

	ScheduleActive    = "active"
	SchedulePausedSt  = "paused"
	ScheduleDisabled  = "disabled"

	OverlapSkip  = "skip"
	OverlapQueue = "queue"
	OverlapAllow = "allow"
)

// ScheduleRun statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether s is a legal agency or blueprint name.
func ValidName(s string) bool { return nameRe.MatchString(s) }

// Blueprint is the declarative shape of an agent type within an agency.
type Blueprint struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Prompt       string          `json:"prompt"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Model        string          `json:"model,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Status       string          `json:"status,omitempty"`
	CreatedAt    int64           `json:"createdAt,omitempty"` // epoch ms
	UpdatedAt    int64           `json:"updatedAt,omitempty"`
}

// Validate checks the blueprint shape before persisting.
func (b *Blueprint) Validate() error {
	if !ValidName(b.Name) {
		return fmt.Errorf("blueprint name %q must match ^[A-Za-z0-9_-]+$", b.Name)
	}
	if strings.TrimSpace(b.Prompt) == "" {
		return fmt.Errorf("blueprint %q requires a non-empty prompt", b.Name)
	}
	switch b.Status {
	case "", BlueprintActive, BlueprintDraft, BlueprintDisabled:
	default:
		return fmt.Errorf("blueprint status %q is not active|draft|disabled", b.Status)
	}
	return nil
}

// ParentRef identifies the parent wait slot of a spawned child.
type ParentRef struct {
	ThreadID string `json:"threadId"`
	Token    string `json:"token"`
}

// AgentRow is the persisted identity and mutable state of one agent instance.
type AgentRow struct {
	ID        string     `json:"id"`
	AgencyID  string     `json:"agencyId"`
	AgentType string     `json:"agentType"`
	Parent    *ParentRef `json:"parent,omitempty"`
	Blueprint Blueprint  `json:"blueprint"` // frozen at registration
	CreatedAt int64      `json:"createdAt"`

	Run     RunState            `json:"run"`
	Pending []providers.ToolCall `json:"pendingToolCalls,omitempty"`
	Vars    map[string]any      `json:"vars,omitempty"`
}

// RunState is the agent's execution state machine snapshot.
type RunState struct {
	Status      string `json:"status"`
	Step        int64  `json:"step"`
	Reason      string `json:"reason,omitempty"`
	NextAlarmAt int64  `json:"nextAlarmAt,omitempty"` // epoch ms, 0 = none
}

// Terminal reports whether no further ticks will run.
func (r RunState) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Message is one row of the append-only conversation log.
type Message struct {
	Seq        int64                `json:"seq"`
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	ToolCalls  []providers.ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string               `json:"toolCallId,omitempty"`
	CreatedAt  int64                `json:"createdAt,omitempty"`
}

// Event is one row of the append-only trace log.
type Event struct {
	Seq      int64          `json:"seq"`
	ThreadID string         `json:"threadId"`
	Type     string         `json:"type"`
	TS       int64          `json:"ts"`
	Data     map[string]any `json:"data,omitempty"`
}

// SubagentLink statuses.
const (
	LinkWaiting   = "waiting"
	LinkCompleted = "completed"
	LinkCanceled  = "canceled"
)

// SubagentLink is the parent's durable view of one child.
type SubagentLink struct {
	ChildThreadID string `json:"childThreadId"`
	Token         string `json:"token"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	CompletedAt   int64  `json:"completedAt,omitempty"`
	Report        string `json:"report,omitempty"`
	ToolCallID    string `json:"toolCallId,omitempty"`
}

// Wait is one outstanding slot in the parent's waiting-subagent index.
type Wait struct {
	Token      string `json:"token"`
	ChildID    string `json:"childId"`
	ToolCallID string `json:"toolCallId"`
	CreatedAt  int64  `json:"createdAt"`
}

// Schedule is one time-triggered agent spawner owned by an agency.
type Schedule struct {
	ID            string          `json:"id"`
	AgencyID      string          `json:"agencyId"`
	Name          string          `json:"name"`
	AgentType     string          `json:"agentType"`
	Input         json.RawMessage `json:"input,omitempty"`
	Type          string          `json:"type"`
	RunAt         int64           `json:"runAt,omitempty"` // epoch ms, once
	Cron          string          `json:"cron,omitempty"`
	IntervalMs    int64           `json:"intervalMs,omitempty"`
	Status        string          `json:"status"`
	OverlapPolicy string          `json:"overlapPolicy"`
	MaxRetries    int             `json:"maxRetries,omitempty"`
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`
	Timezone      string          `json:"timezone,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
	LastRunAt     int64           `json:"lastRunAt,omitempty"`
	NextRunAt     int64           `json:"nextRunAt,omitempty"`
}

// Validate checks the per-type timing field invariants.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule requires a name")
	}
	if s.AgentType == "" {
		return fmt.Errorf("schedule requires an agentType")
	}
	switch s.Type {
	case ScheduleOnce:
		if s.RunAt == 0 {
			return fmt.Errorf("once schedule requires runAt")
		}
	case ScheduleCron:
		if s.Cron == "" {
			return fmt.Errorf("cron schedule requires a cron expression")
		}
	case ScheduleInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval schedule requires intervalMs > 0")
		}
	default:
		return fmt.Errorf("schedule type %q is not once|cron|interval", s.Type)
	}
	switch s.OverlapPolicy {
	case "", OverlapSkip, OverlapQueue, OverlapAllow:
	default:
		return fmt.Errorf("overlap policy %q is not skip|queue|allow", s.OverlapPolicy)
	}
	return nil
}

// ScheduleRun is one execution attempt of a schedule.
type ScheduleRun struct {
	ID          string `json:"id"`
	ScheduleID  string `json:"scheduleId"`
	AgentID     string `json:"agentId,omitempty"`
	Status      string `json:"status"`
	ScheduledAt int64  `json:"scheduledAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Error       string `json:"error,omitempty"`
	Result      string `json:"result,omitempty"`
	RetryCount  int    `json:"retryCount"`
}

// Agency is the namespace row.
type Agency struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}
