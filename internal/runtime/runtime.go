// Package runtime executes agent instances: the bounded tick loop, the
// pause/resume state machine, and parent/child supervision. Each agent is
// owned by a Handle whose mutex serializes every operation against it;
// agents run in parallel across handles, never within one.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openagency/agencyd/internal/bus"
	"github.com/openagency/agencyd/internal/plugin"
	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/store"
)

// TerminalHook observes agents reaching a terminal status. result carries
// the final assistant content on completion, "" otherwise. Used by the
// scheduler to close its run rows.
type TerminalHook func(agencyID, agentID, status, result string)

// Deps carries the shared services every handle uses.
type Deps struct {
	DB       *store.DB
	Catalog  *store.AgencyStore
	Provider providers.Provider
	Plugins  *plugin.Registry
	Tools    *registry.ToolRegistry
	Bus      bus.EventPublisher
	Tracer   trace.Tracer
	Log      *slog.Logger

	// Env is plumbed into every plugin and tool context. No globals.
	Env map[string]string
	// DefaultModel is used when a blueprint names none.
	DefaultModel string
}

// Runtime is the handle table plus the subagent coordinator.
type Runtime struct {
	deps  Deps
	coord *SubagentCoordinator

	mu      sync.RWMutex
	handles map[string]*Handle

	hookMu        sync.Mutex
	terminalHooks []TerminalHook
}

func New(deps Deps) *Runtime {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("agencyd")
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	rt := &Runtime{deps: deps, handles: make(map[string]*Handle)}
	rt.coord = &SubagentCoordinator{rt: rt}
	return rt
}

// SetEnv swaps the env map handed to plugins and tools. Supports config
// hot-reload; in-flight tool calls keep the map they already read.
func (rt *Runtime) SetEnv(env map[string]string) {
	rt.mu.Lock()
	rt.deps.Env = env
	rt.mu.Unlock()
}

func (rt *Runtime) envMap() map[string]string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.deps.Env
}

// Coordinator exposes parent/child supervision (child_result endpoint).
func (rt *Runtime) Coordinator() *SubagentCoordinator { return rt.coord }

// OnTerminal registers a hook fired whenever any agent reaches a terminal
// status. Hooks run outside the agent's lock.
func (rt *Runtime) OnTerminal(h TerminalHook) {
	rt.hookMu.Lock()
	rt.terminalHooks = append(rt.terminalHooks, h)
	rt.hookMu.Unlock()
}

func (rt *Runtime) fireTerminal(agencyID, agentID, status, result string) {
	rt.hookMu.Lock()
	hooks := make([]TerminalHook, len(rt.terminalHooks))
	copy(hooks, rt.terminalHooks)
	rt.hookMu.Unlock()
	for _, h := range hooks {
		h(agencyID, agentID, status, result)
	}
}

// Get returns the live handle for id.
func (rt *Runtime) Get(id string) (*Handle, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	h, ok := rt.handles[id]
	return h, ok
}

// RegisterOptions shapes a new agent registration.
type RegisterOptions struct {
	ID        string // "" mints a fresh uuid
	AgencyID  string
	AgentType string
	Parent    *store.ParentRef
	Vars      map[string]any // extra vars merged over the agency snapshot
}

// Register creates an agent instance from its agency's blueprint, snapshots
// the blueprint and the agency vars onto the row, persists it, and returns
// the live handle. Registration under an already-known id returns the
// existing handle unchanged.
func (rt *Runtime) Register(ctx context.Context, opts RegisterOptions) (*Handle, error) {
	if opts.ID == "" {
		opts.ID = uuid.Must(uuid.NewV7()).String()
	}
	if h, ok := rt.Get(opts.ID); ok {
		return h, nil
	}

	bp, err := rt.deps.Catalog.GetBlueprint(ctx, opts.AgencyID, opts.AgentType)
	if err != nil {
		return nil, err
	}
	if bp.Status == store.BlueprintDisabled {
		return nil, fmt.Errorf("blueprint %q is disabled", opts.AgentType)
	}

	vars, err := rt.deps.Catalog.ListVars(ctx, opts.AgencyID)
	if err != nil {
		return nil, err
	}
	for k, v := range opts.Vars {
		vars[k] = v
	}

	row := &store.AgentRow{
		ID:        opts.ID,
		AgencyID:  opts.AgencyID,
		AgentType: opts.AgentType,
		Parent:    opts.Parent,
		Blueprint: *bp,
		CreatedAt: nowMs(),
		Run:       store.RunState{Status: store.StatusRegistered},
		Vars:      vars,
	}
	if err := rt.deps.Catalog.InsertAgent(ctx, row); err != nil {
		return nil, err
	}
	return rt.adopt(row), nil
}

// Restore rebuilds the live handle for a persisted row after a restart.
// Runs that were mid-flight resume ticking immediately.
func (rt *Runtime) Restore(row *store.AgentRow) *Handle {
	h := rt.adopt(row)
	if row.Run.Status == store.StatusRunning {
		h.scheduleTick(0)
	}
	return h
}

// adopt builds the handle, resolves its capability stacks, and indexes it.
func (rt *Runtime) adopt(row *store.AgentRow) *Handle {
	caps := row.Blueprint.Capabilities
	h := &Handle{
		rt:      rt,
		id:      row.ID,
		agency:  row.AgencyID,
		typ:     row.AgentType,
		bp:      row.Blueprint,
		parent:  row.Parent,
		vars:    row.Vars,
		run:     row.Run,
		pending: row.Pending,
		log:     store.NewAgentLog(rt.deps.DB, row.ID),
		host:    plugin.NewHost(rt.deps.Plugins.SelectByCapabilities(caps), rt.deps.Log),
		static:  rt.deps.Tools.SelectByCapabilities(caps),
	}
	if h.vars == nil {
		h.vars = make(map[string]any)
	}

	rt.mu.Lock()
	rt.handles[row.ID] = h
	rt.mu.Unlock()
	return h
}

// Remove drops the live handle and every persisted row of the agent.
func (rt *Runtime) Remove(ctx context.Context, id string) error {
	rt.mu.Lock()
	h, ok := rt.handles[id]
	delete(rt.handles, id)
	rt.mu.Unlock()
	if ok {
		h.stopAlarm()
	}
	return rt.deps.Catalog.DeleteAgent(ctx, id)
}
