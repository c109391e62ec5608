// Package agency hosts the hub: the per-process catalogue of agencies,
// each owning blueprints, vars, schedules, and spawned agents. The hub
// wires the runtime, the schedulers, and the shared registries together.
package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/openagency/agencyd/internal/bus"
	"github.com/openagency/agencyd/internal/plugin"
	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/runtime"
	"github.com/openagency/agencyd/internal/scheduler"
	"github.com/openagency/agencyd/internal/store"
)

// Hub is the top-level owner: one per process.
type Hub struct {
	db      *store.DB
	catalog *store.AgencyStore
	rt      *runtime.Runtime
	bus     bus.EventPublisher
	log     *slog.Logger

	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
}

// Options configures a hub. Registries arrive populated; the hub adds the
// builtin task tool itself.
type Options struct {
	DB           *store.DB
	Provider     providers.Provider
	Plugins      *plugin.Registry
	Tools        *registry.ToolRegistry
	Bus          bus.EventPublisher
	Tracer       trace.Tracer
	Log          *slog.Logger
	Env          map[string]string
	DefaultModel string
}

func NewHub(opts Options) *Hub {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Plugins == nil {
		opts.Plugins = plugin.NewRegistry()
	}
	if opts.Tools == nil {
		opts.Tools = registry.NewToolRegistry()
	}
	// Builtin plugins ship with every hub; callers may pre-register their
	// own "hitl" to override.
	if _, ok := opts.Plugins.Get("hitl"); !ok {
		opts.Plugins.RegisterPlugin(plugin.NewHITL())
	}

	catalog := store.NewAgencyStore(opts.DB)
	rt := runtime.New(runtime.Deps{
		DB:           opts.DB,
		Catalog:      catalog,
		Provider:     opts.Provider,
		Plugins:      opts.Plugins,
		Tools:        opts.Tools,
		Bus:          opts.Bus,
		Tracer:       opts.Tracer,
		Log:          opts.Log,
		Env:          opts.Env,
		DefaultModel: opts.DefaultModel,
	})
	opts.Tools.RegisterTool(runtime.NewTaskTool(rt))

	h := &Hub{
		db:         opts.DB,
		catalog:    catalog,
		rt:         rt,
		bus:        opts.Bus,
		log:        opts.Log,
		schedulers: make(map[string]*scheduler.Scheduler),
	}
	rt.OnTerminal(h.agentTerminal)
	return h
}

// Catalog exposes the shared store to the HTTP layer.
func (h *Hub) Catalog() *store.AgencyStore { return h.catalog }

// Runtime exposes the agent runtime to the HTTP layer.
func (h *Hub) Runtime() *runtime.Runtime { return h.rt }

// Bus exposes the event publisher.
func (h *Hub) Bus() bus.EventPublisher { return h.bus }

// SetEnv propagates a reloaded env map to the runtime.
func (h *Hub) SetEnv(env map[string]string) { h.rt.SetEnv(env) }

func (h *Hub) agentTerminal(agencyID, agentID, status, result string) {
	h.mu.Lock()
	sched, ok := h.schedulers[agencyID]
	h.mu.Unlock()
	if ok {
		sched.AgentTerminal(agentID, status, result)
	}
}

// CreateAgency makes the namespace and starts its (empty) scheduler.
func (h *Hub) CreateAgency(ctx context.Context, name string) (*store.Agency, error) {
	a, err := h.catalog.CreateAgency(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := h.startScheduler(ctx, name); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAgency stops the scheduler, drops live handles, and cascades the
// delete through every row the agency owns.
func (h *Hub) DeleteAgency(ctx context.Context, name string) error {
	h.mu.Lock()
	if sched, ok := h.schedulers[name]; ok {
		sched.Stop()
		delete(h.schedulers, name)
	}
	h.mu.Unlock()

	agents, err := h.catalog.ListAgents(ctx, name)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if handle, ok := h.rt.Get(a.ID); ok {
			if err := handle.Cancel(ctx); err != nil {
				h.log.Warn("cancel agent on agency delete", "agent", a.ID, "error", err)
			}
		}
	}
	return h.catalog.DeleteAgency(ctx, name)
}

// Scheduler returns the agency's scheduler, starting it on first use.
func (h *Hub) Scheduler(ctx context.Context, agency string) (*scheduler.Scheduler, error) {
	if _, err := h.catalog.GetAgency(ctx, agency); err != nil {
		return nil, err
	}
	return h.startScheduler(ctx, agency)
}

func (h *Hub) startScheduler(ctx context.Context, agency string) (*scheduler.Scheduler, error) {
	h.mu.Lock()
	if sched, ok := h.schedulers[agency]; ok {
		h.mu.Unlock()
		return sched, nil
	}
	spawn := func(ctx context.Context, agentType string, input json.RawMessage) (string, error) {
		return h.SpawnAgent(ctx, agency, agentType, input)
	}
	sched := scheduler.New(agency, h.catalog, spawn, h.bus, h.log)
	h.schedulers[agency] = sched
	h.mu.Unlock()

	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}

// SpawnAgent registers a fresh agent of the given type and, when input is
// present, invokes it. Input is either an InvokeBody-shaped object
// ({messages, vars}) or any other JSON value, delivered as the first user
// message verbatim.
func (h *Hub) SpawnAgent(ctx context.Context, agency, agentType string, input json.RawMessage) (string, error) {
	handle, err := h.rt.Register(ctx, runtime.RegisterOptions{
		AgencyID:  agency,
		AgentType: agentType,
	})
	if err != nil {
		return "", err
	}

	messages, vars := decodeSpawnInput(input)
	if len(messages) > 0 || len(vars) > 0 {
		if _, err := handle.Invoke(ctx, messages, vars); err != nil {
			return "", fmt.Errorf("invoke spawned agent: %w", err)
		}
	}
	return handle.ID(), nil
}

func decodeSpawnInput(input json.RawMessage) ([]providers.Message, map[string]any) {
	if len(input) == 0 {
		return nil, nil
	}
	var body struct {
		Messages []providers.Message `json:"messages"`
		Vars     map[string]any      `json:"vars"`
	}
	if err := json.Unmarshal(input, &body); err == nil && (len(body.Messages) > 0 || len(body.Vars) > 0) {
		return body.Messages, body.Vars
	}
	return []providers.Message{{Role: "user", Content: string(input)}}, nil
}

// Restore rebuilds runtime handles for every persisted agent and starts
// each agency's scheduler. Called once at process start; running agents
// resume ticking, terminal ones stay cold history.
func (h *Hub) Restore(ctx context.Context) error {
	agencies, err := h.catalog.ListAgencies(ctx)
	if err != nil {
		return err
	}
	for _, a := range agencies {
		agents, err := h.catalog.ListAgents(ctx, a.Name)
		if err != nil {
			return err
		}
		for i := range agents {
			row := &agents[i]
			if row.Run.Terminal() {
				continue
			}
			h.rt.Restore(row)
		}
		if _, err := h.startScheduler(ctx, a.Name); err != nil {
			return err
		}
		h.log.Info("agency restored", "agency", a.Name, "agents", len(agents))
	}
	return nil
}
