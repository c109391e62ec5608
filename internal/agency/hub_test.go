package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/registry"
	"github.com/openagency/agencyd/internal/store"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []providers.ModelResponse
	calls     int
}

func (p *scriptedProvider) Invoke(ctx context.Context, req providers.ModelRequest) (*providers.ModelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("provider exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return &resp, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req providers.ModelRequest, onDelta func(providers.Delta)) (*providers.ModelResponse, error) {
	return p.Invoke(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func newHub(t *testing.T, prov providers.Provider) *Hub {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHub(Options{DB: db, Provider: prov})
}

func waitAgentStatus(t *testing.T, h *Hub, agentID, want string) {
	t.Helper()
	handle, ok := h.Runtime().Get(agentID)
	if !ok {
		t.Fatalf("no handle for %s", agentID)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := handle.State(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if snap.Run.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := handle.State(context.Background())
	t.Fatalf("agent %s never reached %q: %+v", agentID, want, snap.Run)
}

func TestCreateAgencyConflict(t *testing.T) {
	h := newHub(t, &scriptedProvider{})
	ctx := context.Background()

	if _, err := h.CreateAgency(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.CreateAgency(ctx, "acme"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate agency: %v", err)
	}
}

func TestSpawnAgentWithMessages(t *testing.T) {
	prov := &scriptedProvider{responses: []providers.ModelResponse{
		{Message: providers.Message{Role: "assistant", Content: "hello"}},
	}}
	h := newHub(t, prov)
	ctx := context.Background()

	if _, err := h.CreateAgency(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	bp := store.Blueprint{Name: "echo", Prompt: "reply hello"}
	if err := h.Catalog().PutBlueprint(ctx, "acme", &bp); err != nil {
		t.Fatal(err)
	}

	input, _ := json.Marshal(map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}})
	id, err := h.SpawnAgent(ctx, "acme", "echo", input)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitAgentStatus(t, h, id, store.StatusCompleted)
}

func TestSpawnInputDecode(t *testing.T) {
	t.Run("invoke body", func(t *testing.T) {
		msgs, vars := decodeSpawnInput(json.RawMessage(`{"messages":[{"role":"user","content":"go"}],"vars":{"k":"v"}}`))
		if len(msgs) != 1 || msgs[0].Content != "go" {
			t.Errorf("msgs = %+v", msgs)
		}
		if vars["k"] != "v" {
			t.Errorf("vars = %v", vars)
		}
	})
	t.Run("raw value becomes user message", func(t *testing.T) {
		msgs, _ := decodeSpawnInput(json.RawMessage(`{"ticket":"T-42"}`))
		if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != `{"ticket":"T-42"}` {
			t.Errorf("msgs = %+v", msgs)
		}
	})
	t.Run("empty", func(t *testing.T) {
		msgs, vars := decodeSpawnInput(nil)
		if msgs != nil || vars != nil {
			t.Errorf("empty input decoded to %v %v", msgs, vars)
		}
	})
}

func TestRestoreResumesRunningAgent(t *testing.T) {
	prov := &scriptedProvider{responses: []providers.ModelResponse{
		{Message: providers.Message{Role: "assistant", Content: "picked up where I left off"}},
	}}
	h := newHub(t, prov)
	ctx := context.Background()

	if _, err := h.CreateAgency(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	bp := store.Blueprint{Name: "echo", Prompt: "reply"}
	if err := h.Catalog().PutBlueprint(ctx, "acme", &bp); err != nil {
		t.Fatal(err)
	}

	// Simulate a row left mid-run by a previous process.
	row := &store.AgentRow{
		ID:        "agent-restart",
		AgencyID:  "acme",
		AgentType: "echo",
		Blueprint: bp,
		CreatedAt: time.Now().UnixMilli(),
		Run:       store.RunState{Status: store.StatusRunning, Step: 2},
	}
	if err := h.Catalog().InsertAgent(ctx, row); err != nil {
		t.Fatal(err)
	}
	if err := store.NewAgentLog(h.db, row.ID).AppendMessages(ctx, store.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	if err := h.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	waitAgentStatus(t, h, "agent-restart", store.StatusCompleted)
}

func TestHubPausesRiskyToolWithoutExplicitPlugins(t *testing.T) {
	prov := &scriptedProvider{responses: []providers.ModelResponse{
		{Message: providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "rm", Args: map[string]any{"path": "/tmp/x"}},
		}}},
		{Message: providers.Message{Role: "assistant", Content: "done"}},
	}}

	var rmCalls int64
	tools := registry.NewToolRegistry()
	tools.RegisterTool(&registry.FuncTool{
		ToolName: "rm",
		Desc:     "remove a path",
		Fn: func(ctx context.Context, args map[string]any, tc registry.ToolContext) (any, error) {
			atomic.AddInt64(&rmCalls, 1)
			return "removed", nil
		},
	})

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	h := NewHub(Options{DB: db, Provider: prov, Tools: tools})
	ctx := context.Background()

	if _, err := h.CreateAgency(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	bp := store.Blueprint{
		Name:         "janitor",
		Prompt:       "clean up",
		Capabilities: []string{"rm", "hitl"},
		Config:       json.RawMessage(`{"hitl":{"tools":["rm"]}}`),
	}
	if err := h.Catalog().PutBlueprint(ctx, "acme", &bp); err != nil {
		t.Fatal(err)
	}

	id, err := h.SpawnAgent(ctx, "acme", "janitor", json.RawMessage(`"go"`))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitAgentStatus(t, h, id, store.StatusPaused)
	handle, _ := h.Runtime().Get(id)
	snap, err := handle.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Run.Reason != store.ReasonHITL {
		t.Errorf("pause reason = %q, want %q", snap.Run.Reason, store.ReasonHITL)
	}
	if n := atomic.LoadInt64(&rmCalls); n != 0 {
		t.Fatalf("rm executed %d times before approval", n)
	}

	if _, err := handle.Action(ctx, map[string]any{"type": "approve"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitAgentStatus(t, h, id, store.StatusCompleted)
	if n := atomic.LoadInt64(&rmCalls); n != 1 {
		t.Errorf("rm executed %d times after approval, want 1", n)
	}
}

func TestDeleteAgencyCancelsAgents(t *testing.T) {
	prov := &scriptedProvider{} // any model call fails; agent will error or idle
	h := newHub(t, prov)
	ctx := context.Background()

	if _, err := h.CreateAgency(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	bp := store.Blueprint{Name: "echo", Prompt: "reply"}
	if err := h.Catalog().PutBlueprint(ctx, "acme", &bp); err != nil {
		t.Fatal(err)
	}
	id, err := h.SpawnAgent(ctx, "acme", "echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.Runtime().Get(id); !ok {
		t.Fatal("spawned agent has no handle")
	}

	if err := h.DeleteAgency(ctx, "acme"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.Catalog().GetAgency(ctx, "acme"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("agency survived delete: %v", err)
	}
	if _, err := h.Catalog().GetAgent(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("agent row survived delete: %v", err)
	}
}
