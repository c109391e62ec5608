package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openagency/agencyd/internal/agency"
	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/store"
	"github.com/openagency/agencyd/pkg/protocol"
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

func newTestServer(t *testing.T, prov providers.Provider, secret string) (*httptest.Server, *agency.Hub) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	hub := agency.NewHub(agency.Options{DB: db, Provider: prov})
	s := NewServer(Options{Hub: hub, Secret: secret})
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts, hub
}

func doJSON(t *testing.T, method, url, secret string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if secret != "" {
		req.Header.Set("X-SECRET", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestAuthAndPreflight(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedProvider{}, "s3cret")

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/agencies", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/agencies", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/agencies", "s3cret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid secret: status = %d, want 200", resp.StatusCode)
	}

	// Preflight succeeds without the secret.
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/agencies", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight: status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("preflight: Allow-Origin = %q, want *", got)
	}

	// Health never needs auth.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}
}

func TestAgencyEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedProvider{}, "")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "acme"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "not a name!"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad name: status = %d, want 400", resp.StatusCode)
	}

	_, body := doJSON(t, http.MethodGet, ts.URL+"/agencies", "", nil)
	var list struct {
		Agencies []store.Agency `json:"agencies"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Agencies) != 1 || list.Agencies[0].Name != "acme" {
		t.Errorf("list = %+v", list.Agencies)
	}
}

func TestBlueprintAndVarEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedProvider{}, "")
	doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "acme"})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/blueprints", "", store.Blueprint{Name: "triage", Prompt: "triage tickets"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put blueprint: status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/blueprints", "", store.Blueprint{Name: "bad", Prompt: "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty prompt: status = %d, want 400", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/agencies/acme/internal/blueprint/triage", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get blueprint: status = %d", resp.StatusCode)
	}
	var bp store.Blueprint
	if err := json.Unmarshal(body, &bp); err != nil {
		t.Fatal(err)
	}
	if bp.Prompt != "triage tickets" {
		t.Errorf("blueprint = %+v", bp)
	}

	// Vars: bulk put, single get, delete, 404 after delete.
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/agencies/acme/vars", "", map[string]any{"region": "eu", "limit": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put vars: status = %d", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, ts.URL+"/agencies/acme/vars/region", "", nil)
	var v struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v.Value != "eu" {
		t.Errorf("var region = %v", v.Value)
	}
	doJSON(t, http.MethodDelete, ts.URL+"/agencies/acme/vars/region", "", nil)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/agencies/acme/vars/region", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted var: status = %d, want 404", resp.StatusCode)
	}
}

func waitRunStatus(t *testing.T, base, agentID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last []byte
	for time.Now().Before(deadline) {
		_, body := doJSON(t, http.MethodGet, base+"/agents/"+agentID+"/state", "", nil)
		last = body
		var st struct {
			Run store.RunState `json:"run"`
		}
		if err := json.Unmarshal(body, &st); err == nil && st.Run.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent %s never reached %q: %s", agentID, want, last)
}

func TestAgentRunOverHTTP(t *testing.T) {
	prov := &scriptedProvider{responses: []providers.ModelResponse{
		{Message: providers.Message{Role: "assistant", Content: "done"}},
	}}
	ts, _ := newTestServer(t, prov, "")
	doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "acme"})
	doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/blueprints", "", store.Blueprint{Name: "echo", Prompt: "reply"})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/agents", "", map[string]any{"agentType": "echo"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn: status = %d: %s", resp.StatusCode, body)
	}
	var spawned struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &spawned); err != nil {
		t.Fatal(err)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/agents/"+spawned.ID+"/invoke", "",
		map[string]any{
			"messages": []map[string]any{{"role": "user", "content": "hi"}},
			"files":    []map[string]any{{"name": "notes.txt", "content": "remember the milk"}},
		})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("invoke: status = %d: %s", resp.StatusCode, body)
	}
	waitRunStatus(t, ts.URL, spawned.ID, store.StatusCompleted)

	_, body = doJSON(t, http.MethodGet, ts.URL+"/agents/"+spawned.ID+"/messages", "", nil)
	var msgs struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatal(err)
	}
	var sawFile bool
	for _, m := range msgs.Messages {
		if m.Role == "user" && strings.Contains(m.Content, "remember the milk") {
			sawFile = true
		}
	}
	if !sawFile {
		t.Error("file content never landed in the conversation")
	}

	_, body = doJSON(t, http.MethodGet, ts.URL+"/agents/"+spawned.ID+"/events", "", nil)
	var ev struct {
		Events []store.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatal(err)
	}
	if len(ev.Events) == 0 {
		t.Error("no events recorded")
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/agents/"+spawned.ID+"/child_result", "",
		map[string]string{"token": "nope", "childThreadId": "ghost"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown token: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/agents/does-not-exist/state", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing agent: status = %d, want 404", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedProvider{}, "")
	doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "acme"})
	doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/blueprints", "", store.Blueprint{Name: "report", Prompt: "write the report"})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/schedules", "",
		store.Schedule{Name: "bad", AgentType: "report", Type: "cron", Cron: "not a cron"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cron: status = %d, want 400", resp.StatusCode)
	}

	sc := store.Schedule{
		Name:      "nightly",
		AgentType: "report",
		Type:      store.ScheduleOnce,
		RunAt:     time.Now().Add(time.Hour).UnixMilli(),
	}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/schedules", "", sc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule: status = %d: %s", resp.StatusCode, body)
	}
	var created store.Schedule
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != store.ScheduleActive {
		t.Errorf("created = %+v", created)
	}

	base := ts.URL + "/agencies/acme/schedules/" + created.ID
	if resp, _ := doJSON(t, http.MethodPost, base+"/pause", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("pause: status = %d", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, base, "", nil)
	var got store.Schedule
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SchedulePausedSt {
		t.Errorf("after pause: status = %q", got.Status)
	}
	if resp, _ := doJSON(t, http.MethodPost, base+"/resume", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("resume: status = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, http.MethodGet, base+"/runs", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("runs: status = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, http.MethodDelete, base, "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, http.MethodGet, base, "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	prov := &scriptedProvider{responses: []providers.ModelResponse{
		{Message: providers.Message{Role: "assistant", Content: "done"}},
	}}
	ts, _ := newTestServer(t, prov, "")
	doJSON(t, http.MethodPost, ts.URL+"/agencies", "", map[string]string{"name": "acme"})
	doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/blueprints", "", store.Blueprint{Name: "echo", Prompt: "reply"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	input, _ := json.Marshal(map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}})
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/agencies/acme/agents", "",
		map[string]any{"agentType": "echo", "input": json.RawMessage(input)})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn: status = %d: %s", resp.StatusCode, body)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	seen := map[string]bool{}
	for !seen[protocol.EventAgentCompleted] {
		var frame protocol.EventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame (saw %v): %v", seen, err)
		}
		seen[frame.Type] = true
	}
	if !seen[protocol.EventRunStarted] {
		t.Errorf("run.started never streamed, saw %v", seen)
	}
}
