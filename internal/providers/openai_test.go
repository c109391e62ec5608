package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestStreamAccumulatesToolCalls(t *testing.T) {
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
	})
	p := NewOpenAIProvider("test", "", ts.URL, "m")

	resp, err := p.Stream(context.Background(), ModelRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v, want 1", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "lookup" || tc.Args["q"] != "x" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestStreamSparseToolCallIndices(t *testing.T) {
	// Some gateways renumber or skip delta indices; order by index, never
	// assume contiguity.
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":2,"id":"c2","function":{"name":"second","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c0","function":{"name":"first","arguments":"{}"}}]}}]}`,
	})
	p := NewOpenAIProvider("test", "", ts.URL, "m")

	resp, err := p.Stream(context.Background(), ModelRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v, want 2", resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].Name != "first" || resp.Message.ToolCalls[1].Name != "second" {
		t.Errorf("order = [%s, %s], want [first, second]",
			resp.Message.ToolCalls[0].Name, resp.Message.ToolCalls[1].Name)
	}
}

func TestStreamContentAndUsage(t *testing.T) {
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	})
	p := NewOpenAIProvider("test", "", ts.URL, "m")

	var deltas []string
	resp, err := p.Stream(context.Background(), ModelRequest{Model: "m"}, func(d Delta) {
		if d.Content != "" {
			deltas = append(deltas, d.Content)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Message.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v, want 2 chunks", deltas)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", resp.Usage)
	}
}
