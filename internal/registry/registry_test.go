package registry

import (
	"context"
	"reflect"
	"testing"
)

func named(name string) *FuncTool {
	return &FuncTool{
		ToolName: name,
		Fn: func(ctx context.Context, args map[string]any, tc ToolContext) (any, error) {
			return name, nil
		},
	}
}

func names(tools []Tool) []string {
	if len(tools) == 0 {
		return nil
	}
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name()
	}
	return out
}

func TestSelectByCapabilities(t *testing.T) {
	r := NewToolRegistry()
	r.RegisterTool(named("add"), "math")
	r.RegisterTool(named("mul"), "math")
	r.RegisterTool(named("fetch"), "net")
	r.RegisterTool(named("rm"))

	tests := []struct {
		name string
		caps []string
		want []string
	}{
		{"bare name", []string{"add"}, []string{"add"}},
		{"tag expands in registration order", []string{"@math"}, []string{"add", "mul"}},
		{"order preserved across tokens", []string{"fetch", "@math"}, []string{"fetch", "add", "mul"}},
		{"first occurrence wins", []string{"mul", "@math"}, []string{"mul", "add"}},
		{"duplicate bare name ignored", []string{"add", "@net", "add"}, []string{"add", "fetch"}},
		{"missing name skipped", []string{"nope", "rm"}, []string{"rm"}},
		{"missing tag empty", []string{"@nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(r.SelectByCapabilities(tt.caps))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("resolve(%v) = %v, want %v", tt.caps, got, tt.want)
			}
		})
	}
}

func TestResolutionDedupEquivalence(t *testing.T) {
	r := NewToolRegistry()
	r.RegisterTool(named("a"))
	r.RegisterTool(named("b"), "tag")
	r.RegisterTool(named("c"), "tag")

	with := names(r.SelectByCapabilities([]string{"a", "@tag", "a"}))
	without := names(r.SelectByCapabilities([]string{"a", "@tag"}))
	if !reflect.DeepEqual(with, without) {
		t.Errorf("resolve([a,@tag,a]) = %v, resolve([a,@tag]) = %v; want equal", with, without)
	}
}

func TestReregisterKeepsPosition(t *testing.T) {
	ix := NewIndex[int](nil)
	ix.Register("first", 1)
	ix.Register("second", 2)
	ix.Register("first", 10)

	if got := ix.Names(); !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Errorf("Names() = %v", got)
	}
	if v, _ := ix.Get("first"); v != 10 {
		t.Errorf("Get(first) = %d, want 10", v)
	}
}

func TestMissingCallback(t *testing.T) {
	var missed []string
	ix := NewIndex[int](func(name string) { missed = append(missed, name) })
	ix.Register("known", 1)

	ix.SelectByCapabilities([]string{"known", "unknown", "@tag"})
	if !reflect.DeepEqual(missed, []string{"unknown"}) {
		t.Errorf("missed = %v, want [unknown] (tags never miss)", missed)
	}
}
