// Package registry provides name+tag indexed catalogues for tools and
// plugins, and the capability-string resolution used by blueprints.
//
// A capability token is either a bare name (selects one entry) or "@tag"
// (selects every entry carrying that tag, in registration order).
package registry

import (
	"context"
	"strings"
	"sync"
)

// ToolContext carries the per-invocation environment handed to a tool.
type ToolContext struct {
	AgencyID string
	AgentID  string
	CallID   string
	Env      map[string]string
}

// Tool is one callable capability exposed to the model.
//
// Execute returns the result to append as a tool message: strings are
// appended verbatim, other values are JSON-encoded. A nil result with a nil
// error means the tool takes responsibility for appending its own tool
// message later (asynchronous tools, e.g. subagent spawn).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, args map[string]any, tc ToolContext) (any, error)
}

// Index is a name-keyed catalogue with tag buckets and deterministic
// capability resolution. It is safe for concurrent use; registration is
// expected to finish before resolution starts (the hub builds it once).
type Index[T any] struct {
	mu      sync.RWMutex
	byName  map[string]T
	tags    map[string][]string // tag -> names in registration order
	order   []string
	missing func(name string) // called for unresolvable bare names; nil = silent
}

func NewIndex[T any](onMissing func(name string)) *Index[T] {
	return &Index[T]{
		byName:  make(map[string]T),
		tags:    make(map[string][]string),
		missing: onMissing,
	}
}

// Register adds an entry under name with optional tags. Re-registering a
// name replaces the entry but keeps its original position and tag buckets.
func (ix *Index[T]) Register(name string, v T, tags ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.byName[name]; !exists {
		ix.order = append(ix.order, name)
		for _, tag := range tags {
			ix.tags[tag] = append(ix.tags[tag], name)
		}
	}
	ix.byName[name] = v
}

// Get returns the entry registered under name.
func (ix *Index[T]) Get(name string) (T, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	v, ok := ix.byName[name]
	return v, ok
}

// Names returns every registered name in registration order.
func (ix *Index[T]) Names() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, len(ix.order))
	copy(out, ix.order)
	return out
}

// SelectByCapabilities walks caps in order and returns the matching entries,
// deduplicated by first-seen name. "@tag" expands to the tag's bucket in
// registration order; a bare name resolves to the named entry or, when
// absent, invokes the miss callback.
func (ix *Index[T]) SelectByCapabilities(caps []string) []T {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []T
	seen := make(map[string]bool)

	add := func(name string) {
		if seen[name] {
			return
		}
		v, ok := ix.byName[name]
		if !ok {
			return
		}
		seen[name] = true
		out = append(out, v)
	}

	for _, cap := range caps {
		if tag, ok := strings.CutPrefix(cap, "@"); ok {
			for _, name := range ix.tags[tag] {
				add(name)
			}
			continue
		}
		if _, ok := ix.byName[cap]; !ok {
			if ix.missing != nil {
				ix.missing(cap)
			}
			continue
		}
		add(cap)
	}
	return out
}
