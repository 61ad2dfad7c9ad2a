package tools

import (
	"fmt"
	"sort"

	"github.com/conveyor-ai/conveyor/pkg/llm"
)

// Registry is an immutable, name-keyed tool collection. Build it once with
// NewRegistry and share it freely; lookups need no locking.
type Registry struct {
	byName map[string]Tool
	names  []string
}

// NewRegistry builds a registry from the given tools. Duplicate names are
// a construction error.
func NewRegistry(ts ...Tool) (*Registry, error) {
	byName := make(map[string]Tool, len(ts))
	for _, t := range ts {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool of type %T has an empty name", t)
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		byName[name] = t
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Registry{byName: byName, names: names}, nil
}

// MustRegistry is NewRegistry for statically-known tool sets.
func MustRegistry(ts ...Tool) *Registry {
	r, err := NewRegistry(ts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the named tool and whether it exists. Nil-safe.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.byName[name]
	return t, ok
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Definitions returns the tool definitions to bind to an LLM request, in
// sorted name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	if r == nil || len(r.names) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(r.names))
	for _, name := range r.names {
		t := r.byName[name]
		defs = append(defs, llm.ToolDefinition{
			Name:             t.Name(),
			Description:      t.Description(),
			UsageGuidelines:  t.UsageGuidelines(),
			ParametersSchema: t.ParametersSchema(),
		})
	}
	return defs
}
