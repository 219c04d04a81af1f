// Package tool defines the tools offered to the model during generation and
// the registry that resolves invocations by name.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomchat/loom/internal/domain"
)

// Tool is one capability the model can invoke by name.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's input.
	Schema() any
	// Invoke runs the tool. The returned value must be JSON-serializable.
	Invoke(ctx context.Context, input json.RawMessage) (any, error)
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice replaces the earlier
// tool but preserves its position.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// Definitions returns the model-facing definitions of the named tools, in
// registration order. Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []domain.ToolDefinition
	for _, name := range r.order {
		if !contains(names, name) {
			continue
		}
		t := r.tools[name]
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
