package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A handler error that the
// model should see (bad arguments, empty search results) goes in Error;
// the step keeps running and the model decides what to do with it.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolFunc is a single-function tool built from a definition and handler.
type ToolFunc struct {
	Def     ToolDefinition
	Handler func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// NewTool wraps a definition and handler into a Tool.
func NewTool(def ToolDefinition, handler func(ctx context.Context, args json.RawMessage) (ToolResult, error)) *ToolFunc {
	return &ToolFunc{Def: def, Handler: handler}
}

// Definitions implements Tool.
func (t *ToolFunc) Definitions() []ToolDefinition { return []ToolDefinition{t.Def} }

// Execute implements Tool.
func (t *ToolFunc) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if name != t.Def.Name {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return t.Handler(ctx, args)
}

// ToolRegistry holds registered tools and dispatches execution by function
// name. Registration and removal are safe at any point in a task's life;
// agents snapshot definitions when a step starts.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool // by function name
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds every function of t. A name collision with an already
// registered function is an error and registers nothing.
func (r *ToolRegistry) Register(t Tool) error {
	defs := t.Definitions()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("tool registry: empty tool name")
		}
		if _, dup := r.tools[d.Name]; dup {
			return fmt.Errorf("tool registry: %q already registered", d.Name)
		}
	}
	for _, d := range defs {
		r.tools[d.Name] = t
	}
	return nil
}

// Unregister removes a function by name, reporting whether it existed.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Definitions returns all registered definitions, sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for name, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				defs = append(defs, d)
			}
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DefinitionsFor returns the definitions a role may use. A nil allow list
// means all tools.
func (r *ToolRegistry) DefinitionsFor(allowed []string) []ToolDefinition {
	defs := r.Definitions()
	if allowed == nil {
		return defs
	}
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}
	out := defs[:0]
	for _, d := range defs {
		if allow[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Execute dispatches a tool call by name. An unknown name is reported in
// the result, not as an error, so the model can correct itself.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return t.Execute(ctx, name, args)
}

// toolBudget is the task-wide cap on tool invocations, shared by every
// agent working the task.
type toolBudget struct {
	remaining atomic.Int64
	unlimited bool
}

func newToolBudget(max int) *toolBudget {
	b := &toolBudget{}
	if max <= 0 {
		b.unlimited = true
		return b
	}
	b.remaining.Store(int64(max))
	return b
}

// take consumes one call from the budget, reporting false when exhausted.
func (b *toolBudget) take() bool {
	if b.unlimited {
		return true
	}
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// left returns the remaining budget, or -1 when unlimited.
func (b *toolBudget) left() int64 {
	if b.unlimited {
		return -1
	}
	return b.remaining.Load()
}
