package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/accordlabs/accord/pkg/provider/llm"
)

// Handler executes one tool call. The returned string goes back to the model
// as the tool result; a returned error is also sent back as text, so the
// model can recover instead of the turn aborting.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool pairs a definition offered to the model with its handler.
type Tool struct {
	Def llm.ToolDefinition
	Run Handler
}

// Registry holds the tools one agent may call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Def.Name] = t
}

// Definitions returns the tool definitions in stable name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the named tool and renders its outcome as the tool-result
// text. Unknown tools and handler errors become error text for the model;
// they never fail the turn.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) string {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}

	out, err := t.Run(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}
