// Package tools loads tool plugins, exposes their schemas to the model
// and routes execute calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flashclaw/flashclaw/internal/llm"
)

// MaxToolNameLength bounds tool names.
const MaxToolNameLength = 256

// Tool describes one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Context is the narrow surface a tool sees during one invocation.
// SendMessage and SendImage emit IPC envelopes and never block on the
// network.
type Context struct {
	ChatID  string
	GroupID string
	UserID  string

	SendMessage func(text string) error
	SendImage   func(data, caption string) error
}

// SinglePlugin provides exactly one tool.
type SinglePlugin interface {
	Schema() Tool
	Execute(ctx context.Context, input json.RawMessage, tctx *Context) (string, error)
}

// MultiPlugin provides several tools behind one execute entry point,
// which receives the tool name as its first argument.
type MultiPlugin interface {
	PluginName() string
	Tools() []Tool
	Execute(ctx context.Context, toolName string, input json.RawMessage, tctx *Context) (string, error)
}

// entry is one registered tool with its dispatch shape.
type entry struct {
	tool   Tool
	single SinglePlugin
	multi  MultiPlugin
}

// Registry indexes tools by name. Built-ins register first; a user
// plugin with the same tool name deterministically overrides it.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "tools"),
		entries: make(map[string]*entry),
	}
}

// RegisterSingle adds a single-tool plugin.
func (r *Registry) RegisterSingle(p SinglePlugin) error {
	tool := p.Schema()
	return r.add(tool, &entry{tool: tool, single: p})
}

// RegisterMulti adds every tool of a multi-tool plugin.
func (r *Registry) RegisterMulti(p MultiPlugin) error {
	for _, tool := range p.Tools() {
		if err := r.add(tool, &entry{tool: tool, multi: p}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) add(tool Tool, e *entry) error {
	if tool.Name == "" || len(tool.Name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tool.Name]; exists {
		// Later registrations win: user plugins override built-ins.
		r.logger.Info("tool overridden", "tool", tool.Name)
	} else {
		r.order = append(r.order, tool.Name)
	}
	r.entries[tool.Name] = e
	return nil
}

// Snapshot copies the current tool set for one invocation, so a plugin
// reload mid-turn cannot change the tools the model was offered.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Snapshot{
		entries: make(map[string]*entry, len(r.entries)),
		order:   make([]string, len(r.order)),
		logger:  r.logger,
	}
	for name, e := range r.entries {
		s.entries[name] = e
	}
	copy(s.order, r.order)
	return s
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	entries map[string]*entry
	order   []string
	logger  *slog.Logger
}

// Specs returns the tool specs in registration order, for the model call.
func (s *Snapshot) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		specs = append(specs, llm.ToolSpec{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: e.tool.InputSchema,
		})
	}
	return specs
}

// List returns the tools in registration order.
func (s *Snapshot) List() []Tool {
	out := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].tool)
	}
	return out
}

// Dispatch routes one execute call. An unknown tool is an error the
// caller feeds back to the model as an is_error tool result.
func (s *Snapshot) Dispatch(ctx context.Context, name string, input json.RawMessage, tctx *Context) (string, error) {
	e, ok := s.entries[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if e.multi != nil {
		return e.multi.Execute(ctx, name, input, tctx)
	}
	return e.single.Execute(ctx, input, tctx)
}
