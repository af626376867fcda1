package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry manages command registrations and execution.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
	order    []string
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "commands"),
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
	}
}

// Register adds a command. Names and aliases are matched
// case-insensitively.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	if cmd.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command handler is required")
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if owner, exists := r.aliases[name]; exists {
		return fmt.Errorf("command name %q conflicts with alias for %q", name, owner)
	}
	r.commands[name] = cmd
	r.order = append(r.order, name)

	for _, alias := range cmd.Aliases {
		a := strings.ToLower(strings.TrimSpace(alias))
		if a == "" || a == name {
			continue
		}
		if _, exists := r.commands[a]; exists {
			r.logger.Warn("alias conflicts with command", "alias", a, "command", name)
			continue
		}
		if _, exists := r.aliases[a]; exists {
			r.logger.Warn("alias already registered", "alias", a, "command", name)
			continue
		}
		r.aliases[a] = name
	}
	return nil
}

// Get resolves a name or alias to its command.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.commands[canonical], true
	}
	return nil, false
}

// List returns registered commands in registration order.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name])
	}
	return out
}

// Names returns all command names sorted, for help and diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute resolves and runs the invocation's command. Unknown commands
// return a usage hint rather than an error.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	cmd, ok := r.Get(inv.Name)
	if !ok {
		return &Result{Text: fmt.Sprintf("未知命令 /%s，发送 /help 查看可用命令", inv.Name)}, nil
	}
	res, err := cmd.Handler(ctx, inv)
	if err != nil {
		r.logger.Warn("command failed", "command", cmd.Name, "error", err)
		return &Result{Error: err.Error(), Text: fmt.Sprintf("命令执行失败: %s", err)}, nil
	}
	return res, nil
}
