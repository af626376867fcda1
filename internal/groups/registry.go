// Package groups keeps the registered chat registry and each chat's
// filesystem home under groups/<folder>/.
package groups

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// ErrNotRegistered is returned for unknown chat ids.
var ErrNotRegistered = errors.New("chat not registered")

// defaultClaudeTemplate seeds a new group's CLAUDE.md.
const defaultClaudeTemplate = `# 群组指南

这里描述这个群组的对话风格和注意事项。助手会在每次回复前读取本文件。
`

// Registry is the registered-groups store, persisted to
// data/registered_groups.json on every change.
type Registry struct {
	path      string
	paths     config.Paths
	mainGroup string
	logger    *slog.Logger

	mu       sync.RWMutex
	byChatID map[string]*models.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Load reads the registry file (missing file yields an empty registry).
func Load(paths config.Paths, mainGroup string, opts ...Option) (*Registry, error) {
	if mainGroup == "" {
		mainGroup = "main"
	}
	r := &Registry{
		path:      paths.RegisteredGroupsFile(),
		paths:     paths,
		mainGroup: mainGroup,
		logger:    slog.Default(),
		byChatID:  make(map[string]*models.Group),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "groups")

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registered groups: %w", err)
	}
	var list []*models.Group
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse registered groups: %w", err)
	}
	for _, g := range list {
		r.byChatID[g.ChatID] = g
	}
	return r, nil
}

// Register adds a chat and creates its filesystem home. Registering an
// already-known chat id updates it in place.
func (r *Registry) Register(g *models.Group) error {
	if g.ChatID == "" {
		return fmt.Errorf("chat id required")
	}
	if !config.ValidFolderName(g.Folder) {
		return fmt.Errorf("invalid group folder %q", g.Folder)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	if err := r.ensureGroupDir(g.Folder); err != nil {
		return err
	}
	if err := r.paths.EnsureIPCGroup(g.Folder); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *g
	r.byChatID[g.ChatID] = &clone
	if err := r.saveLocked(); err != nil {
		return err
	}
	r.logger.Info("group registered", "chat_id", g.ChatID, "folder", g.Folder)
	return nil
}

// AutoRegister creates a registration for a chat seen for the first
// time, cloning the main group's trigger and agent config. The folder
// is {private|group}-<last8(chatID)>.
func (r *Registry) AutoRegister(chatID string, chatType models.ChatType, platform models.Platform, name string) (*models.Group, error) {
	if g, err := r.Get(chatID); err == nil {
		return g, nil
	}
	main, ok := r.Main()
	if !ok {
		return nil, fmt.Errorf("cannot auto-register %s: no main group", chatID)
	}

	g := &models.Group{
		ChatID:      chatID,
		Name:        name,
		Folder:      autoFolder(chatID, chatType),
		Platform:    platform,
		ChatType:    chatType,
		Trigger:     main.Trigger,
		AgentConfig: cloneAgentConfig(main.AgentConfig),
	}
	if err := r.Register(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns the registration for a chat id.
func (r *Registry) Get(chatID string) (*models.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byChatID[chatID]
	if !ok {
		return nil, ErrNotRegistered
	}
	clone := *g
	return &clone, nil
}

// GetByFolder returns the registration owning a folder.
func (r *Registry) GetByFolder(folder string) (*models.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byChatID {
		if g.Folder == folder {
			clone := *g
			return &clone, nil
		}
	}
	return nil, ErrNotRegistered
}

// All lists registrations sorted by folder.
func (r *Registry) All() []*models.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Group, 0, len(r.byChatID))
	for _, g := range r.byChatID {
		clone := *g
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// Main returns the main group registration, if present.
func (r *Registry) Main() (*models.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byChatID {
		if g.Folder == r.mainGroup {
			clone := *g
			return &clone, true
		}
	}
	return nil, false
}

// MainExists reports whether the main group is registered.
func (r *Registry) MainExists() bool {
	_, ok := r.Main()
	return ok
}

// IsMain reports whether a folder is the main group folder.
func (r *Registry) IsMain(folder string) bool {
	return folder == r.mainGroup
}

// ensureGroupDir creates groups/<folder>/{CLAUDE.md, SOUL.md, logs/}.
// Existing files are left alone.
func (r *Registry) ensureGroupDir(folder string) error {
	dir := r.paths.GroupDir(folder)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return fmt.Errorf("mkdir group dir: %w", err)
	}
	claude := filepath.Join(dir, "CLAUDE.md")
	if _, err := os.Stat(claude); os.IsNotExist(err) {
		seed := defaultClaudeTemplate
		if folder != r.mainGroup {
			if tmpl, err := os.ReadFile(filepath.Join(r.paths.GroupDir(r.mainGroup), "CLAUDE.md")); err == nil {
				seed = string(tmpl)
			}
		}
		if err := os.WriteFile(claude, []byte(seed), 0o644); err != nil {
			return fmt.Errorf("write CLAUDE.md: %w", err)
		}
	}
	soul := filepath.Join(dir, "SOUL.md")
	if _, err := os.Stat(soul); os.IsNotExist(err) {
		if err := os.WriteFile(soul, nil, 0o644); err != nil {
			return fmt.Errorf("write SOUL.md: %w", err)
		}
	}
	return nil
}

// saveLocked writes the registry atomically. Callers hold the lock.
func (r *Registry) saveLocked() error {
	list := make([]*models.Group, 0, len(r.byChatID))
	for _, g := range r.byChatID {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Folder < list[j].Folder })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registered groups: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registered groups: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename registered groups: %w", err)
	}
	return nil
}

// autoFolder derives a filesystem-safe folder from the chat id.
func autoFolder(chatID string, chatType models.ChatType) string {
	prefix := "group"
	if chatType == models.ChatTypeP2P {
		prefix = "private"
	}
	id := config.SafeID(chatID)
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return prefix + "-" + id
}

func cloneAgentConfig(c *models.AgentConfig) *models.AgentConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ReadGroupFile returns the contents of a file in a group's home,
// trimmed; missing files yield an empty string.
func ReadGroupFile(paths config.Paths, folder, name string) string {
	data, err := os.ReadFile(filepath.Join(paths.GroupDir(folder), name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
