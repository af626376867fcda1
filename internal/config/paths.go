// Package config resolves the FlashClaw state root, environment tuning
// knobs, the optional YAML config file, and the plugins.json backup
// rotation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// EnvHome overrides the state root when set.
const EnvHome = "FLASHCLAW_HOME"

// ResolveRoot returns the per-user state root: $FLASHCLAW_HOME if set,
// otherwise ~/.flashclaw.
func ResolveRoot() (string, error) {
	if root := os.Getenv(EnvHome); root != "" {
		return filepath.Clean(root), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".flashclaw"), nil
}

// Paths derives every runtime path from the state root.
type Paths struct {
	Root string
}

// NewPaths wraps a resolved root.
func NewPaths(root string) Paths {
	return Paths{Root: filepath.Clean(root)}
}

func (p Paths) EnvFile() string      { return filepath.Join(p.Root, ".env") }
func (p Paths) ConfigDir() string    { return filepath.Join(p.Root, "config") }
func (p Paths) ConfigFile() string   { return filepath.Join(p.ConfigDir(), "flashclaw.yaml") }
func (p Paths) PluginsConfig() string {
	return filepath.Join(p.ConfigDir(), "plugins.json")
}

func (p Paths) DataDir() string         { return filepath.Join(p.Root, "data") }
func (p Paths) DBFile() string          { return filepath.Join(p.DataDir(), "flashclaw.db") }
func (p Paths) PIDFile() string         { return filepath.Join(p.DataDir(), "flashclaw.pid") }
func (p Paths) SessionsFile() string    { return filepath.Join(p.DataDir(), "sessions.json") }
func (p Paths) RouterStateFile() string { return filepath.Join(p.DataDir(), "router_state.json") }
func (p Paths) RegisteredGroupsFile() string {
	return filepath.Join(p.DataDir(), "registered_groups.json")
}

func (p Paths) IPCRoot() string { return filepath.Join(p.DataDir(), "ipc") }

// IPCGroupDir returns the envelope root for one source group.
func (p Paths) IPCGroupDir(folder string) string { return filepath.Join(p.IPCRoot(), folder) }

func (p Paths) IPCMessagesDir(folder string) string {
	return filepath.Join(p.IPCGroupDir(folder), "messages")
}

func (p Paths) IPCTasksDir(folder string) string {
	return filepath.Join(p.IPCGroupDir(folder), "tasks")
}

func (p Paths) IPCErrorsDir(folder string) string {
	return filepath.Join(p.IPCGroupDir(folder), "errors")
}

func (p Paths) MemoryDir() string     { return filepath.Join(p.DataDir(), "memory") }
func (p Paths) UserMemoryDir() string { return filepath.Join(p.MemoryDir(), "users") }
func (p Paths) SessionExportDir() string {
	return filepath.Join(p.MemoryDir(), "sessions")
}

func (p Paths) GroupsDir() string { return filepath.Join(p.Root, "groups") }

// GroupDir is one chat's home: CLAUDE.md, SOUL.md and logs live here.
func (p Paths) GroupDir(folder string) string { return filepath.Join(p.GroupsDir(), folder) }

func (p Paths) LogsDir() string { return filepath.Join(p.Root, "logs") }
func (p Paths) LogFile() string { return filepath.Join(p.LogsDir(), "flashclaw.log") }

func (p Paths) PluginsDir() string { return filepath.Join(p.Root, "plugins") }

func (p Paths) CacheDir() string { return filepath.Join(p.Root, "cache") }
func (p Paths) SessionTrackerFile() string {
	return filepath.Join(p.CacheDir(), "session-tracker.json")
}
func (p Paths) RegistryCacheFile() string {
	return filepath.Join(p.CacheDir(), "registry.json")
}

// EnsureTree creates the directory skeleton.
func (p Paths) EnsureTree() error {
	dirs := []string{
		p.Root,
		p.ConfigDir(),
		p.DataDir(),
		p.IPCRoot(),
		p.MemoryDir(),
		p.UserMemoryDir(),
		p.SessionExportDir(),
		p.GroupsDir(),
		p.LogsDir(),
		p.PluginsDir(),
		p.CacheDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureIPCGroup creates the per-group IPC subtree.
func (p Paths) EnsureIPCGroup(folder string) error {
	for _, dir := range []string{p.IPCMessagesDir(folder), p.IPCTasksDir(folder), p.IPCErrorsDir(folder)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SafeID maps an arbitrary id to a filesystem-safe name.
func SafeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// FolderNamePattern validates group folder names.
var FolderNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// MaxFolderNameLen caps group folder names.
const MaxFolderNameLen = 100

// ValidFolderName reports whether a folder name is filesystem-safe.
func ValidFolderName(name string) bool {
	return name != "" && len(name) <= MaxFolderNameLen && FolderNamePattern.MatchString(name)
}
