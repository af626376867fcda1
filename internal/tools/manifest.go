package tools

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/flashclaw/flashclaw/internal/config"
)

// PluginType classifies plugin manifests.
type PluginType string

const (
	PluginTypeTool     PluginType = "tool"
	PluginTypeChannel  PluginType = "channel"
	PluginTypeProvider PluginType = "provider"
)

// Manifest is a plugin's plugin.json. The file is parsed tolerantly
// (JSON5: comments and trailing commas are fine).
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Type         PluginType        `json:"type"`
	Main         string            `json:"main"`
	Config       map[string]any    `json:"config,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`

	// Dir is the plugin directory the manifest was loaded from.
	Dir string `json:"-"`
}

// Validate checks the manifest shape and that Main cannot escape the
// plugin directory.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin manifest missing name")
	}
	if !config.FolderNamePattern.MatchString(m.Name) {
		return fmt.Errorf("invalid plugin name %q", m.Name)
	}
	switch m.Type {
	case PluginTypeTool, PluginTypeChannel, PluginTypeProvider:
	default:
		return fmt.Errorf("plugin %s: unknown type %q", m.Name, m.Type)
	}
	if m.Main == "" {
		return fmt.Errorf("plugin %s: missing main", m.Name)
	}
	if filepath.IsAbs(m.Main) {
		return fmt.Errorf("plugin %s: main must be relative", m.Name)
	}
	clean := filepath.Clean(m.Main)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("plugin %s: main escapes plugin directory", m.Name)
	}
	return nil
}

// MainPath resolves the entry point inside the plugin directory.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.Dir, filepath.Clean(m.Main))
}

// LoadManifest reads and validates one plugin.json.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DiscoverManifests walks plugins/<name>/plugin.json. Invalid manifests
// and duplicate names are skipped with a warning via the errs callback.
func DiscoverManifests(pluginsDir string, errs func(path string, err error)) ([]*Manifest, error) {
	var manifests []*Manifest
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(pluginsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != "plugin.json" {
			return nil
		}
		m, err := LoadManifest(path)
		if err != nil {
			if errs != nil {
				errs(path, err)
			}
			return nil
		}
		if seen[m.Name] {
			if errs != nil {
				errs(path, fmt.Errorf("duplicate plugin name %q", m.Name))
			}
			return nil
		}
		seen[m.Name] = true
		manifests = append(manifests, m)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk plugins dir: %w", walkErr)
	}
	return manifests, nil
}

// PluginsConfig is config/plugins.json: which plugins are disabled and
// their per-plugin configuration overrides.
type PluginsConfig struct {
	Disabled []string                  `json:"disabled,omitempty"`
	Plugins  map[string]map[string]any `json:"plugins,omitempty"`
}

// IsDisabled reports whether a plugin name is disabled.
func (c *PluginsConfig) IsDisabled(name string) bool {
	for _, d := range c.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// LoadPluginsConfig reads config/plugins.json (JSON5-tolerant); a
// missing file yields the empty config.
func LoadPluginsConfig(path string) (*PluginsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PluginsConfig{}, nil
		}
		return nil, fmt.Errorf("read plugins config: %w", err)
	}
	var c PluginsConfig
	if err := json5.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse plugins config: %w", err)
	}
	return &c, nil
}

// SavePluginsConfig writes config/plugins.json through the backup
// rotation, so every change keeps its .bak.N history. Output is strict
// JSON; only reads are JSON5-tolerant.
func SavePluginsConfig(path string, c *PluginsConfig) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plugins config: %w", err)
	}
	return config.WriteFileWithBackup(path, data, config.MaxBackups)
}
