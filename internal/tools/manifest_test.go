package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(pluginDir, "plugin.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "weather", `{
		// JSON5 comments are fine
		name: "weather",
		version: "1.0.0",
		type: "tool",
		main: "index.js",
	}`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "weather" || m.Type != PluginTypeTool {
		t.Errorf("manifest = %+v", m)
	}
	if want := filepath.Join(dir, "weather", "index.js"); m.MainPath() != want {
		t.Errorf("MainPath = %q, want %q", m.MainPath(), want)
	}
}

func TestLoadManifestRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		body string
	}{
		{"dotdot", `{name: "p", version: "1", type: "tool", main: "../../etc/passwd"}`},
		{"absolute", `{name: "p", version: "1", type: "tool", main: "/etc/passwd"}`},
		{"bad type", `{name: "p", version: "1", type: "virus", main: "x.js"}`},
		{"bad name", `{name: "a b", version: "1", type: "tool", main: "x.js"}`},
		{"no main", `{name: "p", version: "1", type: "tool"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeManifest(t, dir, "p-"+strings.ReplaceAll(tc.name, " ", "-"), tc.body)
			if _, err := LoadManifest(path); err == nil {
				t.Error("invalid manifest accepted")
			}
		})
	}
}

func TestDiscoverManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "one", `{name: "one", version: "1", type: "tool", main: "a.js"}`)
	writeManifest(t, dir, "two", `{name: "two", version: "1", type: "channel", main: "b.js"}`)
	writeManifest(t, dir, "broken", `{name: "broken"`)

	var bad []string
	manifests, err := DiscoverManifests(dir, func(path string, err error) {
		bad = append(bad, path)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 2 {
		t.Fatalf("manifests = %d, want 2", len(manifests))
	}
	if len(bad) != 1 {
		t.Errorf("bad manifests = %d, want 1", len(bad))
	}
}

func TestDiscoverManifestsMissingDir(t *testing.T) {
	manifests, err := DiscoverManifests(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 0 {
		t.Errorf("manifests = %d, want 0", len(manifests))
	}
}

func TestPluginsConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.json")

	loaded, err := LoadPluginsConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Disabled) != 0 {
		t.Error("missing file should yield empty config")
	}

	cfg := &PluginsConfig{
		Disabled: []string{"weather"},
		Plugins:  map[string]map[string]any{"search": {"depth": float64(3)}},
	}
	if err := SavePluginsConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err = LoadPluginsConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.IsDisabled("weather") || loaded.IsDisabled("search") {
		t.Errorf("disabled state wrong: %+v", loaded.Disabled)
	}
	if loaded.Plugins["search"]["depth"] != float64(3) {
		t.Errorf("plugin config = %v", loaded.Plugins["search"])
	}

	// A second save rotates the previous file into .bak.1.
	if err := SavePluginsConfig(path, &PluginsConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".bak.1"); err != nil {
		t.Errorf("expected backup after rewrite: %v", err)
	}
}
