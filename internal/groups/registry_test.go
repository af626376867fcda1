package groups

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, config.Paths) {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	r, err := Load(paths, "main")
	if err != nil {
		t.Fatal(err)
	}
	return r, paths
}

func mainGroup() *models.Group {
	return &models.Group{
		ChatID:   "chat-main",
		Name:     "Main",
		Folder:   "main",
		ChatType: models.ChatTypeP2P,
		Trigger:  "@bot",
		AgentConfig: &models.AgentConfig{
			TimeoutMs: 120000,
		},
	}
}

func TestRegisterCreatesGroupHome(t *testing.T) {
	r, paths := newTestRegistry(t)
	if err := r.Register(mainGroup()); err != nil {
		t.Fatal(err)
	}

	dir := paths.GroupDir("main")
	for _, name := range []string{"CLAUDE.md", "SOUL.md", "logs"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(paths.IPCMessagesDir("main")); err != nil {
		t.Errorf("missing ipc subtree: %v", err)
	}
	if !r.MainExists() {
		t.Error("MainExists = false after registering main")
	}
}

func TestRegisterRejectsBadFolder(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, folder := range []string{"", "has space", "../escape", "a/b"} {
		g := mainGroup()
		g.Folder = folder
		if err := r.Register(g); err == nil {
			t.Errorf("folder %q accepted", folder)
		}
	}
}

func TestRegistryPersistsAcrossLoads(t *testing.T) {
	r, paths := newTestRegistry(t)
	if err := r.Register(mainGroup()); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(paths, "main")
	if err != nil {
		t.Fatal(err)
	}
	g, err := reloaded.Get("chat-main")
	if err != nil {
		t.Fatal(err)
	}
	if g.Folder != "main" || g.Trigger != "@bot" {
		t.Errorf("reloaded group = %+v", g)
	}
	if g.AgentConfig == nil || g.AgentConfig.TimeoutMs != 120000 {
		t.Errorf("agent config lost: %+v", g.AgentConfig)
	}
}

func TestAutoRegisterClonesMainTemplate(t *testing.T) {
	r, paths := newTestRegistry(t)
	if err := r.Register(mainGroup()); err != nil {
		t.Fatal(err)
	}
	// Customize the main CLAUDE.md so we can see the clone.
	custom := "# 自定义模板\n"
	if err := os.WriteFile(filepath.Join(paths.GroupDir("main"), "CLAUDE.md"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := r.AutoRegister("telegram:12345678901", models.ChatTypeGroup, models.PlatformTelegram, "Dev Chat")
	if err != nil {
		t.Fatal(err)
	}
	if g.Folder != "group-45678901" {
		t.Errorf("folder = %q, want group-<last8>", g.Folder)
	}
	if g.Trigger != "@bot" {
		t.Errorf("trigger = %q, want cloned from main", g.Trigger)
	}
	if g.AgentConfig == nil || g.AgentConfig.TimeoutMs != 120000 {
		t.Errorf("agent config = %+v, want cloned", g.AgentConfig)
	}
	data, err := os.ReadFile(filepath.Join(paths.GroupDir(g.Folder), "CLAUDE.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != custom {
		t.Errorf("CLAUDE.md = %q, want main template clone", data)
	}

	// Auto-registering the same chat again returns the existing record.
	again, err := r.AutoRegister("telegram:12345678901", models.ChatTypeGroup, models.PlatformTelegram, "Dev Chat")
	if err != nil {
		t.Fatal(err)
	}
	if again.Folder != g.Folder {
		t.Errorf("second auto-register changed folder: %q", again.Folder)
	}
}

func TestAutoRegisterPrivateChatPrefix(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Register(mainGroup()); err != nil {
		t.Fatal(err)
	}
	g, err := r.AutoRegister("u-777", models.ChatTypeP2P, models.PlatformTelegram, "")
	if err != nil {
		t.Fatal(err)
	}
	if g.Folder != "private-u-777" {
		t.Errorf("folder = %q, want private prefix", g.Folder)
	}
}

func TestAutoRegisterRequiresMain(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.AutoRegister("c1", models.ChatTypeGroup, models.PlatformTelegram, ""); err == nil {
		t.Error("auto-register without main accepted")
	}
}

func TestGetUnknownChat(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestAllSortedByFolder(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Register(mainGroup()); err != nil {
		t.Fatal(err)
	}
	side := mainGroup()
	side.ChatID = "chat-2"
	side.Folder = "aaa"
	if err := r.Register(side); err != nil {
		t.Fatal(err)
	}

	all := r.All()
	if len(all) != 2 || all[0].Folder != "aaa" || all[1].Folder != "main" {
		t.Errorf("All() = %+v", all)
	}
}
