package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flashclaw/flashclaw/internal/llm"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// stubChat answers every Chat call with a fixed summary.
type stubChat struct {
	summary string
	err     error
	calls   int
}

func (s *stubChat) Chat(ctx context.Context, msgs []models.ChatMessage, opts llm.Options) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Message: models.NewAssistantText(s.summary), StopReason: llm.StopEndTurn}, nil
}

func (s *stubChat) ChatStream(ctx context.Context, msgs []models.ChatMessage, opts llm.Options) (<-chan llm.StreamEvent, error) {
	resp, err := s.Chat(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	events := make(chan llm.StreamEvent, 1)
	events <- llm.StreamEvent{Type: llm.EventDone, Done: resp}
	close(events)
	return events, nil
}

func (s *stubChat) Model() string               { return "stub" }
func (s *stubChat) SetModel(string)             {}
func (s *stubChat) ContextWindow(string) int    { return 200000 }
func (s *stubChat) SupportsVision(string) bool  { return false }
func (s *stubChat) Name() string                { return "stub" }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MemoryDir = filepath.Join(dir, "memory")
	cfg.UserMemoryDir = filepath.Join(dir, "memory", "users")
	cfg.SessionExportDir = filepath.Join(dir, "memory", "sessions")
	return NewManager(cfg)
}

func TestGetContextSuffix(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		m.AddMessage("g", models.NewUserText(fmt.Sprintf("message %d", i)))
	}

	got := m.GetContext("g", 0)
	if len(got) != 5 {
		t.Fatalf("context = %d messages, want 5", len(got))
	}
	if got[4].Text() != "message 4" {
		t.Errorf("last message = %q", got[4].Text())
	}
}

func TestGetContextRespectsBudget(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage("g", models.NewUserText(strings.Repeat("a", 400))) // ~110 tokens
	m.AddMessage("g", models.NewUserText("newest"))

	got := m.GetContext("g", 50)
	if len(got) != 1 {
		t.Fatalf("context = %d messages, want 1", len(got))
	}
	if got[0].Text() != "newest" {
		t.Errorf("kept = %q, want newest", got[0].Text())
	}
}

func TestGetContextSingleOversizeMessage(t *testing.T) {
	m := newTestManager(t)
	huge := strings.Repeat("中", 300000)
	m.AddMessage("g", models.NewUserText(huge))

	got := m.GetContext("g", 100000)
	if len(got) != 1 {
		t.Fatalf("context = %d messages, want exactly the oversize one", len(got))
	}
	if got[0].Text() != huge {
		t.Error("oversize message must be returned unmodified")
	}
}

func TestAddMessageEvictsPastCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactThreshold = 100 // ceiling 200 tokens
	m := NewManager(cfg)

	for i := 0; i < 30; i++ {
		m.AddMessage("g", models.NewUserText(strings.Repeat("中", 20))) // 30 tokens each
	}

	if n := m.HistoryLen("g"); n >= 30 {
		t.Errorf("history length = %d, want eviction", n)
	}
	if n := m.HistoryLen("g"); n < 10 {
		t.Errorf("history length = %d, must keep at least 10", n)
	}
}

func TestRememberRecallForget(t *testing.T) {
	m := newTestManager(t)

	if err := m.Remember("g", "语言", "Go"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remember("g", "编辑器", "vim"); err != nil {
		t.Fatal(err)
	}
	if got := m.Recall("g", "语言"); got != "Go" {
		t.Errorf("recall = %q, want Go", got)
	}

	all := m.Recall("g", "")
	if all != "- 语言: Go\n- 编辑器: vim" {
		t.Errorf("recall all = %q", all)
	}

	removed, err := m.Forget("g", "语言")
	if err != nil || !removed {
		t.Fatalf("forget = %v, %v", removed, err)
	}
	if got := m.Recall("g", "语言"); got != "" {
		t.Errorf("recall after forget = %q", got)
	}
	if removed, _ := m.Forget("g", "missing"); removed {
		t.Error("forgetting a missing key must report false")
	}
}

func TestRememberPreservesCreatedAt(t *testing.T) {
	m := newTestManager(t)
	if err := m.Remember("g", "k", "v1"); err != nil {
		t.Fatal(err)
	}
	path := m.scopePath("g", false)
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Remember("g", "k", "v2"); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(path)

	firstCreated := extractCreated(t, string(first))
	secondCreated := extractCreated(t, string(second))
	if firstCreated != secondCreated {
		t.Errorf("createdAt changed on update: %q -> %q", firstCreated, secondCreated)
	}
	if m.Recall("g", "k") != "v2" {
		t.Error("value not updated")
	}
}

func extractCreated(t *testing.T, content string) string {
	t.Helper()
	m := entryMetaPattern.FindStringSubmatch(findMetaLine(content))
	if m == nil {
		t.Fatalf("no metadata comment in %q", content)
	}
	return m[1]
}

func findMetaLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "<!-- created:") {
			return line
		}
	}
	return ""
}

func TestUserScopeIsSeparate(t *testing.T) {
	m := newTestManager(t)
	if err := m.Remember("id1", "k", "group value"); err != nil {
		t.Fatal(err)
	}
	if err := m.RememberUser("id1", "k", "user value"); err != nil {
		t.Fatal(err)
	}
	if got := m.Recall("id1", "k"); got != "group value" {
		t.Errorf("group recall = %q", got)
	}
	if got := m.RecallUser("id1", "k"); got != "user value" {
		t.Errorf("user recall = %q", got)
	}
}

func TestShortTermScopeCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCachedScopes = 3
	m := NewManager(cfg)

	for i := 0; i < 5; i++ {
		m.AddMessage(fmt.Sprintf("g%d", i), models.NewUserText("hi"))
	}

	if m.HistoryLen("g0") != 0 || m.HistoryLen("g1") != 0 {
		t.Error("oldest scopes should be evicted")
	}
	if m.HistoryLen("g4") != 1 {
		t.Error("newest scope should survive")
	}
}

func TestNeedsCompaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactThreshold = 50
	m := NewManager(cfg)

	if m.NeedsCompaction("g") {
		t.Error("empty buffer must not need compaction")
	}
	m.AddMessage("g", models.NewUserText(strings.Repeat("中", 100)))
	if !m.NeedsCompaction("g") {
		t.Error("expected compaction need past threshold")
	}
}

func TestCompactReplacesPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactKeepTokens = 80
	m := NewManager(cfg)

	for i := 0; i < 20; i++ {
		m.AddMessage("g", models.NewUserText(fmt.Sprintf("聊天内容第 %d 句，凑一些字数进去", i)))
	}
	before := m.HistoryLen("g")

	chat := &stubChat{summary: "## 对话摘要\n\n聊了二十句。"}
	result, err := m.Compact(context.Background(), "g", chat)
	if err != nil {
		t.Fatal(err)
	}
	if chat.calls != 1 {
		t.Errorf("chat calls = %d, want 1", chat.calls)
	}
	if result.OriginalCount != before {
		t.Errorf("OriginalCount = %d, want %d", result.OriginalCount, before)
	}
	if result.OriginalCount-result.CompactedCount < 1 {
		t.Errorf("nothing compacted: %+v", result)
	}
	if !strings.Contains(m.Summary("g"), "对话摘要") {
		t.Errorf("summary = %q", m.Summary("g"))
	}

	prompt := m.BuildSystemPrompt("g", "base")
	if !strings.Contains(prompt, "## 之前对话的摘要") {
		t.Error("system prompt missing summary section")
	}
}

func TestCompactNoOpWhenEverythingFits(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage("g", models.NewUserText("短"))

	chat := &stubChat{summary: "unused"}
	result, err := m.Compact(context.Background(), "g", chat)
	if err != nil {
		t.Fatal(err)
	}
	if chat.calls != 0 {
		t.Error("no-op compaction must not call the model")
	}
	if result.Summary != "" {
		t.Errorf("summary = %q, want empty", result.Summary)
	}
}

func TestCompactFailureLeavesStateUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactKeepTokens = 20
	m := NewManager(cfg)
	for i := 0; i < 10; i++ {
		m.AddMessage("g", models.NewUserText(strings.Repeat("中", 30)))
	}
	before := m.HistoryLen("g")

	chat := &stubChat{err: errors.New("overloaded")}
	if _, err := m.Compact(context.Background(), "g", chat); err == nil {
		t.Fatal("expected error")
	}
	if m.HistoryLen("g") != before {
		t.Error("failed compaction must not mutate the buffer")
	}
	if m.Summary("g") != "" {
		t.Error("failed compaction must not cache a summary")
	}
}

func TestBuildSystemPromptWithFacts(t *testing.T) {
	m := newTestManager(t)
	if err := m.Remember("g", "城市", "上海"); err != nil {
		t.Fatal(err)
	}
	prompt := m.BuildSystemPrompt("g", "你是助手。")
	if !strings.HasPrefix(prompt, "你是助手。") {
		t.Error("base prompt must come first")
	}
	if !strings.Contains(prompt, "## 关于这个群组/用户的记忆") {
		t.Error("missing facts section")
	}
	if !strings.Contains(prompt, "- 城市: 上海") {
		t.Error("missing fact line")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage("g", models.NewUserText("你好"))
	m.AddMessage("g", models.NewAssistantText("你好！"))
	m.SetSummary("g", "## 对话摘要\n打了个招呼")

	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := m.SnapshotTo(path); err != nil {
		t.Fatal(err)
	}

	restored := newTestManager(t)
	if err := restored.RestoreFrom(path); err != nil {
		t.Fatal(err)
	}
	if restored.HistoryLen("g") != 2 {
		t.Errorf("restored history = %d, want 2", restored.HistoryLen("g"))
	}
	if restored.Summary("g") == "" {
		t.Error("summary not restored")
	}
	if restored.EstimatedTokens("g") == 0 {
		t.Error("token account not rebuilt")
	}
}

func TestExportSession(t *testing.T) {
	m := newTestManager(t)
	m.AddMessage("g", models.NewUserText("你好"))
	m.AddMessage("g", models.NewUserBlocks(
		models.NewTextBlock("看这张图"),
		models.NewImageBlock("image/png", "aGk="),
	))

	path, err := m.ExportSession("g", "my chat")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "## 👤 用户") {
		t.Error("missing user heading")
	}
	if !strings.Contains(content, "[包含图片/媒体内容]") {
		t.Error("missing media placeholder")
	}
	if !strings.Contains(filepath.Base(path), "my_chat") {
		t.Errorf("unsafe name in %q", path)
	}
}
