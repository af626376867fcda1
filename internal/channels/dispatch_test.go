package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flashclaw/flashclaw/internal/agent"
	"github.com/flashclaw/flashclaw/internal/commands"
	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/queue"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/internal/storage"
	"github.com/flashclaw/flashclaw/pkg/models"
)

type sentMessage struct {
	chatID string
	text   string
}

// fakeChannel records sends and optionally supports update/delete.
type fakeChannel struct {
	updatable bool

	mu      sync.Mutex
	sent    []sentMessage
	updated map[string]string
	deleted []string
	seq     int
}

func newFakeChannel(updatable bool) *fakeChannel {
	return &fakeChannel{updatable: updatable, updated: make(map[string]string)}
}

func (f *fakeChannel) Name() string                    { return "fake" }
func (f *fakeChannel) Platform() models.Platform       { return models.PlatformTerminal }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { return nil }
func (f *fakeChannel) OnMessage(h Handler)             {}

func (f *fakeChannel) SendMessage(ctx context.Context, chatID, text string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return SendResult{Success: true, MessageID: ComposeMessageID(chatID, "m"+string(rune('0'+f.seq)))}, nil
}

func (f *fakeChannel) UpdateMessage(ctx context.Context, messageID, text string) error {
	if !f.updatable {
		return context.Canceled
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[messageID] = text
	return nil
}

func (f *fakeChannel) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChannel) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

// fakeRunner returns a canned output and records inputs.
type fakeRunner struct {
	mu   sync.Mutex
	out  *agent.Output
	runs []*agent.Input
}

func (f *fakeRunner) Run(ctx context.Context, in *agent.Input) *agent.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, in)
	if f.out != nil {
		return f.out
	}
	return &agent.Output{Status: agent.StatusSuccess, Result: "回复"}
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fixture struct {
	dispatcher *Dispatcher
	runner     *fakeRunner
	channel    *fakeChannel
	queue      *queue.Queue
	groups     *groups.Registry
	tracker    *sessions.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	if err := paths.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	settings := config.DefaultSettings()
	settings.ThinkingThreshold = time.Hour // placeholder disabled unless a test lowers it

	groupReg, err := groups.Load(paths, "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := groupReg.Register(&models.Group{
		ChatID:   "chat-main",
		Folder:   "main",
		ChatType: models.ChatTypeP2P,
	}); err != nil {
		t.Fatal(err)
	}

	q := queue.New(queue.Config{MaxSize: 10, MaxConcurrent: 2, ProcessingTimeout: 5 * time.Second, MaxRetries: 0})
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})

	tracker := sessions.NewTracker(sessions.TrackerConfig{})
	t.Cleanup(tracker.Shutdown)

	runner := &fakeRunner{}
	channel := newFakeChannel(true)
	cmdReg := commands.NewRegistry(nil)

	d := NewDispatcher(DispatcherDeps{
		Queue:    q,
		Runner:   runner,
		Commands: cmdReg,
		Groups:   groupReg,
		Tracker:  tracker,
		Store:    storage.NewMemoryStore(),
		State:    LoadRouterState(paths.RouterStateFile(), nil),
		Settings: settings,
	})
	return &fixture{
		dispatcher: d,
		runner:     runner,
		channel:    channel,
		queue:      q,
		groups:     groupReg,
		tracker:    tracker,
	}
}

func inbound(id, chatID, content string) *models.Message {
	return &models.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  "u1",
		Content:   content,
		Timestamp: time.Now(),
		ChatType:  models.ChatTypeP2P,
		Platform:  models.PlatformTerminal,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestInboundRunsAgentAndReplies(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.HandleInbound(context.Background(), f.channel, inbound("1", "chat-main", "你好"))

	waitFor(t, func() bool { return len(f.channel.sentTexts()) == 1 })
	if got := f.channel.sentTexts()[0]; got != "回复" {
		t.Errorf("sent = %q", got)
	}
	if f.runner.runCount() != 1 {
		t.Errorf("runs = %d", f.runner.runCount())
	}
}

func TestInboundDedupesByID(t *testing.T) {
	f := newFixture(t)
	msg := inbound("dup-1", "chat-main", "hello")
	f.dispatcher.HandleInbound(context.Background(), f.channel, msg)
	f.dispatcher.HandleInbound(context.Background(), f.channel, msg)

	waitFor(t, func() bool { return f.runner.runCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if f.runner.runCount() != 1 {
		t.Errorf("runs = %d, want duplicate dropped", f.runner.runCount())
	}
}

func TestInboundAutoRegistersUnknownChat(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.HandleInbound(context.Background(), f.channel, inbound("1", "tg:12345678901", "hi"))

	waitFor(t, func() bool { return f.runner.runCount() == 1 })
	g, err := f.groups.Get("tg:12345678901")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(g.Folder, "private-") {
		t.Errorf("folder = %q", g.Folder)
	}
}

func TestGroupChatRequiresMention(t *testing.T) {
	f := newFixture(t)
	if _, err := f.groups.AutoRegister("tg:999", models.ChatTypeGroup, models.PlatformTelegram, "Dev"); err != nil {
		t.Fatal(err)
	}

	silent := inbound("1", "tg:999", "just chatting")
	silent.ChatType = models.ChatTypeGroup
	f.dispatcher.HandleInbound(context.Background(), f.channel, silent)

	mentioned := inbound("2", "tg:999", "@FlashClaw 在吗")
	mentioned.ChatType = models.ChatTypeGroup
	f.dispatcher.HandleInbound(context.Background(), f.channel, mentioned)

	waitFor(t, func() bool { return f.runner.runCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if f.runner.runCount() != 1 {
		t.Errorf("runs = %d, want only the mentioned message", f.runner.runCount())
	}
}

func TestSlashCommandBypassesQueue(t *testing.T) {
	f := newFixture(t)
	called := false
	if err := f.dispatcher.commands.Register(&commands.Command{
		Name: "ping",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			called = true
			return &commands.Result{Text: "pong"}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	f.dispatcher.HandleInbound(context.Background(), f.channel, inbound("1", "chat-main", "/ping"))
	if !called {
		t.Fatal("command handler not called synchronously")
	}
	if texts := f.channel.sentTexts(); len(texts) != 1 || texts[0] != "pong" {
		t.Errorf("sent = %v", texts)
	}
	if f.runner.runCount() != 0 {
		t.Error("command enqueued an agent turn")
	}
}

func TestAgentErrorSentWithBotPrefix(t *testing.T) {
	f := newFixture(t)
	f.runner.out = &agent.Output{Status: agent.StatusError, Error: "API 认证失败，请检查 API key 配置"}

	f.dispatcher.HandleInbound(context.Background(), f.channel, inbound("1", "chat-main", "hi"))
	waitFor(t, func() bool { return len(f.channel.sentTexts()) == 1 })
	got := f.channel.sentTexts()[0]
	if !strings.Contains(got, "❌") || !strings.Contains(got, "认证失败") {
		t.Errorf("sent = %q", got)
	}
}

func TestThinkingPlaceholderUpdatedInPlace(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.settings.ThinkingThreshold = 0
	block := make(chan struct{})
	f.runner.out = nil
	slow := &slowRunner{result: "最终回复", release: block}
	f.dispatcher.runner = slow

	f.dispatcher.HandleInbound(context.Background(), f.channel, inbound("1", "chat-main", "think hard"))
	waitFor(t, func() bool {
		texts := f.channel.sentTexts()
		return len(texts) == 1 && texts[0] == thinkingText
	})
	close(block)

	waitFor(t, func() bool {
		f.channel.mu.Lock()
		defer f.channel.mu.Unlock()
		return len(f.channel.updated) == 1
	})
	f.channel.mu.Lock()
	defer f.channel.mu.Unlock()
	for _, text := range f.channel.updated {
		if text != "最终回复" {
			t.Errorf("updated text = %q", text)
		}
	}
}

type slowRunner struct {
	result  string
	release chan struct{}
}

func (s *slowRunner) Run(ctx context.Context, in *agent.Input) *agent.Output {
	<-s.release
	return &agent.Output{Status: agent.StatusSuccess, Result: s.result}
}

func TestCompactSuggestionFollowsReply(t *testing.T) {
	f := newFixture(t)
	// Push the session over the suggestion threshold (70% of 200k).
	f.tracker.RecordUsage("chat-main", models.TokenUsage{InputTokens: 150000, OutputTokens: 10000}, "claude-sonnet-4-5")

	f.dispatcher.HandleInbound(context.Background(), f.channel, inbound("1", "chat-main", "hi"))
	waitFor(t, func() bool { return len(f.channel.sentTexts()) == 2 })
	follow := f.channel.sentTexts()[1]
	if !strings.Contains(follow, "/compact") {
		t.Errorf("follow-up = %q", follow)
	}
}

func TestMessageIDSplit(t *testing.T) {
	chatID, platformID, err := SplitMessageID("tg:123:456")
	if err != nil || chatID != "tg:123" || platformID != "456" {
		t.Errorf("split = (%q, %q, %v)", chatID, platformID, err)
	}
	if _, _, err := SplitMessageID("no-separator"); err == nil {
		t.Error("malformed id accepted")
	}
}
