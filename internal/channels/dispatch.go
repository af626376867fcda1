package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/internal/agent"
	"github.com/flashclaw/flashclaw/internal/commands"
	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/metrics"
	"github.com/flashclaw/flashclaw/internal/queue"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/internal/storage"
	"github.com/flashclaw/flashclaw/pkg/models"
)

const thinkingText = "正在思考..."

// AgentRunner is the slice of the agent the dispatcher needs.
type AgentRunner interface {
	Run(ctx context.Context, in *agent.Input) *agent.Output
}

// Dispatcher routes inbound platform messages to commands or the agent
// queue and delivers agent output back through the channel.
type Dispatcher struct {
	queue    *queue.Queue
	runner   AgentRunner
	commands *commands.Registry
	groups   *groups.Registry
	tracker  *sessions.Tracker
	store    storage.MessageStore
	state    *RouterState
	settings config.Settings
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	botRe    *regexp.Regexp
}

// DispatcherDeps carries the dispatcher's collaborators.
type DispatcherDeps struct {
	Queue    *queue.Queue
	Runner   AgentRunner
	Commands *commands.Registry
	Groups   *groups.Registry
	Tracker  *sessions.Tracker
	Store    storage.MessageStore
	State    *RouterState
	Settings config.Settings
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(deps DispatcherDeps, opts ...Option) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:    deps.Queue,
		runner:   deps.Runner,
		commands: deps.Commands,
		groups:   deps.Groups,
		tracker:  deps.Tracker,
		store:    deps.Store,
		state:    deps.State,
		settings: deps.Settings,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
		botRe:    regexp.MustCompile(`(?i)@?` + regexp.QuoteMeta(deps.Settings.BotName)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler returns the inbound handler to install on a channel.
func (d *Dispatcher) Handler(ch Channel) Handler {
	return func(msg *models.Message) {
		d.HandleInbound(context.Background(), ch, msg)
	}
}

// HandleInbound runs the inbound pipeline: dedupe, persist,
// auto-register, trigger check, command routing, enqueue.
func (d *Dispatcher) HandleInbound(ctx context.Context, ch Channel, msg *models.Message) {
	if msg == nil || msg.ChatID == "" {
		return
	}
	if d.metrics != nil {
		d.metrics.MessagesTotal.WithLabelValues(string(msg.Platform), "inbound").Inc()
	}

	if msg.ID != "" {
		if d.state.Seen(msg.ChatID, msg.ID) {
			d.logger.Debug("duplicate message dropped", "chat_id", msg.ChatID, "id", msg.ID)
			return
		}
		if exists, err := d.store.MessageExists(ctx, msg.ID, msg.ChatID); err == nil && exists {
			return
		}
	}
	if err := d.store.StoreMessage(ctx, msg); err != nil {
		d.logger.Warn("persist inbound message failed", "chat_id", msg.ChatID, "error", err)
	}
	if err := d.store.StoreChatMetadata(ctx, msg.ChatID, msg.Timestamp); err != nil {
		d.logger.Warn("persist chat metadata failed", "chat_id", msg.ChatID, "error", err)
	}

	group, err := d.groups.Get(msg.ChatID)
	if errors.Is(err, groups.ErrNotRegistered) {
		group, err = d.groups.AutoRegister(msg.ChatID, msg.ChatType, msg.Platform, msg.SenderName)
	}
	if err != nil {
		d.logger.Warn("chat not registered and auto-registration failed",
			"chat_id", msg.ChatID, "error", err)
		return
	}

	if !d.shouldTriggerAgent(group, msg) {
		return
	}

	if name, args, ok := commands.Detect(msg.Content); ok {
		d.runCommand(ctx, ch, group, msg, name, args)
		return
	}

	enqueuedAt := d.now()
	err = d.queue.Enqueue(msg.ChatID, func(jobCtx context.Context) error {
		return d.runAgentTurn(jobCtx, ch, group, msg, enqueuedAt)
	})
	if err != nil {
		d.logger.Warn("enqueue failed", "chat_id", msg.ChatID, "error", err)
		if errors.Is(err, queue.ErrQueueFull) {
			d.send(ctx, ch, msg.ChatID, d.settings.BotName+": 消息队列已满，请稍后再试")
		}
	}
}

// shouldTriggerAgent decides whether a message starts an agent turn:
// main chat always, direct chats always, group chats only when the bot
// is mentioned by platform mention or by name.
func (d *Dispatcher) shouldTriggerAgent(group *models.Group, msg *models.Message) bool {
	if d.groups.IsMain(group.Folder) {
		return true
	}
	if msg.ChatType == models.ChatTypeP2P {
		return true
	}
	if len(msg.Mentions) > 0 {
		return true
	}
	if group.Trigger != "" && strings.Contains(strings.ToLower(msg.Content), strings.ToLower(group.Trigger)) {
		return true
	}
	return d.botRe.MatchString(msg.Content)
}

// runCommand executes a slash command in place. Command turns never
// touch the agent queue.
func (d *Dispatcher) runCommand(ctx context.Context, ch Channel, group *models.Group, msg *models.Message, name, args string) {
	res, err := d.commands.Execute(ctx, &commands.Invocation{
		Name:        name,
		Args:        args,
		RawText:     msg.Content,
		ChatID:      msg.ChatID,
		GroupFolder: group.Folder,
		UserID:      msg.SenderID,
		IsMain:      d.groups.IsMain(group.Folder),
	})
	if err != nil {
		d.logger.Error("command execution failed", "command", name, "error", err)
		return
	}
	if res != nil && res.Text != "" {
		d.send(ctx, ch, msg.ChatID, res.Text)
	}
}

// runAgentTurn drives one queued agent invocation, managing the thinking
// placeholder and the final delivery.
func (d *Dispatcher) runAgentTurn(ctx context.Context, ch Channel, group *models.Group, msg *models.Message, enqueuedAt time.Time) error {
	placeholder := d.armPlaceholder(ctx, ch, msg.ChatID, enqueuedAt)
	defer placeholder.stop()

	out := d.runner.Run(ctx, &agent.Input{
		Prompt:      msg.Content,
		ChatID:      msg.ChatID,
		GroupFolder: group.Folder,
		IsMain:      d.groups.IsMain(group.Folder),
		UserID:      msg.SenderID,
		Platform:    msg.Platform,
		Attachments: msg.Attachments,
	})

	text := out.Result
	if out.Status != agent.StatusSuccess {
		text = fmt.Sprintf("%s: ❌ %s", d.settings.BotName, out.Error)
	}
	if text == "" {
		return nil
	}
	if err := d.deliver(ctx, ch, msg.ChatID, text, placeholder); err != nil {
		return fmt.Errorf("deliver reply to %s: %w", msg.ChatID, err)
	}

	if out.Status == agent.StatusSuccess {
		if pct, suggest := d.tracker.CheckCompactThreshold(msg.ChatID); suggest {
			d.send(ctx, ch, msg.ChatID,
				fmt.Sprintf("当前会话已使用约 %d%% 的上下文，建议发送 /compact 压缩对话。", pct))
		}
	}
	return nil
}

// placeholderState tracks the lazily sent "thinking" message.
type placeholderState struct {
	timer *time.Timer

	mu        sync.Mutex
	messageID string
}

func (p *placeholderState) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *placeholderState) id() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageID
}

// armPlaceholder sends the thinking placeholder once the wall time since
// enqueue passes the threshold.
func (d *Dispatcher) armPlaceholder(ctx context.Context, ch Channel, chatID string, enqueuedAt time.Time) *placeholderState {
	p := &placeholderState{}
	delay := d.settings.ThinkingThreshold - d.now().Sub(enqueuedAt)
	if delay < 0 {
		delay = 0
	}
	p.timer = time.AfterFunc(delay, func() {
		res, err := ch.SendMessage(ctx, chatID, thinkingText)
		if err != nil || !res.Success {
			d.logger.Debug("thinking placeholder send failed", "chat_id", chatID, "error", err)
			return
		}
		p.mu.Lock()
		p.messageID = res.MessageID
		p.mu.Unlock()
	})
	return p
}

// deliver replaces the placeholder with the final text when one was
// sent, preferring in-place update, then delete+send, then plain send.
func (d *Dispatcher) deliver(ctx context.Context, ch Channel, chatID, text string, placeholder *placeholderState) error {
	placeholder.stop()
	id := placeholder.id()
	if id != "" {
		if updater, ok := ch.(MessageUpdater); ok {
			if err := updater.UpdateMessage(ctx, id, text); err == nil {
				d.countOutbound(ch)
				return nil
			}
		}
		if deleter, ok := ch.(MessageDeleter); ok {
			if err := deleter.DeleteMessage(ctx, id); err != nil {
				d.logger.Debug("placeholder delete failed", "chat_id", chatID, "error", err)
			}
		}
	}
	return d.send(ctx, ch, chatID, text)
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, chatID, text string) error {
	res, err := ch.SendMessage(ctx, chatID, text)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("send to %s: %s", chatID, res.Error)
	}
	d.countOutbound(ch)
	return nil
}

func (d *Dispatcher) countOutbound(ch Channel) {
	if d.metrics != nil {
		d.metrics.MessagesTotal.WithLabelValues(string(ch.Platform()), "outbound").Inc()
	}
}
