// Package agent runs one conversational turn: prompt assembly, the
// model call with tool-use recursion, memory bookkeeping and retry.
package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/ipc"
	"github.com/flashclaw/flashclaw/internal/llm"
	"github.com/flashclaw/flashclaw/internal/memory"
	"github.com/flashclaw/flashclaw/internal/metrics"
	"github.com/flashclaw/flashclaw/internal/retry"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/internal/tools"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// Invocation outcome statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Input describes one agent turn.
type Input struct {
	Prompt          string
	ChatID          string
	GroupFolder     string
	IsMain          bool
	IsScheduledTask bool
	UserID          string
	Platform        models.Platform
	Attachments     []models.Attachment

	// Scope overrides the memory scope; empty means GroupFolder.
	Scope string

	// OnToken receives streamed text deltas. May be nil.
	OnToken func(string)
}

func (in *Input) scope() string {
	if in.Scope != "" {
		return in.Scope
	}
	return in.GroupFolder
}

// Output is the turn result.
type Output struct {
	Status string
	Result string
	Error  string
}

// retryableSubstrings marks transient provider failures worth another
// attempt. Activity timeouts are permanent.
var retryableSubstrings = []string{
	"econnreset", "etimedout", "econnrefused",
	"rate_limit", "overloaded", "529", "503", "502",
	"socket hang up", "network error",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Runner executes agent turns.
type Runner struct {
	provider llm.Provider
	memory   *memory.Manager
	tools    *tools.Registry
	tracker  *sessions.Tracker
	groups   *groups.Registry
	paths    config.Paths
	settings config.Settings
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics attaches the metrics instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner wires a runner.
func NewRunner(provider llm.Provider, mem *memory.Manager, registry *tools.Registry, tracker *sessions.Tracker, groupReg *groups.Registry, paths config.Paths, settings config.Settings, opts ...Option) *Runner {
	r := &Runner{
		provider: provider,
		memory:   mem,
		tools:    registry,
		tracker:  tracker,
		groups:   groupReg,
		paths:    paths,
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "agent")
	return r
}

// Run executes one turn with the invocation retry policy: transient
// provider failures get up to three attempts; watchdog timeouts and
// everything else fail immediately.
func (r *Runner) Run(ctx context.Context, in *Input) *Output {
	start := r.now()
	out, result := retry.DoWithValue(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       0.3,
		RetryIf:      isRetryableError,
	}, func() (*Output, error) {
		return r.runOnce(ctx, in)
	})
	elapsed := r.now().Sub(start)

	if result.Err != nil {
		r.logger.Error("agent turn failed",
			"chat_id", in.ChatID, "attempts", result.Attempts, "error", result.Err)
		r.observe(StatusError, elapsed)
		return &Output{Status: StatusError, Error: userFacingError(result.Err)}
	}
	r.observe(StatusSuccess, elapsed)
	return out
}

func (r *Runner) observe(status string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.AgentInvocationsTotal.WithLabelValues(status).Inc()
	r.metrics.AgentDuration.Observe(elapsed.Seconds())
}

// ExecuteTask adapts the runner to the scheduler: the task prompt runs
// as a turn with no user waiting. Isolated tasks get a scratch memory
// scope so they cannot pollute the group conversation.
func (r *Runner) ExecuteTask(ctx context.Context, task *models.ScheduledTask) (string, error) {
	in := &Input{
		Prompt:          task.Prompt,
		ChatID:          task.ChatID,
		GroupFolder:     task.GroupFolder,
		IsMain:          r.groups != nil && r.groups.IsMain(task.GroupFolder),
		IsScheduledTask: true,
	}
	if task.ContextMode == models.ContextModeIsolated {
		in.Scope = "task-" + task.ID
	}
	out := r.Run(ctx, in)
	if out.Status != StatusSuccess {
		return "", fmt.Errorf("%s", out.Error)
	}
	if in.Scope != "" {
		r.memory.ClearShortTerm(in.Scope)
	}
	return out.Result, nil
}

func (r *Runner) runOnce(ctx context.Context, in *Input) (*Output, error) {
	scope := in.scope()
	snapshot := r.tools.Snapshot()
	base := r.buildSystemPrompt(in, snapshot.Specs())
	system := r.memory.BuildSystemPrompt(scope, base)

	userMsg, memoryText := r.buildUserMessage(in)
	msgs := append(r.memory.GetContext(scope, 0), userMsg)

	// Context-window guard: system prompts are heavily CJK so the
	// estimator overshoots; half of it approximates the real cost.
	window := r.provider.ContextWindow(r.provider.Model())
	used := memory.EstimateText(system)/2 + memory.EstimateHistory(msgs)
	remaining := window - used
	switch {
	case remaining < r.settings.ContextMinTokens:
		return nil, retry.Permanent(fmt.Errorf("上下文已满（剩余约 %d tokens），请先使用 /compact 压缩对话", remaining))
	case remaining < r.settings.ContextWarnTokens:
		r.logger.Info("context low, compacting before turn", "scope", scope, "remaining", remaining)
		if _, err := r.memory.Compact(ctx, scope, r.provider); err != nil {
			r.logger.Warn("pre-turn compaction failed", "scope", scope, "error", err)
		} else {
			system = r.memory.BuildSystemPrompt(scope, base)
			msgs = append(r.memory.GetContext(scope, 0), userMsg)
		}
	}

	timeout := r.settings.AgentTimeout
	if g, err := r.groups.Get(in.ChatID); err == nil && g.AgentConfig != nil && g.AgentConfig.TimeoutMs > 0 {
		timeout = time.Duration(g.AgentConfig.TimeoutMs) * time.Millisecond
	}
	wctx, wd := newWatchdog(ctx, timeout)
	defer wd.Stop()

	opts := llm.Options{
		System:    system,
		MaxTokens: r.settings.MaxOutputTokens,
		Tools:     snapshot.Specs(),
	}
	events, err := r.provider.ChatStream(wctx, msgs, opts)
	if err != nil {
		return nil, r.classify(wd, fmt.Errorf("model call: %w", err))
	}
	resp, err := llm.Collect(events, wd.Reset, in.OnToken)
	if err != nil {
		return nil, r.classify(wd, fmt.Errorf("model stream: %w", err))
	}
	r.recordUsage(in.ChatID, resp.Usage)

	final := llm.ExtractText(resp.Message)
	if resp.StopReason == llm.StopToolUse {
		loop := &llm.ToolLoop{
			Provider:  r.provider,
			ExecTool:  r.execToolFunc(wctx, snapshot, in),
			Heartbeat: wd.Reset,
			OnUsage:   func(u models.TokenUsage) { r.recordUsage(in.ChatID, u) },
			Logger:    r.logger,
		}
		final, err = loop.RunWithOptions(wctx, resp, msgs, opts)
		if err != nil {
			return nil, r.classify(wd, fmt.Errorf("tool loop: %w", err))
		}
	}

	r.memory.AddMessage(scope, models.NewUserText(memoryText))
	if final != "" {
		r.memory.AddMessage(scope, models.NewAssistantText(final))
	}
	if r.memory.NeedsCompaction(scope) {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := r.memory.Compact(bg, scope, r.provider); err != nil {
				r.logger.Warn("background compaction failed", "scope", scope, "error", err)
			}
		}()
	}
	return &Output{Status: StatusSuccess, Result: final}, nil
}

// classify turns watchdog cancellations into permanent errors so the
// retry wrapper does not replay a turn that already ran for the full
// activity window.
func (r *Runner) classify(wd *watchdog, err error) error {
	if wd.Fired() {
		return retry.Permanent(fmt.Errorf("agent timed out waiting for activity: %w", err))
	}
	return err
}

func (r *Runner) recordUsage(chatID string, usage models.TokenUsage) {
	r.tracker.RecordUsage(chatID, usage, r.provider.Model())
	if r.metrics != nil {
		r.metrics.TokensTotal.WithLabelValues(r.provider.Name(), r.provider.Model(), "input").Add(float64(usage.InputTokens))
		r.metrics.TokensTotal.WithLabelValues(r.provider.Name(), r.provider.Model(), "output").Add(float64(usage.OutputTokens))
	}
}

// execToolFunc binds the tool registry snapshot to this turn's chat.
func (r *Runner) execToolFunc(ctx context.Context, snapshot *tools.Snapshot, in *Input) llm.ExecTool {
	emitter := ipc.NewEmitter(r.paths, in.GroupFolder)
	tctx := &tools.Context{
		ChatID:  in.ChatID,
		GroupID: in.GroupFolder,
		UserID:  in.UserID,
		SendMessage: func(text string) error {
			return emitter.EmitMessage(in.ChatID, text)
		},
		SendImage: func(data, caption string) error {
			return emitter.EmitImage(in.ChatID, data, caption)
		},
	}
	return func(toolCtx context.Context, name string, input []byte) (string, error) {
		out, err := snapshot.Dispatch(toolCtx, name, input, tctx)
		if r.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			r.metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()
		}
		return out, err
	}
}

// buildUserMessage renders the prompt plus image attachments. The
// second return value is the text-only form stored in memory.
func (r *Runner) buildUserMessage(in *Input) (models.ChatMessage, string) {
	images := imageAttachments(in.Attachments)
	if len(images) == 0 {
		return models.NewUserText(in.Prompt), in.Prompt
	}

	model := r.provider.Model()
	if !r.provider.SupportsVision(model) {
		text := in.Prompt
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("[用户发送了 %d 张图片，但当前模型 %s 不支持图片输入]", len(images), model)
		return models.NewUserText(text), text
	}

	blocks := make([]models.ContentBlock, 0, len(images)+1)
	if in.Prompt != "" {
		blocks = append(blocks, models.NewTextBlock(in.Prompt))
	}
	attached := 0
	for _, img := range images {
		mediaType, data, ok := decodeImagePayload(img)
		if !ok {
			r.logger.Warn("skipping undecodable image attachment", "chat_id", in.ChatID)
			continue
		}
		if int64(base64.StdEncoding.DecodedLen(len(data))) > r.settings.MaxImageBytes {
			r.logger.Warn("skipping oversize image attachment",
				"chat_id", in.ChatID, "max_bytes", r.settings.MaxImageBytes)
			continue
		}
		blocks = append(blocks, models.NewImageBlock(mediaType, data))
		attached++
	}
	if attached == 0 {
		return models.NewUserText(in.Prompt), in.Prompt
	}
	return models.NewUserBlocks(blocks...), in.Prompt
}

func imageAttachments(atts []models.Attachment) []models.Attachment {
	var out []models.Attachment
	for _, a := range atts {
		if a.Type == models.AttachmentImage && a.Content != "" {
			out = append(out, a)
		}
	}
	return out
}

// decodeImagePayload accepts either a data URL or raw base64 with an
// explicit mime type.
func decodeImagePayload(a models.Attachment) (mediaType, data string, ok bool) {
	content := a.Content
	if strings.HasPrefix(content, "data:") {
		rest := content[len("data:"):]
		sep := strings.Index(rest, ";base64,")
		if sep < 0 {
			return "", "", false
		}
		return rest[:sep], rest[sep+len(";base64,"):], true
	}
	if a.MimeType == "" {
		return "", "", false
	}
	return a.MimeType, content, true
}

// userFacingError maps common failure classes to friendly wording.
func userFacingError(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized"):
		return "API 认证失败，请检查 API key 配置"
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return "API 拒绝了请求，请检查账号权限"
	case strings.Contains(lower, "missing api key"):
		return "未配置 API key，请先设置 ANTHROPIC_API_KEY 或 OPENAI_API_KEY"
	default:
		return msg
	}
}
