package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flashclaw/flashclaw/pkg/models"
)

const (
	// MaxToolResultChars caps a single tool result fed back to the model.
	MaxToolResultChars = 4000

	// KeepRecentToolRounds is how many recent tool rounds stay verbatim in
	// the working history; older rounds are compressed to placeholders.
	KeepRecentToolRounds = 2

	// MaxToolCallDepth bounds the tool-use recursion.
	MaxToolCallDepth = 20
)

// DepthExceededText is returned when the tool chain hits MaxToolCallDepth.
const DepthExceededText = "[工具调用链过深（超过 20 轮），已强制终止]"

// ExecTool dispatches one tool invocation and returns its textual result.
type ExecTool func(ctx context.Context, name string, input []byte) (string, error)

// ToolLoop drives the tool-use recursion for one invocation.
type ToolLoop struct {
	Provider Provider

	// ExecTool runs one tool call. Failures become is_error tool results;
	// they never abort the turn.
	ExecTool ExecTool

	// Heartbeat is invoked before and after every suspension point: each
	// tool call and each follow-up stream event. May be nil.
	Heartbeat func()

	// OnUsage receives the token usage of every follow-up call. May be nil.
	OnUsage func(models.TokenUsage)

	// KeepRecentRounds and MaxDepth default to the package constants.
	KeepRecentRounds int
	MaxDepth         int

	Logger *slog.Logger
}

func (l *ToolLoop) sanitize() {
	if l.KeepRecentRounds <= 0 {
		l.KeepRecentRounds = KeepRecentToolRounds
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = MaxToolCallDepth
	}
	if l.Logger == nil {
		l.Logger = slog.Default().With("component", "toolloop")
	}
}

func (l *ToolLoop) beat() {
	if l.Heartbeat != nil {
		l.Heartbeat()
	}
}

// Run executes the tool-use recursion starting from resp. msgs is the
// history that produced resp, without resp itself. It returns the final
// assistant text once the model stops requesting tools.
func (l *ToolLoop) Run(ctx context.Context, resp *Response, msgs []models.ChatMessage) (string, error) {
	return l.RunWithOptions(ctx, resp, msgs, Options{})
}

// RunWithOptions is Run with the system/tools/maxTokens used for
// follow-up calls.
func (l *ToolLoop) RunWithOptions(ctx context.Context, resp *Response, msgs []models.ChatMessage, opts Options) (string, error) {
	l.sanitize()

	working := make([]models.ChatMessage, len(msgs))
	copy(working, msgs)

	for depth := 0; ; depth++ {
		uses := resp.Message.ToolUses()
		if len(uses) == 0 {
			return ExtractText(resp.Message), nil
		}
		if depth >= l.MaxDepth {
			l.Logger.Warn("tool call depth exceeded", "depth", depth)
			if text := ExtractText(resp.Message); text != "" {
				return text, nil
			}
			return DepthExceededText, nil
		}

		// The assistant message keeps its full content, tool_use blocks
		// included, so the wire history stays self-consistent.
		working = append(working, resp.Message)

		results := make([]models.ContentBlock, 0, len(uses))
		for _, use := range uses {
			l.beat()
			out, err := l.ExecTool(ctx, use.Name, use.Input)
			if err != nil {
				l.Logger.Warn("tool execution failed", "tool", use.Name, "error", err)
				results = append(results, models.NewToolResultBlock(use.ID, "工具执行失败: "+err.Error(), true))
				continue
			}
			results = append(results, models.NewToolResultBlock(use.ID, Truncate(out, MaxToolResultChars), false))
		}
		working = append(working, models.NewUserBlocks(results...))
		l.beat()

		if depth+1 >= l.KeepRecentRounds {
			working = CompressToolRounds(working, l.KeepRecentRounds)
		}

		events, err := l.Provider.ChatStream(ctx, working, opts)
		if err != nil {
			return "", fmt.Errorf("tool loop follow-up: %w", err)
		}
		next, err := Collect(events, l.beat, nil)
		if err != nil {
			return "", fmt.Errorf("tool loop follow-up: %w", err)
		}
		if l.OnUsage != nil {
			l.OnUsage(next.Usage)
		}

		if next.StopReason != StopToolUse {
			return ExtractText(next.Message), nil
		}
		resp = next
	}
}

// HandleToolUse is the convenience entry point matching the provider port.
func HandleToolUse(ctx context.Context, p Provider, resp *Response, msgs []models.ChatMessage, execTool ExecTool, opts Options, heartbeat func()) (string, error) {
	loop := &ToolLoop{Provider: p, ExecTool: execTool, Heartbeat: heartbeat}
	return loop.RunWithOptions(ctx, resp, msgs, opts)
}

// CompressToolRounds rewrites all but the keepRecent most recent tool
// rounds into short placeholders. A round is an assistant message with
// tool_use blocks plus the user message with the paired tool_results;
// both halves are rewritten together so no pairing is left dangling.
func CompressToolRounds(msgs []models.ChatMessage, keepRecent int) []models.ChatMessage {
	var roundIdx []int
	for i, msg := range msgs {
		if msg.Role == models.RoleAssistant && msg.HasToolUse() {
			roundIdx = append(roundIdx, i)
		}
	}
	if len(roundIdx) <= keepRecent {
		return msgs
	}

	for _, i := range roundIdx[:len(roundIdx)-keepRecent] {
		msgs[i] = compressAssistant(msgs[i])
		if i+1 < len(msgs) && msgs[i+1].Role == models.RoleUser {
			if results := msgs[i+1].ToolResults(); len(results) > 0 {
				msgs[i+1] = compressResults(results)
			}
		}
	}
	return msgs
}

func compressAssistant(msg models.ChatMessage) models.ChatMessage {
	var parts []string
	for _, b := range msg.Content {
		switch b.Type {
		case models.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case models.BlockToolUse:
			parts = append(parts, fmt.Sprintf("[已执行工具 %s(%s)]", b.Name, preview(string(b.Input), 80)))
		}
	}
	return models.NewAssistantText(strings.Join(parts, "\n"))
}

func compressResults(results []models.ContentBlock) models.ChatMessage {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.IsError {
			parts = append(parts, fmt.Sprintf("[失败: %s]", preview(r.Content, 100)))
		} else {
			parts = append(parts, fmt.Sprintf("[成功: %s]", preview(r.Content, 100)))
		}
	}
	return models.NewUserText(strings.Join(parts, "\n"))
}
