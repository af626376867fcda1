package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/flashclaw/flashclaw/internal/llm"
	"github.com/flashclaw/flashclaw/internal/memory"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/pkg/models"
)

const compactSystemPrompt = "你是一个对话摘要助手。请把下面的对话压缩成 2-3 句中文摘要，" +
	"保留关键事实、决定和未完成的事项。"

// TaskLister lists scheduled tasks for one group.
type TaskLister interface {
	ListTasks(ctx context.Context, groupFolder string) ([]*models.ScheduledTask, error)
}

// Deps are the services the built-in commands operate on.
type Deps struct {
	Memory   *memory.Manager
	Tracker  *sessions.Tracker
	Tasks    TaskLister
	Provider llm.Provider
}

// RegisterBuiltins wires the standard command set into a registry.
func RegisterBuiltins(r *Registry, deps Deps) error {
	cmds := []*Command{
		{
			Name:        "status",
			Aliases:     []string{"状态"},
			Description: "查看当前会话的 token 用量和上下文占用",
			Handler:     deps.statusHandler,
		},
		{
			Name:        "tasks",
			Aliases:     []string{"任务"},
			Description: "列出本群组的定时任务",
			Handler:     deps.tasksHandler,
		},
		{
			Name:        "compact",
			Aliases:     []string{"压缩"},
			Description: "压缩当前对话为摘要并重置会话",
			Handler:     deps.compactHandler,
		},
		{
			Name:        "reset",
			Aliases:     []string{"重置"},
			Description: "清空当前会话的短期记忆和统计",
			Handler:     deps.resetHandler,
		},
	}
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return r.Register(&Command{
		Name:        "help",
		Aliases:     []string{"帮助"},
		Description: "显示可用命令",
		Handler:     helpHandler(r),
	})
}

func (d Deps) statusHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	var b strings.Builder
	b.WriteString("## 会话状态\n\n")

	if stats, ok := d.Tracker.Stats(inv.ChatID); ok {
		fmt.Fprintf(&b, "模型: %s\n消息数: %d\n输入 tokens: %d\n输出 tokens: %d\n累计 tokens: %d\n",
			stats.Model, stats.MessageCount, stats.InputTokens, stats.OutputTokens, stats.TotalTokens)
	} else {
		b.WriteString("本会话还没有任何统计。\n")
	}

	used := d.Memory.EstimatedTokens(inv.GroupFolder)
	window := d.Provider.ContextWindow(d.Provider.Model())
	if window > 0 {
		fmt.Fprintf(&b, "上下文占用: 约 %d / %d tokens (%d%%)\n", used, window, used*100/window)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (d Deps) tasksHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	tasks, err := d.Tasks.ListTasks(ctx, inv.GroupFolder)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return &Result{Text: "当前没有定时任务。"}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "共 %d 个定时任务:\n", len(tasks))
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "- [%s] %s (%s %s) 下次: %s 状态: %s\n",
			t.ID, firstLine(t.Prompt, 60), t.ScheduleType, t.ScheduleValue, next, t.Status)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

// compactHandler summarises the whole conversation, replies with the
// summary, and resets the short-term buffer and the token ledger. The
// summary stays attached to the scope so the next turn keeps continuity.
func (d Deps) compactHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	msgs := d.Memory.GetContext(inv.GroupFolder, 0)
	if len(msgs) == 0 {
		return &Result{Text: "当前会话没有可压缩的对话。"}, nil
	}

	resp, err := d.Provider.Chat(ctx, []models.ChatMessage{models.NewUserText(transcript(msgs))}, llm.Options{
		System:      compactSystemPrompt,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("summarise conversation: %w", err)
	}
	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		return nil, fmt.Errorf("summarise conversation: empty summary")
	}

	d.Memory.ClearShortTerm(inv.GroupFolder)
	d.Memory.SetSummary(inv.GroupFolder, summary)
	d.Tracker.Reset(inv.ChatID)
	return &Result{Text: "已压缩会话并重置统计。\n\n摘要: " + summary}, nil
}

func (d Deps) resetHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	d.Memory.ClearShortTerm(inv.GroupFolder)
	d.Memory.SetSummary(inv.GroupFolder, "")
	d.Tracker.Reset(inv.ChatID)
	return &Result{Text: "会话已重置。"}, nil
}

func helpHandler(r *Registry) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		var b strings.Builder
		b.WriteString("可用命令:\n")
		for _, cmd := range r.List() {
			alias := ""
			if len(cmd.Aliases) > 0 {
				alias = " (/" + strings.Join(cmd.Aliases, " /") + ")"
			}
			fmt.Fprintf(&b, "/%s%s - %s\n", cmd.Name, alias, cmd.Description)
		}
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
}

func transcript(msgs []models.ChatMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		role := "用户"
		if msg.Role == models.RoleAssistant {
			role = "助手"
		}
		text := msg.Text()
		if text == "" {
			text = "[包含图片/媒体内容]"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, text)
	}
	return b.String()
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}
