package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/llm"
)

// defaultGroupPrompt is the fallback persona when a group has no
// CLAUDE.md of its own.
const defaultGroupPrompt = `你是一个友好、可靠的聊天助手。回答保持简洁，中文消息用中文回复。
需要执行操作时使用提供的工具；不确定时直接说明，不要编造。`

// buildSystemPrompt assembles the base system prompt in order: soul,
// group guide, time context, tools, role hints. Memory (summary and
// long-term facts) is layered on by the caller.
func (r *Runner) buildSystemPrompt(in *Input, specs []llm.ToolSpec) string {
	var b strings.Builder

	if soul := r.loadSoul(in.GroupFolder); soul != "" {
		b.WriteString(soul)
		b.WriteString("\n\n")
	}

	guide := groups.ReadGroupFile(r.paths, in.GroupFolder, "CLAUDE.md")
	if guide == "" {
		guide = defaultGroupPrompt
	}
	b.WriteString(guide)
	b.WriteString("\n\n")

	now := r.now().In(r.settings.Location())
	fmt.Fprintf(&b, "## 当前时间\n\n本地时间: %s\nISO 时间: %s\n时区: %s\n\n",
		now.Format("2006-01-02 15:04:05 Monday"),
		now.Format(time.RFC3339),
		now.Location().String())

	if len(specs) > 0 {
		b.WriteString("## 可用工具\n\n")
		for _, spec := range specs {
			fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		}
		b.WriteString("\n")
	}

	// Concrete future instants keep schedule_task arguments honest.
	fmt.Fprintf(&b, "创建定时任务时可参考的未来时间点: 10秒后 %s，30秒后 %s，1分钟后 %s，5分钟后 %s。\n",
		now.Add(10*time.Second).Format(time.RFC3339),
		now.Add(30*time.Second).Format(time.RFC3339),
		now.Add(time.Minute).Format(time.RFC3339),
		now.Add(5*time.Minute).Format(time.RFC3339))

	if in.IsMain {
		b.WriteString("\n你在主会话中，拥有管理权限：可以注册新群组、管理所有群组的定时任务。\n")
	}
	if in.IsScheduledTask {
		b.WriteString("\n这是一次定时任务触发的执行，没有用户在等待回复。要把结果告知用户时，必须使用 send_message 工具。\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// loadSoul returns the group's SOUL.md when present, otherwise the
// global one at the state root.
func (r *Runner) loadSoul(folder string) string {
	if soul := groups.ReadGroupFile(r.paths, folder, "SOUL.md"); soul != "" {
		return soul
	}
	data, err := os.ReadFile(filepath.Join(r.paths.Root, "SOUL.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
