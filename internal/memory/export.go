package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// ExportSession writes the group's short-term log to
// <exportDir>/<YYYY-MM-DD>-<safeName>.md and returns the path.
func (m *Manager) ExportSession(groupID, name string) (string, error) {
	if m.config.SessionExportDir == "" {
		return "", fmt.Errorf("session export dir not configured")
	}
	m.mu.Lock()
	msgs, _ := m.short.get(groupID)
	snapshot := make([]models.ChatMessage, len(msgs))
	copy(snapshot, msgs)
	m.mu.Unlock()

	if err := os.MkdirAll(m.config.SessionExportDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir export dir: %w", err)
	}
	now := m.now()
	path := filepath.Join(m.config.SessionExportDir,
		fmt.Sprintf("%s-%s.md", now.Format("2006-01-02"), config.SafeID(name)))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s 会话记录\n\n> 导出时间: %s\n", name, now.Format("2006-01-02 15:04:05"))
	for _, msg := range snapshot {
		heading := "## 👤 用户"
		if msg.Role == models.RoleAssistant {
			heading = "## 🤖 助手"
		}
		text := msg.Text()
		if !msg.TextOnly() {
			if text != "" {
				text += "\n\n[包含图片/媒体内容]"
			} else {
				text = "[包含图片/媒体内容]"
			}
		}
		fmt.Fprintf(&b, "\n%s\n\n%s\n", heading, text)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write session export: %w", err)
	}
	return path, nil
}
