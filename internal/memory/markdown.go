package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// Long-term facts persist as Markdown: one `### key` heading per entry,
// the value below it, and an HTML comment carrying the timestamps. The
// file on disk is canonical; the in-process cache is just a mirror.

var entryMetaPattern = regexp.MustCompile(`^<!-- created: (.*), updated: (.*) -->$`)

// FormatMemoryFile renders a scope's entries in the canonical layout.
func FormatMemoryFile(scope string, entries []*models.MemoryEntry, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s 的长期记忆\n\n", scope)
	fmt.Fprintf(&b, "> 最后更新: %s\n", now.Format(time.RFC3339))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n### %s\n\n%s\n\n<!-- created: %s, updated: %s -->\n",
			e.Key,
			strings.TrimRight(e.Value, "\n"),
			e.CreatedAt.Format(time.RFC3339),
			e.UpdatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// ParseMemoryFile reads entries back from the canonical layout. Missing
// or malformed timestamp comments fall back to now; insertion order and
// multi-line values are preserved.
func ParseMemoryFile(content string, now time.Time) []*models.MemoryEntry {
	var entries []*models.MemoryEntry
	var current *models.MemoryEntry
	var valueLines []string

	flush := func() {
		if current == nil {
			return
		}
		current.Value = strings.TrimSpace(strings.Join(valueLines, "\n"))
		if current.CreatedAt.IsZero() {
			current.CreatedAt = now
		}
		if current.UpdatedAt.IsZero() {
			current.UpdatedAt = now
		}
		entries = append(entries, current)
		current = nil
		valueLines = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if key, ok := strings.CutPrefix(line, "### "); ok {
			flush()
			current = &models.MemoryEntry{Key: strings.TrimSpace(key)}
			continue
		}
		if current == nil {
			continue
		}
		if m := entryMetaPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
				current.CreatedAt = ts
			}
			if ts, err := time.Parse(time.RFC3339, m[2]); err == nil {
				current.UpdatedAt = ts
			}
			continue
		}
		valueLines = append(valueLines, line)
	}
	flush()
	return entries
}
