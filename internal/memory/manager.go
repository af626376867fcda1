// Package memory maintains per-chat conversational context: a short-term
// message buffer, long-term key/value facts persisted as Markdown, and
// LLM-driven summarisation when token budgets run out.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/llm"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// Config tunes the memory manager.
type Config struct {
	// ContextTokenLimit bounds GetContext's default suffix.
	ContextTokenLimit int

	// CompactThreshold is the estimated-token level at which
	// NeedsCompaction fires; AddMessage hard-evicts at twice this.
	CompactThreshold int

	// CompactKeepTokens is the recent-suffix budget kept verbatim by Compact.
	CompactKeepTokens int

	// MaxCachedScopes caps each in-process cache (short-term, long-term,
	// user); excess scopes are evicted in insertion order.
	MaxCachedScopes int

	// MemoryDir, UserMemoryDir and SessionExportDir are the on-disk homes.
	MemoryDir        string
	UserMemoryDir    string
	SessionExportDir string
}

// DefaultConfig returns the documented budgets.
func DefaultConfig() Config {
	return Config{
		ContextTokenLimit: 100000,
		CompactThreshold:  150000,
		CompactKeepTokens: 30000,
		MaxCachedScopes:   200,
	}
}

func (c *Config) sanitize() {
	if c.ContextTokenLimit <= 0 {
		c.ContextTokenLimit = 100000
	}
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = 150000
	}
	if c.CompactKeepTokens <= 0 {
		c.CompactKeepTokens = 30000
	}
	if c.MaxCachedScopes <= 0 {
		c.MaxCachedScopes = 200
	}
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "memory")
		}
	}
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// scopeCache is an insertion-ordered map with FIFO eviction.
type scopeCache[T any] struct {
	entries map[string]T
	order   []string
	max     int
}

func newScopeCache[T any](max int) *scopeCache[T] {
	return &scopeCache[T]{entries: make(map[string]T), max: max}
}

func (c *scopeCache[T]) get(key string) (T, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// put inserts or replaces a value and returns the evicted key, if any.
func (c *scopeCache[T]) put(key string, value T) (string, bool) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = value
	if len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		return oldest, true
	}
	return "", false
}

func (c *scopeCache[T]) delete(key string) {
	if _, exists := c.entries[key]; !exists {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// CompactResult reports one compaction.
type CompactResult struct {
	OriginalCount  int
	CompactedCount int
	Summary        string
	SavedTokens    int
}

// Manager owns all persisted memory. Short-term buffers and summaries
// live in process; long-term facts mirror the Markdown files.
type Manager struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	short      *scopeCache[[]models.ChatMessage]
	tokens     map[string]int
	summaries  map[string]string
	longTerm   *scopeCache[[]*models.MemoryEntry]
	users      *scopeCache[[]*models.MemoryEntry]
	compacting map[string]bool
}

// NewManager builds a memory manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.sanitize()
	m := &Manager{
		config:     cfg,
		logger:     slog.Default().With("component", "memory"),
		now:        time.Now,
		tokens:     make(map[string]int),
		summaries:  make(map[string]string),
		compacting: make(map[string]bool),
	}
	m.short = newScopeCache[[]models.ChatMessage](cfg.MaxCachedScopes)
	m.longTerm = newScopeCache[[]*models.MemoryEntry](cfg.MaxCachedScopes)
	m.users = newScopeCache[[]*models.MemoryEntry](cfg.MaxCachedScopes)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddMessage appends to the group's short-term buffer, hard-evicting the
// oldest messages when the buffer runs past twice the compact threshold.
func (m *Manager) AddMessage(groupID string, msg models.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, _ := m.short.get(groupID)
	msgs = append(msgs, msg)
	m.tokens[groupID] += EstimateMessage(msg)

	ceiling := 2 * m.config.CompactThreshold
	for m.tokens[groupID] > ceiling && len(msgs) > 10 {
		m.tokens[groupID] -= EstimateMessage(msgs[0])
		msgs = msgs[1:]
	}

	if evicted, ok := m.short.put(groupID, msgs); ok {
		delete(m.tokens, evicted)
		delete(m.summaries, evicted)
		m.logger.Debug("evicted short-term scope", "group_id", evicted)
	}
}

// GetContext returns the most-recent suffix whose estimated tokens fit
// maxTokens (<=0 means the configured default). A single oversize message
// is still returned alone.
func (m *Manager) GetContext(groupID string, maxTokens int) []models.ChatMessage {
	if maxTokens <= 0 {
		maxTokens = m.config.ContextTokenLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, _ := m.short.get(groupID)
	if len(msgs) == 0 {
		return nil
	}

	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateMessage(msgs[i])
		if total+cost > maxTokens {
			break
		}
		total += cost
		start = i
	}
	if start == len(msgs) {
		// Even the newest message alone exceeds the limit.
		start = len(msgs) - 1
	}

	out := make([]models.ChatMessage, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// HistoryLen returns the short-term buffer length.
func (m *Manager) HistoryLen(groupID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, _ := m.short.get(groupID)
	return len(msgs)
}

// EstimatedTokens returns the incremental token account for a group.
func (m *Manager) EstimatedTokens(groupID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[groupID]
}

// ClearShortTerm drops the group's buffer and cached summary.
func (m *Manager) ClearShortTerm(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.short.delete(groupID)
	delete(m.tokens, groupID)
	delete(m.summaries, groupID)
}

// NeedsCompaction reports whether the group's estimated tokens exceed
// the compact threshold.
func (m *Manager) NeedsCompaction(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[groupID] > m.config.CompactThreshold
}

// Summary returns the cached conversation summary, if any.
func (m *Manager) Summary(groupID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaries[groupID]
}

// SetSummary replaces the cached summary (used by the /compact command).
func (m *Manager) SetSummary(groupID, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[groupID] = summary
}

const summarySystemPrompt = "你是一个对话摘要助手。请把下面的对话压缩成一段简洁的中文摘要，" +
	"保留关键事实、决定和未完成的事项，以 `## 对话摘要` 开头。"

// Compact summarises everything older than the keep budget through the
// model and replaces the stored prefix. Reentrant calls and groups with
// nothing to compress return a no-op result; a failed model call leaves
// state unchanged.
func (m *Manager) Compact(ctx context.Context, groupID string, provider llm.Provider) (*CompactResult, error) {
	m.mu.Lock()
	if m.compacting[groupID] {
		m.mu.Unlock()
		return &CompactResult{}, nil
	}
	m.compacting[groupID] = true
	msgs, _ := m.short.get(groupID)
	snapshot := make([]models.ChatMessage, len(msgs))
	copy(snapshot, msgs)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.compacting, groupID)
		m.mu.Unlock()
	}()

	// Newest-first: keep the suffix that fits the keep budget.
	keepStart := len(snapshot)
	budget := 0
	for i := len(snapshot) - 1; i >= 0; i-- {
		cost := EstimateMessage(snapshot[i])
		if budget+cost > m.config.CompactKeepTokens {
			break
		}
		budget += cost
		keepStart = i
	}
	toCompress := snapshot[:keepStart]
	if len(toCompress) == 0 {
		return &CompactResult{OriginalCount: len(snapshot), CompactedCount: len(snapshot)}, nil
	}

	transcript := formatTranscript(toCompress)
	resp, err := provider.Chat(ctx, []models.ChatMessage{models.NewUserText(transcript)}, llm.Options{
		System:      summarySystemPrompt,
		Temperature: 0.3,
	})
	if err != nil {
		m.logger.Warn("compaction summarisation failed", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("compact %s: %w", groupID, err)
	}
	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		return nil, fmt.Errorf("compact %s: empty summary", groupID)
	}

	m.mu.Lock()
	current, _ := m.short.get(groupID)
	// Messages appended while summarising stay; the summarised prefix goes.
	var appended []models.ChatMessage
	if len(current) > len(snapshot) {
		appended = current[len(snapshot):]
	}
	kept := make([]models.ChatMessage, 0, len(snapshot)-keepStart+len(appended))
	kept = append(kept, snapshot[keepStart:]...)
	kept = append(kept, appended...)
	m.short.put(groupID, kept)
	m.tokens[groupID] = EstimateHistory(kept)
	m.summaries[groupID] = summary
	m.mu.Unlock()

	saved := EstimateHistory(toCompress)
	m.logger.Info("compacted conversation",
		"group_id", groupID,
		"original", len(snapshot),
		"kept", len(kept),
		"saved_tokens", saved)
	return &CompactResult{
		OriginalCount:  len(snapshot),
		CompactedCount: len(kept),
		Summary:        summary,
		SavedTokens:    saved,
	}, nil
}

func formatTranscript(msgs []models.ChatMessage) string {
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

// BuildSystemPrompt concatenates the base prompt, the cached summary and
// the long-term facts for a group.
func (m *Manager) BuildSystemPrompt(groupID, base string) string {
	var b strings.Builder
	b.WriteString(base)

	if summary := m.Summary(groupID); summary != "" {
		b.WriteString("\n\n## 之前对话的摘要\n\n")
		b.WriteString(summary)
	}
	if facts := m.Recall(groupID, ""); facts != "" {
		b.WriteString("\n\n## 关于这个群组/用户的记忆\n\n")
		b.WriteString(facts)
	}
	return b.String()
}

// scopePath maps an id to its Markdown file.
func (m *Manager) scopePath(id string, user bool) string {
	dir := m.config.MemoryDir
	if user {
		dir = m.config.UserMemoryDir
	}
	return filepath.Join(dir, config.SafeID(id)+".md")
}

func (m *Manager) loadScopeLocked(cache *scopeCache[[]*models.MemoryEntry], id string, user bool) []*models.MemoryEntry {
	if entries, ok := cache.get(id); ok {
		return entries
	}
	var entries []*models.MemoryEntry
	data, err := os.ReadFile(m.scopePath(id, user))
	if err == nil {
		entries = ParseMemoryFile(string(data), m.now())
	} else if !os.IsNotExist(err) {
		m.logger.Warn("failed to read memory file", "id", id, "error", err)
	}
	cache.put(id, entries)
	return entries
}

func (m *Manager) saveScope(id string, user bool, entries []*models.MemoryEntry) error {
	path := m.scopePath(id, user)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir memory dir: %w", err)
	}
	content := FormatMemoryFile(config.SafeID(id), entries, m.now())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename memory file: %w", err)
	}
	return nil
}

func (m *Manager) remember(cache *scopeCache[[]*models.MemoryEntry], id string, user bool, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.loadScopeLocked(cache, id, user)
	now := m.now()
	found := false
	for _, e := range entries {
		if e.Key == key {
			e.Value = value
			e.UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, &models.MemoryEntry{Key: key, Value: value, CreatedAt: now, UpdatedAt: now})
	}
	cache.put(id, entries)
	return m.saveScope(id, user, entries)
}

func (m *Manager) recall(cache *scopeCache[[]*models.MemoryEntry], id string, user bool, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.loadScopeLocked(cache, id, user)
	if key != "" {
		for _, e := range entries {
			if e.Key == key {
				return e.Value
			}
		}
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("- %s: %s", e.Key, e.Value))
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) forget(cache *scopeCache[[]*models.MemoryEntry], id string, user bool, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.loadScopeLocked(cache, id, user)
	for i, e := range entries {
		if e.Key == key {
			entries = append(entries[:i], entries[i+1:]...)
			cache.put(id, entries)
			return true, m.saveScope(id, user, entries)
		}
	}
	return false, nil
}

// Remember stores or updates a long-term fact for a group, preserving
// the original CreatedAt on update.
func (m *Manager) Remember(groupID, key, value string) error {
	return m.remember(m.longTerm, groupID, false, key, value)
}

// Recall returns one fact by key, or all facts as "- k: v" lines when
// key is empty, in insertion order.
func (m *Manager) Recall(groupID, key string) string {
	return m.recall(m.longTerm, groupID, false, key)
}

// Forget removes a fact; it reports whether the key existed.
func (m *Manager) Forget(groupID, key string) (bool, error) {
	return m.forget(m.longTerm, groupID, false, key)
}

// RememberUser, RecallUser and ForgetUser mirror the group operations
// scoped to a user across chats.
func (m *Manager) RememberUser(userID, key, value string) error {
	return m.remember(m.users, userID, true, key, value)
}

func (m *Manager) RecallUser(userID, key string) string {
	return m.recall(m.users, userID, true, key)
}

func (m *Manager) ForgetUser(userID, key string) (bool, error) {
	return m.forget(m.users, userID, true, key)
}
