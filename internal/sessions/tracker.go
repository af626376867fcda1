// Package sessions tracks per-chat token usage against each model's
// context window and decides when to suggest compaction.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// DefaultContextWindow is assumed for models missing from the table.
const DefaultContextWindow = 200000

// CompactThresholdRatio is the context utilisation at which a compaction
// suggestion fires, once per session.
const CompactThresholdRatio = 0.70

// contextWindows maps known model ids to their context window size.
var contextWindows = map[string]int{
	"claude-sonnet-4-20250514":   200000,
	"claude-opus-4-20250514":     200000,
	"claude-3-5-sonnet-20241022": 200000,
	"claude-3-5-haiku-20241022":  200000,
	"claude-3-opus-20240229":     200000,
	"claude-3-haiku-20240307":    200000,
	"gpt-4o":                     128000,
	"gpt-4o-mini":                128000,
	"gpt-4-turbo":                128000,
	"gpt-4":                      8192,
	"gpt-3.5-turbo":              16385,
}

// ContextWindow returns the context window for a model id. Claude family
// ids not in the table still resolve to 200k via the default.
func ContextWindow(model string) int {
	if limit, ok := contextWindows[model]; ok {
		return limit
	}
	return DefaultContextWindow
}

const (
	persistDebounce = time.Second
	maxSnapshotSize = 10 << 20

	evictInterval = time.Hour
	idleTimeout   = 24 * time.Hour
)

// TrackerConfig configures the session tracker.
type TrackerConfig struct {
	// Path is the JSON snapshot location (cache/session-tracker.json).
	// Empty disables persistence.
	Path string

	// DefaultModel is recorded on sessions created without a model hint.
	DefaultModel string
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger.With("component", "sessions")
		}
	}
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker is the per-chat token ledger. It is the only writer of
// SessionStats; callers get copies.
type Tracker struct {
	config TrackerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.SessionStats

	persistTimer  *time.Timer
	persistDirty  bool
	evictStop     chan struct{}
	evictStopOnce sync.Once
}

// NewTracker builds a tracker, loads the snapshot when present, and
// starts the idle-session eviction loop.
func NewTracker(config TrackerConfig, opts ...Option) *Tracker {
	t := &Tracker{
		config:    config,
		logger:    slog.Default().With("component", "sessions"),
		now:       time.Now,
		sessions:  make(map[string]*models.SessionStats),
		evictStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.load()
	go t.evictLoop()
	return t
}

// GetOrCreate returns a copy of the chat's stats, creating the session
// on first use.
func (t *Tracker) GetOrCreate(chatID, model string) models.SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreateLocked(chatID, model)
	return *s
}

func (t *Tracker) getOrCreateLocked(chatID, model string) *models.SessionStats {
	if s, ok := t.sessions[chatID]; ok {
		if model != "" {
			s.Model = model
		}
		return s
	}
	if model == "" {
		model = t.config.DefaultModel
	}
	now := t.now()
	s := &models.SessionStats{
		ChatID:         chatID,
		Model:          model,
		StartedAt:      now,
		LastActivityAt: now,
	}
	t.sessions[chatID] = s
	return s
}

// RecordUsage adds a usage report to the chat's counters. Negative or
// empty reports are logged and ignored; counters never decrease.
func (t *Tracker) RecordUsage(chatID string, usage models.TokenUsage, model string) {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 {
		t.logger.Warn("ignoring invalid usage report",
			"chat_id", chatID,
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens)
		return
	}

	t.mu.Lock()
	s := t.getOrCreateLocked(chatID, model)
	s.MessageCount++
	s.InputTokens += usage.InputTokens
	s.OutputTokens += usage.OutputTokens
	s.TotalTokens = s.InputTokens + s.OutputTokens
	s.LastActivityAt = t.now()
	t.schedulePersistLocked()
	t.mu.Unlock()
}

// Stats returns a copy of the chat's stats.
func (t *Tracker) Stats(chatID string) (models.SessionStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[chatID]
	if !ok {
		return models.SessionStats{}, false
	}
	return *s, true
}

// CheckCompactThreshold reports the context utilisation percentage the
// first time it reaches the threshold. Later calls return false until
// Reset; the session is marked so the suggestion fires once.
func (t *Tracker) CheckCompactThreshold(chatID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[chatID]
	if !ok || s.CompactSuggested {
		return 0, false
	}
	limit := ContextWindow(s.Model)
	ratio := float64(s.TotalTokens) / float64(limit)
	if ratio < CompactThresholdRatio {
		return 0, false
	}
	s.CompactSuggested = true
	t.schedulePersistLocked()
	return int(ratio*100 + 0.5), true
}

// Reset discards the chat's session so counters and the compaction
// suggestion start over.
func (t *Tracker) Reset(chatID string) {
	t.mu.Lock()
	delete(t.sessions, chatID)
	t.schedulePersistLocked()
	t.mu.Unlock()
}

// Shutdown stops the eviction loop and flushes the snapshot.
func (t *Tracker) Shutdown() {
	t.evictStopOnce.Do(func() { close(t.evictStop) })

	t.mu.Lock()
	if t.persistTimer != nil {
		t.persistTimer.Stop()
		t.persistTimer = nil
	}
	t.persistDirty = false
	t.mu.Unlock()

	if err := t.persist(); err != nil {
		t.logger.Warn("failed to flush session snapshot", "error", err)
	}
}

func (t *Tracker) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.evictStop:
			return
		case <-ticker.C:
			t.evictIdle()
		}
	}
}

func (t *Tracker) evictIdle() {
	cutoff := t.now().Add(-idleTimeout)
	t.mu.Lock()
	for chatID, s := range t.sessions {
		if s.LastActivityAt.Before(cutoff) {
			delete(t.sessions, chatID)
			t.logger.Debug("evicted idle session", "chat_id", chatID)
		}
	}
	t.schedulePersistLocked()
	t.mu.Unlock()
}

// schedulePersistLocked coalesces writes: at most one snapshot per
// debounce window. Caller holds t.mu.
func (t *Tracker) schedulePersistLocked() {
	if t.config.Path == "" {
		return
	}
	t.persistDirty = true
	if t.persistTimer != nil {
		return
	}
	t.persistTimer = time.AfterFunc(persistDebounce, func() {
		t.mu.Lock()
		t.persistTimer = nil
		dirty := t.persistDirty
		t.persistDirty = false
		t.mu.Unlock()
		if !dirty {
			return
		}
		if err := t.persist(); err != nil {
			t.logger.Warn("failed to persist session snapshot", "error", err)
		}
	})
}

type snapshot struct {
	Sessions map[string]*models.SessionStats `json:"sessions"`
	SavedAt  time.Time                       `json:"saved_at"`
}

func (t *Tracker) persist() error {
	if t.config.Path == "" {
		return nil
	}

	t.mu.Lock()
	snap := snapshot{Sessions: make(map[string]*models.SessionStats, len(t.sessions)), SavedAt: t.now()}
	for chatID, s := range t.sessions {
		copied := *s
		snap.Sessions[chatID] = &copied
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.config.Path), 0o755); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}
	tmp := t.config.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, t.config.Path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (t *Tracker) load() {
	if t.config.Path == "" {
		return
	}
	info, err := os.Stat(t.config.Path)
	if err != nil {
		return
	}
	if info.Size() > maxSnapshotSize {
		t.logger.Warn("session snapshot too large, skipping",
			"path", t.config.Path, "size", info.Size())
		return
	}
	data, err := os.ReadFile(t.config.Path)
	if err != nil {
		t.logger.Warn("failed to read session snapshot", "error", err)
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.logger.Warn("failed to parse session snapshot", "error", err)
		return
	}
	t.mu.Lock()
	for chatID, s := range snap.Sessions {
		if chatID == "" || s == nil {
			continue
		}
		t.sessions[chatID] = s
	}
	t.mu.Unlock()
}

// FormatTokenCount renders a token count with a k/M suffix for display.
func FormatTokenCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// IsClaudeModel reports whether a model id belongs to the Claude family.
func IsClaudeModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}
