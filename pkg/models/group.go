package models

import "time"

// AgentConfig carries per-chat agent overrides.
type AgentConfig struct {
	// TimeoutMs overrides the global activity timeout when > 0.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// Group is a registered chat. "Group" is FlashClaw's name for any
// conversation, including direct chats; Folder is its filesystem home
// under groups/.
type Group struct {
	ChatID      string       `json:"chat_id"`
	Name        string       `json:"name,omitempty"`
	Folder      string       `json:"folder"`
	Platform    Platform     `json:"platform,omitempty"`
	ChatType    ChatType     `json:"chat_type,omitempty"`
	Trigger     string       `json:"trigger,omitempty"`
	AgentConfig *AgentConfig `json:"agent_config,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}

// SessionStats is the per-chat token ledger kept by the session tracker.
// Counters only grow; Reset replaces the whole record.
type SessionStats struct {
	ChatID           string    `json:"chat_id"`
	MessageCount     int64     `json:"message_count"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Model            string    `json:"model"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	CompactSuggested bool      `json:"compact_suggested"`
}

// MemoryEntry is one long-term fact. CreatedAt survives value updates.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenUsage is one usage report from a provider.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
