package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// sessionSnapshot is the on-disk shape of data/sessions.json.
type sessionSnapshot struct {
	Buffers   map[string][]models.ChatMessage `json:"buffers"`
	Summaries map[string]string               `json:"summaries"`
}

// SnapshotTo persists every short-term buffer and cached summary so a
// restart can resume conversations.
func (m *Manager) SnapshotTo(path string) error {
	m.mu.Lock()
	snap := sessionSnapshot{
		Buffers:   make(map[string][]models.ChatMessage, len(m.short.entries)),
		Summaries: make(map[string]string, len(m.summaries)),
	}
	for id, msgs := range m.short.entries {
		copied := make([]models.ChatMessage, len(msgs))
		copy(copied, msgs)
		snap.Buffers[id] = copied
	}
	for id, summary := range m.summaries {
		snap.Summaries[id] = summary
	}
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal sessions snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sessions snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename sessions snapshot: %w", err)
	}
	return nil
}

// RestoreFrom loads a snapshot written by SnapshotTo. A missing file is
// not an error; a malformed one is logged and skipped.
func (m *Manager) RestoreFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sessions snapshot: %w", err)
	}
	var snap sessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("malformed sessions snapshot, skipping", "path", path, "error", err)
		return nil
	}

	m.mu.Lock()
	for id, msgs := range snap.Buffers {
		if id == "" {
			continue
		}
		m.short.put(id, msgs)
		m.tokens[id] = EstimateHistory(msgs)
	}
	for id, summary := range snap.Summaries {
		m.summaries[id] = summary
	}
	m.mu.Unlock()
	return nil
}
