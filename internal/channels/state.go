package channels

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxSeenPerChat bounds the per-chat dedupe window. Old ids roll off in
// arrival order.
const maxSeenPerChat = 500

// persistDebounce batches router-state writes.
const persistDebounce = time.Second

// RouterState remembers recently seen message ids per chat so duplicate
// deliveries are dropped, across restarts included. It persists to
// data/router_state.json, debounced.
type RouterState struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	seen  map[string][]string
	index map[string]map[string]struct{}
	timer *time.Timer
	dirty bool
}

type routerStateFile struct {
	Seen    map[string][]string `json:"seen"`
	SavedAt time.Time           `json:"saved_at"`
}

// LoadRouterState reads the state file; a missing or corrupt file yields
// a fresh state.
func LoadRouterState(path string, logger *slog.Logger) *RouterState {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RouterState{
		path:   path,
		logger: logger.With("component", "channels"),
		seen:   make(map[string][]string),
		index:  make(map[string]map[string]struct{}),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("router state unreadable, starting fresh", "error", err)
		}
		return s
	}
	var file routerStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("router state corrupt, starting fresh", "error", err)
		return s
	}
	for chatID, ids := range file.Seen {
		s.seen[chatID] = ids
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.index[chatID] = set
	}
	return s
}

// Seen records an id and reports whether it was already known.
func (s *RouterState) Seen(chatID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.index[chatID]
	if !ok {
		set = make(map[string]struct{})
		s.index[chatID] = set
	}
	if _, dup := set[id]; dup {
		return true
	}
	set[id] = struct{}{}
	s.seen[chatID] = append(s.seen[chatID], id)
	if len(s.seen[chatID]) > maxSeenPerChat {
		evicted := s.seen[chatID][0]
		s.seen[chatID] = s.seen[chatID][1:]
		delete(set, evicted)
	}
	s.schedulePersistLocked()
	return false
}

func (s *RouterState) schedulePersistLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(persistDebounce, func() {
		s.mu.Lock()
		s.timer = nil
		if !s.dirty {
			s.mu.Unlock()
			return
		}
		s.dirty = false
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		if err := s.write(snapshot); err != nil {
			s.logger.Warn("router state persist failed", "error", err)
		}
	})
}

// Flush writes pending state immediately. Called on shutdown.
func (s *RouterState) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.write(snapshot)
}

func (s *RouterState) snapshotLocked() routerStateFile {
	out := routerStateFile{Seen: make(map[string][]string, len(s.seen)), SavedAt: time.Now()}
	for chatID, ids := range s.seen {
		clone := make([]string, len(ids))
		copy(clone, ids)
		out.Seen[chatID] = clone
	}
	return out
}

func (s *RouterState) write(file routerStateFile) error {
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal router state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir router state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write router state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename router state: %w", err)
	}
	return nil
}
