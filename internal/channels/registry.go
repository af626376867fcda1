package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// Registry holds the active channel adapters and fans their inbound
// messages into a single handler.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	order    []string
	started  []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "channels"),
		channels: make(map[string]Channel),
	}
}

// Register adds an adapter under its name.
func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = ch
	r.order = append(r.order, name)
	return nil
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// ByPlatform returns the first adapter serving a platform.
func (r *Registry) ByPlatform(p models.Platform) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if ch := r.channels[name]; ch.Platform() == p {
			return ch, true
		}
	}
	return nil, false
}

// All returns the adapters in registration order.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.channels[name])
	}
	return out
}

// OnMessage installs one handler on every registered adapter. Call
// before StartAll.
func (r *Registry) OnMessage(h Handler) {
	for _, ch := range r.All() {
		ch.OnMessage(h)
	}
}

// StartAll starts adapters in registration order. On failure, the
// already-started adapters are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, ch := range r.All() {
		if err := ch.Start(ctx); err != nil {
			r.logger.Error("channel failed to start", "channel", ch.Name(), "error", err)
			_ = r.StopAll(ctx)
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		r.mu.Lock()
		r.started = append(r.started, ch.Name())
		r.mu.Unlock()
		r.logger.Info("channel started", "channel", ch.Name(), "platform", ch.Platform())
	}
	return nil
}

// StopAll stops started adapters in reverse start order.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var lastErr error
	for i := len(started) - 1; i >= 0; i-- {
		ch, ok := r.Get(started[i])
		if !ok {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			r.logger.Warn("channel failed to stop", "channel", ch.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}
