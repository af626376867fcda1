package agent

import (
	"context"
	"sync"
	"time"
)

// watchdog cancels an invocation that stops making progress. Every
// stream event and tool boundary counts as progress; a turn only dies
// when nothing at all has happened for the full window.
type watchdog struct {
	timeout time.Duration
	cancel  context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
	fired bool
}

// newWatchdog wraps ctx with activity-based cancellation.
func newWatchdog(ctx context.Context, timeout time.Duration) (context.Context, *watchdog) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watchdog{timeout: timeout, cancel: cancel}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.fired = true
		w.mu.Unlock()
		cancel()
	})
	return wctx, w
}

// Reset restarts the inactivity window.
func (w *watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop releases the timer without cancelling the context.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Stop()
}

// Fired reports whether the watchdog cancelled the invocation.
func (w *watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
