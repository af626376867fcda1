// Package queue serialises agent work per chat: each chat is a FIFO
// lane with at most one item in flight, and lanes share a bounded
// worker pool scheduled first-come first-served.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/internal/metrics"
)

// ErrQueueFull is returned by Enqueue when the global size cap is hit.
var ErrQueueFull = errors.New("message queue full")

// Config tunes the queue.
type Config struct {
	MaxSize           int
	MaxConcurrent     int
	ProcessingTimeout time.Duration
	MaxRetries        int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:           100,
		MaxConcurrent:     3,
		ProcessingTimeout: 10 * time.Minute,
		MaxRetries:        2,
	}
}

func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = def.ProcessingTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
}

// item is one unit of work bound to a chat lane.
type item struct {
	run      func(ctx context.Context) error
	attempts int
}

// lane is one chat's FIFO.
type lane struct {
	items    []*item
	inFlight bool
	queued   bool
}

// Queue is the per-chat work queue.
type Queue struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	cond       *sync.Cond
	lanes      map[string]*lane
	readyLanes []string
	total      int
	running    bool
	stopping   bool

	workers sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics attaches the metrics instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New builds a queue.
func New(cfg Config, opts ...Option) *Queue {
	cfg.sanitize()
	q := &Queue{
		config: cfg,
		logger: slog.Default(),
		lanes:  make(map[string]*lane),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("queue already running")
	}
	q.baseCtx, q.cancel = context.WithCancel(ctx)
	q.running = true
	q.stopping = false
	for i := 0; i < q.config.MaxConcurrent; i++ {
		q.workers.Add(1)
		go q.worker()
	}
	q.logger.Info("queue started",
		"max_size", q.config.MaxSize, "max_concurrent", q.config.MaxConcurrent)
	return nil
}

// Stop lets in-flight items finish (bounded by ctx) and discards the
// rest. Subsequent Enqueue calls fail.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
	q.logger.Info("queue stopped")
	return nil
}

// Enqueue adds work to a chat's lane. It fails fast with ErrQueueFull
// at the global cap.
func (q *Queue) Enqueue(chatID string, run func(ctx context.Context) error) error {
	if run == nil {
		return fmt.Errorf("nil work function")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return fmt.Errorf("queue not running")
	}
	if q.total >= q.config.MaxSize {
		q.count("rejected")
		return ErrQueueFull
	}
	ln := q.lanes[chatID]
	if ln == nil {
		ln = &lane{}
		q.lanes[chatID] = ln
	}
	ln.items = append(ln.items, &item{run: run})
	q.total++
	q.markReadyLocked(chatID, ln)
	q.setDepth()
	q.count("enqueued")
	q.cond.Signal()
	return nil
}

// Depth returns the number of items waiting or in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// markReadyLocked puts a lane on the ready list when it has work and
// nothing in flight. A lane appears at most once.
func (q *Queue) markReadyLocked(chatID string, ln *lane) {
	if ln.queued || ln.inFlight || len(ln.items) == 0 {
		return
	}
	ln.queued = true
	q.readyLanes = append(q.readyLanes, chatID)
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		for len(q.readyLanes) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.stopping {
			q.mu.Unlock()
			return
		}
		chatID := q.readyLanes[0]
		q.readyLanes = q.readyLanes[1:]
		ln := q.lanes[chatID]
		ln.queued = false
		ln.inFlight = true
		it := ln.items[0]
		ln.items = ln.items[1:]
		q.mu.Unlock()

		err := q.process(chatID, it)

		q.mu.Lock()
		ln.inFlight = false
		if err != nil && it.attempts <= q.config.MaxRetries {
			// Retry ahead of newer items in the same lane.
			ln.items = append([]*item{it}, ln.items...)
			q.count("retried")
		} else {
			q.total--
			if err != nil {
				q.logger.Error("queue item dropped after retries",
					"chat_id", chatID, "attempts", it.attempts, "error", err)
				q.count("dropped")
			} else {
				q.count("completed")
			}
		}
		if len(ln.items) == 0 && !ln.inFlight {
			delete(q.lanes, chatID)
		} else {
			q.markReadyLocked(chatID, ln)
		}
		q.setDepth()
		q.cond.Signal()
		q.mu.Unlock()
	}
}

// process runs one item with the per-item timeout and panic recovery.
func (q *Queue) process(chatID string, it *item) (err error) {
	it.attempts++
	ctx, cancel := context.WithTimeout(q.baseCtx, q.config.ProcessingTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue item panicked",
				"chat_id", chatID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := it.run(ctx); err != nil {
		return err
	}
	return nil
}

func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.total))
	}
}

func (q *Queue) count(outcome string) {
	if q.metrics != nil {
		q.metrics.QueueItemsTotal.WithLabelValues(outcome).Inc()
	}
}
