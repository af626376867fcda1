package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/metrics"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// MessageSender delivers message and image envelopes to a channel.
type MessageSender interface {
	SendMessage(ctx context.Context, chatJID, text string) error
	SendImage(ctx context.Context, chatJID, imageData, caption string) error
}

// TaskService is the scheduler surface the bus dispatches task
// envelopes to. Wake re-arms the scheduler timer after a create.
type TaskService interface {
	CreateTask(ctx context.Context, task *models.ScheduledTask) (*models.ScheduledTask, error)
	TaskGroup(ctx context.Context, taskID string) (string, error)
	PauseTask(ctx context.Context, taskID string) error
	ResumeTask(ctx context.Context, taskID string) error
	CancelTask(ctx context.Context, taskID string) error
	Wake()
}

// GroupRegistrar registers new chat groups from register_group
// envelopes.
type GroupRegistrar interface {
	RegisterGroup(ctx context.Context, group *models.Group) error
}

// BusConfig tunes the bus.
type BusConfig struct {
	PollInterval time.Duration
	MaxFileBytes int64
	MainGroup    string
}

// DefaultBusConfig returns the documented defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		PollInterval: time.Second,
		MaxFileBytes: 1 << 20,
		MainGroup:    "main",
	}
}

func (c *BusConfig) sanitize() {
	def := DefaultBusConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = def.MaxFileBytes
	}
	if c.MainGroup == "" {
		c.MainGroup = def.MainGroup
	}
}

// Bus polls data/ipc/*/{messages,tasks}/*.json and dispatches each
// envelope. An fsnotify watcher triggers immediate scans; the poll
// ticker remains the delivery contract.
type Bus struct {
	config    BusConfig
	paths     config.Paths
	validator *Validator
	messages  MessageSender
	tasks     TaskService
	groups    GroupRegistrar
	metrics   *metrics.Metrics
	logger    *slog.Logger

	kick chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches the metrics instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus wires the bus to its handlers.
func NewBus(cfg BusConfig, paths config.Paths, limits SchemaLimits, messages MessageSender, tasks TaskService, groups GroupRegistrar, opts ...Option) *Bus {
	cfg.sanitize()
	b := &Bus{
		config:    cfg,
		paths:     paths,
		validator: NewValidator(limits),
		messages:  messages,
		tasks:     tasks,
		groups:    groups,
		logger:    slog.Default(),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "ipc")
	return b
}

// Start launches the poll loop. It returns immediately.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("ipc bus already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("fsnotify unavailable, polling only", "error", err)
		watcher = nil
	}

	go b.loop(loopCtx, watcher)
	b.logger.Info("ipc bus started", "poll_interval", b.config.PollInterval)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	<-done
	b.logger.Info("ipc bus stopped")
}

// Kick requests an immediate scan outside the poll schedule.
func (b *Bus) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Bus) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(b.done)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	b.scan(ctx, watcher)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.scan(ctx, watcher)
		case <-b.kick:
			b.scan(ctx, watcher)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				b.scan(ctx, watcher)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			b.logger.Warn("ipc watcher error", "error", err)
		}
	}
}

// scan walks every group's messages and tasks dirs, oldest file first.
func (b *Bus) scan(ctx context.Context, watcher *fsnotify.Watcher) {
	groups, err := os.ReadDir(b.paths.IPCRoot())
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("failed to read ipc root", "error", err)
		}
		return
	}
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		source := g.Name()
		for _, dir := range []string{b.paths.IPCMessagesDir(source), b.paths.IPCTasksDir(source)} {
			b.watchDir(watcher, dir)
			b.scanDir(ctx, source, dir)
		}
	}
}

func (b *Bus) watchDir(watcher *fsnotify.Watcher, dir string) {
	if watcher == nil {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		return
	}
	// Add is idempotent for already-watched paths.
	if err := watcher.Add(dir); err != nil {
		b.logger.Debug("failed to watch ipc dir", "dir", dir, "error", err)
	}
}

func (b *Bus) scanDir(ctx context.Context, source, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("failed to read ipc dir", "dir", dir, "error", err)
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		b.processFile(ctx, source, filepath.Join(dir, name))
	}
}

func (b *Bus) processFile(ctx context.Context, source, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() > b.config.MaxFileBytes {
		b.logger.Warn("ipc file too large, quarantining", "path", path, "size", info.Size())
		b.quarantine(source, path)
		b.count("unknown", "quarantined")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		b.logger.Warn("failed to read ipc file", "path", path, "error", err)
		return
	}

	env, err := b.validator.Validate(data)
	if err != nil {
		b.logger.Warn("invalid ipc envelope, dropping", "path", path, "error", err)
		os.Remove(path)
		b.count("unknown", "invalid")
		return
	}

	if !b.authorize(source, env) {
		b.logger.Warn("unauthorized ipc envelope, dropping",
			"path", path, "source", source, "type", env.Type)
		os.Remove(path)
		b.count(env.Type, "unauthorized")
		return
	}

	if err := b.dispatch(ctx, source, env); err != nil {
		b.logger.Error("ipc dispatch failed, quarantining",
			"path", path, "type", env.Type, "error", err)
		b.quarantine(source, path)
		b.count(env.Type, "quarantined")
		return
	}
	os.Remove(path)
	b.count(env.Type, "processed")
}

// authorize applies the folder rights model: main has full rights,
// everyone else may only act on their own folder, and register_group
// is main-only.
func (b *Bus) authorize(source string, env *Envelope) bool {
	isMain := source == b.config.MainGroup
	if isMain {
		return true
	}
	switch env.Type {
	case TypeRegisterGroup:
		return false
	case TypeMessage, TypeImage, TypeScheduleTask:
		return env.GroupFolder == "" || env.GroupFolder == source
	default:
		return true
	}
}

func (b *Bus) dispatch(ctx context.Context, source string, env *Envelope) error {
	switch env.Type {
	case TypeMessage:
		if b.messages == nil {
			return fmt.Errorf("no message sender configured")
		}
		return b.messages.SendMessage(ctx, env.ChatJID, env.Text)
	case TypeImage:
		if b.messages == nil {
			return fmt.Errorf("no message sender configured")
		}
		return b.messages.SendImage(ctx, env.ChatJID, env.ImageData, env.Caption)
	case TypeScheduleTask:
		return b.createTask(ctx, env)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return b.taskLifecycle(ctx, source, env)
	case TypeRegisterGroup:
		if b.groups == nil {
			return fmt.Errorf("no group registrar configured")
		}
		return b.groups.RegisterGroup(ctx, &models.Group{
			ChatID:      env.JID,
			Name:        env.Name,
			Folder:      env.Folder,
			Trigger:     env.Trigger,
			AgentConfig: env.AgentConfig,
		})
	default:
		return fmt.Errorf("unhandled envelope type %q", env.Type)
	}
}

func (b *Bus) createTask(ctx context.Context, env *Envelope) error {
	if b.tasks == nil {
		return fmt.Errorf("no task service configured")
	}
	scheduleType := models.ScheduleType(env.ScheduleType)
	if err := ValidateScheduleValue(scheduleType, env.ScheduleValue, time.Now()); err != nil {
		return err
	}
	task := &models.ScheduledTask{
		GroupFolder:   env.GroupFolder,
		ChatID:        env.ChatJID,
		Prompt:        env.Prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: env.ScheduleValue,
		ContextMode:   models.ContextModeGroup,
		Status:        models.TaskStatusActive,
		MaxRetries:    models.DefaultMaxRetries,
	}
	if env.ContextMode != "" {
		task.ContextMode = models.ContextMode(env.ContextMode)
	}
	if env.MaxRetries != nil {
		task.MaxRetries = *env.MaxRetries
	}
	if env.TimeoutMs != nil {
		task.TimeoutMs = *env.TimeoutMs
	}
	if _, err := b.tasks.CreateTask(ctx, task); err != nil {
		return err
	}
	b.tasks.Wake()
	return nil
}

func (b *Bus) taskLifecycle(ctx context.Context, source string, env *Envelope) error {
	if b.tasks == nil {
		return fmt.Errorf("no task service configured")
	}
	if source != b.config.MainGroup {
		group, err := b.tasks.TaskGroup(ctx, env.TaskID)
		if err != nil {
			return err
		}
		if group != source {
			return fmt.Errorf("task %s belongs to %s, not %s", env.TaskID, group, source)
		}
	}
	switch env.Type {
	case TypePauseTask:
		return b.tasks.PauseTask(ctx, env.TaskID)
	case TypeResumeTask:
		return b.tasks.ResumeTask(ctx, env.TaskID)
	default:
		return b.tasks.CancelTask(ctx, env.TaskID)
	}
}

// quarantine moves a bad file to the source group's errors dir as
// <source>-<name>.
func (b *Bus) quarantine(source, path string) {
	dir := b.paths.IPCErrorsDir(source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.Error("failed to create quarantine dir", "dir", dir, "error", err)
		return
	}
	dest := filepath.Join(dir, source+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		b.logger.Error("failed to quarantine ipc file", "path", path, "error", err)
		os.Remove(path)
	}
}

func (b *Bus) count(envType, outcome string) {
	if b.metrics != nil {
		b.metrics.IPCEnvelopesTotal.WithLabelValues(envType, outcome).Inc()
	}
}

// cronParser accepts standard 5-field expressions plus @descriptors,
// matching what the scheduler runs.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateScheduleValue checks a schedule value for its type before a
// task is stored: cron must parse, interval must be a positive integer
// millisecond count, once must be an RFC 3339 instant in the future.
func ValidateScheduleValue(t models.ScheduleType, value string, now time.Time) error {
	switch t {
	case models.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
	case models.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive millisecond count, got %q", value)
		}
	case models.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid once time %q: %w", value, err)
		}
		if !at.After(now) {
			return fmt.Errorf("once time %s is in the past", value)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", t)
	}
	return nil
}
