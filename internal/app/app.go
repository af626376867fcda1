// Package app wires every component into one runnable process and owns
// the boot and shutdown order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/flashclaw/flashclaw/internal/agent"
	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/internal/channels/telegram"
	"github.com/flashclaw/flashclaw/internal/channels/terminal"
	"github.com/flashclaw/flashclaw/internal/commands"
	"github.com/flashclaw/flashclaw/internal/config"
	"github.com/flashclaw/flashclaw/internal/groups"
	"github.com/flashclaw/flashclaw/internal/ipc"
	"github.com/flashclaw/flashclaw/internal/llm"
	"github.com/flashclaw/flashclaw/internal/memory"
	"github.com/flashclaw/flashclaw/internal/metrics"
	"github.com/flashclaw/flashclaw/internal/queue"
	"github.com/flashclaw/flashclaw/internal/scheduler"
	"github.com/flashclaw/flashclaw/internal/sessions"
	"github.com/flashclaw/flashclaw/internal/storage"
	"github.com/flashclaw/flashclaw/internal/tools"
)

// shutdownGrace bounds the queue drain and channel stop on shutdown.
const shutdownGrace = 30 * time.Second

// App holds every component of the runtime. There are no package-level
// singletons; everything flows through this struct.
type App struct {
	paths    config.Paths
	cfg      *config.Config
	settings config.Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics

	store      storage.Store
	groups     *groups.Registry
	memory     *memory.Manager
	tracker    *sessions.Tracker
	tools      *tools.Registry
	provider   llm.Provider
	runner     *agent.Runner
	queue      *queue.Queue
	scheduler  *scheduler.Scheduler
	bus        *ipc.Bus
	channels   *channels.Registry
	dispatcher *channels.Dispatcher
	state      *channels.RouterState
	metricsSrv *metrics.Server
}

// New constructs the application from configuration. Nothing starts
// running until Start.
func New(paths config.Paths, cfg *config.Config, settings config.Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		paths:    paths,
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		metrics:  metrics.Default(),
	}
	if err := paths.EnsureTree(); err != nil {
		return nil, fmt.Errorf("prepare state tree: %w", err)
	}

	if err := a.buildStorage(); err != nil {
		return nil, err
	}
	if err := a.buildGroups(); err != nil {
		return nil, err
	}
	a.buildMemory()
	a.buildTracker()
	if err := a.buildProvider(); err != nil {
		return nil, err
	}
	a.buildRunner()
	a.buildScheduler()
	if err := a.buildTools(); err != nil {
		return nil, err
	}
	a.buildQueue()
	a.buildBus()
	if err := a.buildChannels(); err != nil {
		return nil, err
	}
	a.metricsSrv = metrics.NewServer(settings.MetricsAddr, logger)
	return a, nil
}

func (a *App) buildStorage() error {
	store, err := storage.NewSQLiteStore(a.paths.DBFile())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store
	return nil
}

func (a *App) buildGroups() error {
	reg, err := groups.Load(a.paths, a.settings.MainGroupFolder, groups.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("load group registry: %w", err)
	}
	a.groups = reg
	if !reg.MainExists() {
		a.logger.Warn("main group not registered; register it to enable group chats and IPC admin rights",
			"folder", a.settings.MainGroupFolder)
	}
	return nil
}

func (a *App) buildMemory() {
	cfg := memory.DefaultConfig()
	cfg.MemoryDir = a.paths.MemoryDir()
	cfg.UserMemoryDir = a.paths.UserMemoryDir()
	cfg.SessionExportDir = a.paths.SessionExportDir()
	a.memory = memory.NewManager(cfg, memory.WithLogger(a.logger))
}

func (a *App) buildTracker() {
	a.tracker = sessions.NewTracker(sessions.TrackerConfig{
		Path:         a.paths.SessionTrackerFile(),
		DefaultModel: a.cfg.LLM.Model,
	}, sessions.WithLogger(a.logger))
}

func (a *App) buildProvider() error {
	llmCfg := a.cfg.LLM
	switch llmCfg.Provider {
	case "", "anthropic":
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  config.ResolveAPIKey("ANTHROPIC_API_KEY", llmCfg.APIKey),
			Model:   llmCfg.Model,
			BaseURL: llmCfg.BaseURL,
		})
		if err != nil {
			return err
		}
		a.provider = p
	case "openai":
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  config.ResolveAPIKey("OPENAI_API_KEY", llmCfg.APIKey),
			Model:   llmCfg.Model,
			BaseURL: llmCfg.BaseURL,
		})
		if err != nil {
			return err
		}
		a.provider = p
	default:
		return fmt.Errorf("unknown llm provider %q", llmCfg.Provider)
	}
	return nil
}

func (a *App) buildRunner() {
	a.runner = agent.NewRunner(
		a.provider, a.memory, toolRegistry(a), a.tracker, a.groups, a.paths, a.settings,
		agent.WithLogger(a.logger), agent.WithMetrics(a.metrics),
	)
}

// toolRegistry lazily creates the tool registry so runner and tools can
// reference each other through it.
func toolRegistry(a *App) *tools.Registry {
	if a.tools == nil {
		a.tools = tools.NewRegistry(a.logger)
	}
	return a.tools
}

func (a *App) buildScheduler() {
	cfg := scheduler.DefaultConfig()
	if a.settings.Timezone != "" {
		loc, err := time.LoadLocation(a.settings.Timezone)
		if err != nil {
			a.logger.Warn("invalid timezone, using local", "timezone", a.settings.Timezone, "error", err)
		} else {
			cfg.Timezone = loc
		}
	}
	a.scheduler = scheduler.New(cfg, a.store, a.runner, scheduler.WithLogger(a.logger), scheduler.WithMetrics(a.metrics))
}

func (a *App) buildTools() error {
	reg := toolRegistry(a)
	if err := tools.RegisterBuiltins(reg, &schedulerToolAdapter{s: a.scheduler}, a.memory); err != nil {
		return fmt.Errorf("register built-in tools: %w", err)
	}

	// External plugins are discovered for visibility; only manifests that
	// validate and are not disabled are reported.
	pluginsCfg, err := tools.LoadPluginsConfig(a.paths.PluginsConfig())
	if err != nil {
		a.logger.Warn("plugins config unreadable", "error", err)
		pluginsCfg = &tools.PluginsConfig{}
	}
	manifests, err := tools.DiscoverManifests(a.paths.PluginsDir(), func(path string, err error) {
		a.logger.Warn("invalid plugin manifest", "path", path, "error", err)
	})
	if err != nil {
		a.logger.Warn("plugin discovery failed", "error", err)
		return nil
	}
	for _, m := range manifests {
		if pluginsCfg.IsDisabled(m.Name) {
			a.logger.Info("plugin disabled", "plugin", m.Name)
			continue
		}
		a.logger.Info("plugin discovered", "plugin", m.Name, "type", m.Type, "version", m.Version)
	}
	return nil
}

func (a *App) buildQueue() {
	a.queue = queue.New(queue.Config{
		MaxSize:           a.settings.QueueMaxSize,
		MaxConcurrent:     a.settings.QueueMaxConcurrent,
		ProcessingTimeout: a.settings.QueueProcessingTimeout,
		MaxRetries:        a.settings.QueueMaxRetries,
	}, queue.WithLogger(a.logger), queue.WithMetrics(a.metrics))
}

func (a *App) buildBus() {
	a.bus = ipc.NewBus(ipc.BusConfig{
		PollInterval: a.settings.IPCPollInterval,
		MaxFileBytes: a.settings.MaxIPCFileBytes,
		MainGroup:    a.settings.MainGroupFolder,
	}, a.paths, ipc.SchemaLimits{
		MaxMessageChars: a.settings.MaxIPCMsgChars,
		MaxChatIDChars:  a.settings.MaxIPCChatIDLen,
	},
		&channelSender{app: a},
		a.scheduler,
		&groupRegistrar{groups: a.groups},
		ipc.WithLogger(a.logger), ipc.WithMetrics(a.metrics),
	)
}

func (a *App) buildChannels() error {
	a.channels = channels.NewRegistry(a.logger)
	a.state = channels.LoadRouterState(a.paths.RouterStateFile(), a.logger)

	cmdReg := commands.NewRegistry(a.logger)
	if err := commands.RegisterBuiltins(cmdReg, commands.Deps{
		Memory:   a.memory,
		Tracker:  a.tracker,
		Tasks:    a.scheduler,
		Provider: a.provider,
	}); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}

	a.dispatcher = channels.NewDispatcher(channels.DispatcherDeps{
		Queue:    a.queue,
		Runner:   a.runner,
		Commands: cmdReg,
		Groups:   a.groups,
		Tracker:  a.tracker,
		Store:    a.store,
		State:    a.state,
		Settings: a.settings,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})

	if a.cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:          config.ResolveAPIKey("TELEGRAM_BOT_TOKEN", a.cfg.Channels.Telegram.BotToken),
			BotUsername:    a.settings.BotName,
			DownloadImages: true,
			Logger:         a.logger,
		})
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		if err := a.channels.Register(tg); err != nil {
			return err
		}
	}
	if a.cfg.Channels.Terminal.Enabled {
		if err := a.channels.Register(terminal.New(terminal.Config{Logger: a.logger})); err != nil {
			return err
		}
	}

	for _, ch := range a.channels.All() {
		ch.OnMessage(a.dispatcher.Handler(ch))
	}
	return nil
}

// Start boots the runtime: storage and registries are already built, so
// this restores state, starts the workers, then opens the platform
// channels last so no message arrives before the pipeline is ready.
func (a *App) Start(ctx context.Context) error {
	if err := a.writePIDFile(); err != nil {
		return err
	}
	if err := a.memory.RestoreFrom(a.paths.SessionsFile()); err != nil {
		a.logger.Warn("session restore failed", "error", err)
	}

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("start ipc bus: %w", err)
	}
	if err := a.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	a.metricsSrv.Start()

	a.logger.Info("flashclaw started",
		"provider", a.provider.Name(),
		"model", a.provider.Model(),
		"channels", len(a.channels.All()))
	return nil
}

// Stop shuts down in reverse boot order: stop intake, drain the queue,
// stop the scheduler and bus, flush state, close the database.
func (a *App) Stop(ctx context.Context) {
	graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := a.channels.StopAll(graceCtx); err != nil {
		a.logger.Warn("channel shutdown incomplete", "error", err)
	}
	if err := a.queue.Stop(graceCtx); err != nil {
		a.logger.Warn("queue drain incomplete", "error", err)
	}
	a.bus.Stop()
	a.scheduler.Stop()
	a.tracker.Shutdown()
	if err := a.memory.SnapshotTo(a.paths.SessionsFile()); err != nil {
		a.logger.Warn("session snapshot failed", "error", err)
	}
	if err := a.state.Flush(); err != nil {
		a.logger.Warn("router state flush failed", "error", err)
	}
	a.metricsSrv.Stop(graceCtx)
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close failed", "error", err)
	}
	a.removePIDFile()
	a.logger.Info("flashclaw stopped")
}

func (a *App) writePIDFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(a.paths.PIDFile(), []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (a *App) removePIDFile() {
	if err := os.Remove(a.paths.PIDFile()); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("pid file removal failed", "error", err)
	}
}
