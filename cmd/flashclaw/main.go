// Package main is the FlashClaw CLI entry point.
//
// FlashClaw connects messaging platforms (Telegram, a local terminal) to
// LLM providers (Anthropic, OpenAI) with a tool-use agent loop, per-chat
// memory, a precise task scheduler and a file-based IPC bus.
//
// # Basic Usage
//
// Start the runtime:
//
//	flashclaw serve
//
// Inspect plugins.json backups:
//
//	flashclaw config backups
//	flashclaw config restore 1
//
// # Environment Variables
//
//   - FLASHCLAW_HOME: state root (default: ~/.flashclaw)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flashclaw/flashclaw/internal/app"
	"github.com/flashclaw/flashclaw/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flashclaw",
		Short:         "Multi-channel conversational agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildConfigCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FlashClaw runtime",
		Long: `Start the runtime with all configured channels.

The server will:
1. Load .env and flashclaw.yaml from the state root
2. Open the SQLite store and restore session state
3. Start the queue, scheduler and IPC bus
4. Start all enabled channels (Telegram, terminal)

Graceful shutdown is handled on SIGINT/SIGTERM. A second signal exits
immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, debug bool) error {
	paths, err := resolvePaths()
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	settings := config.LoadSettings(paths, logger)

	logger.Info("starting flashclaw",
		"version", version,
		"root", paths.Root,
		"provider", cfg.LLM.Provider)

	a, err := app.New(paths, cfg, settings, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(runCtx); err != nil {
		return err
	}

	<-runCtx.Done()
	logger.Info("shutdown signal received")
	stop()

	// A second signal during shutdown exits immediately.
	hard := make(chan os.Signal, 1)
	signal.Notify(hard, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-hard
		logger.Warn("second signal, exiting now")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	a.Stop(shutdownCtx)
	return nil
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and restore configuration backups",
	}

	backups := &cobra.Command{
		Use:   "backups",
		Short: "List plugins.json backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := resolvePaths()
			if err != nil {
				return err
			}
			files := config.ListBackups(paths.PluginsConfig())
			if len(files) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for i, f := range files {
				fmt.Printf("%d  %s\n", i+1, f)
			}
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore [n]",
		Short: "Restore the n-th newest plugins.json backup (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(strings.TrimSpace(args[0]))
				if err != nil || v < 1 {
					return fmt.Errorf("invalid backup index %q", args[0])
				}
				n = v
			}
			paths, err := resolvePaths()
			if err != nil {
				return err
			}
			if err := config.RestoreBackup(paths.PluginsConfig(), n); err != nil {
				return err
			}
			fmt.Printf("restored backup %d\n", n)
			return nil
		},
	}

	cmd.AddCommand(backups, restore)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flashclaw %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func resolvePaths() (config.Paths, error) {
	root, err := config.ResolveRoot()
	if err != nil {
		return config.Paths{}, err
	}
	return config.NewPaths(root), nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
