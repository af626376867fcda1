package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings are the environment tuning knobs. Every field has a default;
// the environment (after .env loading) overrides it.
type Settings struct {
	ContextMinTokens  int
	ContextWarnTokens int
	AgentTimeout      time.Duration
	MaxOutputTokens   int

	QueueMaxSize           int
	QueueMaxConcurrent     int
	QueueProcessingTimeout time.Duration
	QueueMaxRetries        int

	IPCPollInterval time.Duration
	MaxIPCFileBytes int64
	MaxIPCMsgChars  int
	MaxIPCChatIDLen int

	ThinkingThreshold time.Duration
	MaxImageBytes     int64

	Timezone        string
	MainGroupFolder string
	BotName         string
	MetricsAddr     string
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		ContextMinTokens:  16000,
		ContextWarnTokens: 32000,
		AgentTimeout:      300000 * time.Millisecond,
		MaxOutputTokens:   4096,

		QueueMaxSize:           100,
		QueueMaxConcurrent:     3,
		QueueProcessingTimeout: 600000 * time.Millisecond,
		QueueMaxRetries:        2,

		IPCPollInterval: time.Second,
		MaxIPCFileBytes: 1 << 20,
		MaxIPCMsgChars:  8000,
		MaxIPCChatIDLen: 256,

		ThinkingThreshold: 3000 * time.Millisecond,
		MaxImageBytes:     10 << 20,

		Timezone:        "",
		MainGroupFolder: "main",
		BotName:         "FlashClaw",
		MetricsAddr:     "",
	}
}

// LoadSettings loads .env from the state root (missing file is fine) and
// overlays the environment onto the defaults.
func LoadSettings(paths Paths, logger *slog.Logger) Settings {
	if logger == nil {
		logger = slog.Default()
	}
	if err := godotenv.Load(paths.EnvFile()); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env", "path", paths.EnvFile(), "error", err)
	}

	s := DefaultSettings()
	s.ContextMinTokens = envInt("CONTEXT_MIN_TOKENS", s.ContextMinTokens)
	s.ContextWarnTokens = envInt("CONTEXT_WARN_TOKENS", s.ContextWarnTokens)
	s.AgentTimeout = envMillis("AGENT_TIMEOUT", s.AgentTimeout)
	s.MaxOutputTokens = envInt("AI_MAX_OUTPUT_TOKENS", s.MaxOutputTokens)

	s.QueueMaxSize = envInt("MESSAGE_QUEUE_MAX_SIZE", s.QueueMaxSize)
	s.QueueMaxConcurrent = envInt("MESSAGE_QUEUE_MAX_CONCURRENT", s.QueueMaxConcurrent)
	s.QueueProcessingTimeout = envMillis("MESSAGE_QUEUE_PROCESSING_TIMEOUT_MS", s.QueueProcessingTimeout)
	s.QueueMaxRetries = envInt("MESSAGE_QUEUE_MAX_RETRIES", s.QueueMaxRetries)

	s.IPCPollInterval = envMillis("IPC_POLL_INTERVAL", s.IPCPollInterval)
	s.MaxIPCFileBytes = envInt64("MAX_IPC_FILE_BYTES", s.MaxIPCFileBytes)
	s.MaxIPCMsgChars = envInt("MAX_IPC_MESSAGE_CHARS", s.MaxIPCMsgChars)
	s.MaxIPCChatIDLen = envInt("MAX_IPC_CHAT_ID_CHARS", s.MaxIPCChatIDLen)

	s.ThinkingThreshold = envMillis("THINKING_THRESHOLD_MS", s.ThinkingThreshold)
	s.MaxImageBytes = envInt64("MAX_IMAGE_BYTES", s.MaxImageBytes)

	s.Timezone = envString("TIMEZONE", s.Timezone)
	s.MainGroupFolder = envString("MAIN_GROUP_FOLDER", s.MainGroupFolder)
	s.BotName = envString("BOT_NAME", s.BotName)
	s.MetricsAddr = envString("METRICS_ADDR", s.MetricsAddr)
	return s
}

// Location resolves the configured timezone, falling back to the local one.
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
