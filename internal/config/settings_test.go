package config

import (
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	paths := NewPaths(t.TempDir())
	s := LoadSettings(paths, nil)

	if s.ContextMinTokens != 16000 {
		t.Errorf("ContextMinTokens = %d", s.ContextMinTokens)
	}
	if s.ContextWarnTokens != 32000 {
		t.Errorf("ContextWarnTokens = %d", s.ContextWarnTokens)
	}
	if s.AgentTimeout != 300*time.Second {
		t.Errorf("AgentTimeout = %v", s.AgentTimeout)
	}
	if s.MaxOutputTokens != 4096 {
		t.Errorf("MaxOutputTokens = %d", s.MaxOutputTokens)
	}
	if s.MainGroupFolder != "main" {
		t.Errorf("MainGroupFolder = %q", s.MainGroupFolder)
	}
}

func TestLoadSettingsEnvOverrides(t *testing.T) {
	paths := NewPaths(t.TempDir())
	t.Setenv("CONTEXT_MIN_TOKENS", "8000")
	t.Setenv("AGENT_TIMEOUT", "60000")
	t.Setenv("MESSAGE_QUEUE_MAX_CONCURRENT", "5")
	t.Setenv("BOT_NAME", "TestBot")
	t.Setenv("AI_MAX_OUTPUT_TOKENS", "not-a-number")

	s := LoadSettings(paths, nil)
	if s.ContextMinTokens != 8000 {
		t.Errorf("ContextMinTokens = %d", s.ContextMinTokens)
	}
	if s.AgentTimeout != time.Minute {
		t.Errorf("AgentTimeout = %v", s.AgentTimeout)
	}
	if s.QueueMaxConcurrent != 5 {
		t.Errorf("QueueMaxConcurrent = %d", s.QueueMaxConcurrent)
	}
	if s.BotName != "TestBot" {
		t.Errorf("BotName = %q", s.BotName)
	}
	// Unparseable values fall back to the default.
	if s.MaxOutputTokens != 4096 {
		t.Errorf("MaxOutputTokens = %d", s.MaxOutputTokens)
	}
}

func TestSettingsLocation(t *testing.T) {
	s := DefaultSettings()
	if s.Location() != time.Local {
		t.Error("empty timezone should resolve to local")
	}

	s.Timezone = "UTC"
	if s.Location().String() != "UTC" {
		t.Errorf("Location = %v", s.Location())
	}

	s.Timezone = "Not/AZone"
	if s.Location() != time.Local {
		t.Error("bad timezone should fall back to local")
	}
}
