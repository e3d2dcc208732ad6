package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-tutor/pkg/audioio"
	"github.com/teslashibe/go-tutor/pkg/conversation"
	"github.com/teslashibe/go-tutor/pkg/engine"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ElevenLabs.OutputFormat != conversation.DefaultOutputFormat {
		t.Errorf("OutputFormat = %q", cfg.ElevenLabs.OutputFormat)
	}
	if cfg.Audio.SampleRate != audioio.SampleRate {
		t.Errorf("SampleRate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadFromReader(t *testing.T) {
	const doc = `
elevenlabs:
  agent_id: agent_123
  output_format: pcm_24000
  timeout: 5s
  prompt: You are a patient maths tutor.
audio:
  backend: mock
  chunk_samples: 512
engine:
  interruption_policy: clear
  barge_in_chunks: 5
server:
  addr: 127.0.0.1:9000
log_level: debug
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ElevenLabs.AgentID != "agent_123" || cfg.ElevenLabs.OutputFormat != "pcm_24000" {
		t.Errorf("unexpected elevenlabs section %+v", cfg.ElevenLabs)
	}
	if cfg.ElevenLabs.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.ElevenLabs.Timeout)
	}
	if cfg.Audio.Backend != audioio.BackendMock || cfg.Audio.ChunkSamples != 512 {
		t.Errorf("unexpected audio section %+v", cfg.Audio)
	}
	// Unset fields keep their defaults.
	if cfg.Audio.SampleRate != audioio.SampleRate || cfg.ElevenLabs.BaseURL != conversation.DefaultBaseURL {
		t.Error("defaults not preserved")
	}
	if cfg.Engine.BargeInThreshold != engine.DefaultBargeInThreshold {
		t.Errorf("BargeInThreshold = %v", cfg.Engine.BargeInThreshold)
	}

	opts := cfg.EngineOptions()
	if opts.InterruptionPolicy != engine.InterruptClear || opts.BargeInChunks != 5 {
		t.Errorf("unexpected engine options %+v", opts)
	}

	tc := conversation.DefaultConfig()
	tc.Apply(cfg.ConversationOptions()...)
	if tc.OutputFormat != "pcm_24000" || tc.Timeout != 5*time.Second {
		t.Errorf("unexpected transport config %+v", tc)
	}
	if tc.Override == nil || tc.Override.Prompt != "You are a patient maths tutor." {
		t.Errorf("override not applied: %+v", tc.Override)
	}
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	tc := conversation.DefaultConfig()
	tc.Apply(cfg.ConversationOptions()...)
	if tc.Override != nil {
		t.Error("override set without any fields")
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("elevenlabs:\n  agnet_id: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*App)
		want   string
	}{
		{"signed url without key", func(c *App) { c.ElevenLabs.SignedURL = true }, "requires elevenlabs.api_key"},
		{"empty output format", func(c *App) { c.ElevenLabs.OutputFormat = "" }, "output_format is required"},
		{"bad sample rate", func(c *App) { c.Audio.SampleRate = 44100 }, "sample_rate"},
		{"bad policy", func(c *App) { c.Engine.InterruptionPolicy = "ignore" }, "interruption_policy"},
		{"negative chunks", func(c *App) { c.Engine.BargeInChunks = -1 }, "barge_in_chunks"},
		{"bad log level", func(c *App) { c.LogLevel = "verbose" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	t.Run("joins all failures", func(t *testing.T) {
		cfg := Default()
		cfg.LogLevel = "verbose"
		cfg.Engine.BargeInChunks = -1
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "barge_in_chunks") {
			t.Errorf("expected both failures, got %v", err)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAPIKey:             "sk_test",
		EnvAgentID:            "agent_env",
		EnvSignedURL:          "true",
		EnvListenAddr:         ":9090",
		EnvAudioBackend:       "mock",
		EnvInterruptionPolicy: "clear",
		EnvBargeInThreshold:   "0.05",
		EnvLogLevel:           "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.ElevenLabs.APIKey != "sk_test" || cfg.ElevenLabs.AgentID != "agent_env" || !cfg.ElevenLabs.SignedURL {
		t.Errorf("unexpected elevenlabs section %+v", cfg.ElevenLabs)
	}
	if cfg.Server.Addr != ":9090" || cfg.Audio.Backend != audioio.BackendMock {
		t.Errorf("unexpected server/audio %+v %+v", cfg.Server, cfg.Audio)
	}
	if cfg.Engine.InterruptionPolicy != "clear" || cfg.Engine.BargeInThreshold != 0.05 || cfg.LogLevel != "warn" {
		t.Errorf("unexpected engine/log %+v %q", cfg.Engine, cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	t.Run("invalid values", func(t *testing.T) {
		env := map[string]string{EnvSignedURL: "maybe", EnvBargeInThreshold: "loud"}
		err := Default().ApplyEnv(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		})
		if err == nil || !strings.Contains(err.Error(), EnvSignedURL) || !strings.Contains(err.Error(), EnvBargeInThreshold) {
			t.Errorf("expected both env errors, got %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tutor.yaml")
	if err := os.WriteFile(path, []byte("elevenlabs:\n  agent_id: agent_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvAgentID, "agent_env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ElevenLabs.AgentID != "agent_env" {
		t.Errorf("environment should override file, got %q", cfg.ElevenLabs.AgentID)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TUTOR_TEST_DOTENV=from_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TUTOR_TEST_DOTENV") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TUTOR_TEST_DOTENV"); got != "from_file" {
		t.Errorf("TUTOR_TEST_DOTENV = %q", got)
	}
}
