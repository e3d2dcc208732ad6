// Package config loads the go-tutor application configuration from an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-tutor/pkg/audioio"
	"github.com/teslashibe/go-tutor/pkg/conversation"
	"github.com/teslashibe/go-tutor/pkg/engine"
)

// App is the complete application configuration.
type App struct {
	ElevenLabs ElevenLabs     `yaml:"elevenlabs"`
	Audio      audioio.Config `yaml:"audio"`
	Engine     Engine         `yaml:"engine"`
	Server     Server         `yaml:"server"`
	LogLevel   string         `yaml:"log_level"`
}

// ElevenLabs configures the conversation service.
type ElevenLabs struct {
	APIKey       string        `yaml:"api_key"`
	AgentID      string        `yaml:"agent_id"`
	BaseURL      string        `yaml:"base_url"`
	APIBaseURL   string        `yaml:"api_base_url"`
	OutputFormat string        `yaml:"output_format"`
	Timeout      time.Duration `yaml:"timeout"`

	// SignedURL fetches a signed URL per session; required for private
	// agents and needs APIKey.
	SignedURL bool `yaml:"signed_url"`

	// Optional per-session agent overrides.
	Prompt       string `yaml:"prompt"`
	FirstMessage string `yaml:"first_message"`
	Language     string `yaml:"language"`
}

// Engine configures session behavior.
type Engine struct {
	InterruptionPolicy string  `yaml:"interruption_policy"`
	BargeInThreshold   float64 `yaml:"barge_in_threshold"`
	BargeInChunks      int     `yaml:"barge_in_chunks"`
}

// Server configures the HTTP front end.
type Server struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// Default returns the configuration used when nothing is set.
func Default() *App {
	return &App{
		ElevenLabs: ElevenLabs{
			BaseURL:      conversation.DefaultBaseURL,
			APIBaseURL:   conversation.DefaultAPIBaseURL,
			OutputFormat: conversation.DefaultOutputFormat,
			Timeout:      30 * time.Second,
		},
		Audio: audioio.DefaultConfig(),
		Engine: Engine{
			InterruptionPolicy: string(engine.InterruptAdvisory),
			BargeInThreshold:   engine.DefaultBargeInThreshold,
			BargeInChunks:      engine.DefaultBargeInChunks,
		},
		Server: Server{
			Addr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*App, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*App, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *App) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Environment variables read by ApplyEnv.
const (
	EnvAPIKey             = "ELEVENLABS_API_KEY"
	EnvAgentID            = "TUTOR_AGENT_ID"
	EnvBaseURL            = "TUTOR_BASE_URL"
	EnvSignedURL          = "TUTOR_SIGNED_URL"
	EnvListenAddr         = "TUTOR_LISTEN_ADDR"
	EnvStaticDir          = "TUTOR_STATIC_DIR"
	EnvAudioBackend       = "TUTOR_AUDIO_BACKEND"
	EnvAudioDevice        = "TUTOR_AUDIO_DEVICE"
	EnvInterruptionPolicy = "TUTOR_INTERRUPTION_POLICY"
	EnvBargeInThreshold   = "TUTOR_BARGE_IN_THRESHOLD"
	EnvLogLevel           = "TUTOR_LOG_LEVEL"
)

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *App) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvAPIKey, &c.ElevenLabs.APIKey)
	str(EnvAgentID, &c.ElevenLabs.AgentID)
	str(EnvBaseURL, &c.ElevenLabs.BaseURL)
	str(EnvListenAddr, &c.Server.Addr)
	str(EnvStaticDir, &c.Server.StaticDir)
	str(EnvAudioDevice, &c.Audio.Device)
	str(EnvInterruptionPolicy, &c.Engine.InterruptionPolicy)
	str(EnvLogLevel, &c.LogLevel)

	if v, ok := lookup(EnvAudioBackend); ok && v != "" {
		c.Audio.Backend = audioio.Backend(v)
	}

	var errs []error
	if v, ok := lookup(EnvSignedURL); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSignedURL, err))
		} else {
			c.ElevenLabs.SignedURL = b
		}
	}
	if v, ok := lookup(EnvBargeInThreshold); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBargeInThreshold, err))
		} else {
			c.Engine.BargeInThreshold = f
		}
	}
	return errors.Join(errs...)
}

// Validate checks that c contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func (c *App) Validate() error {
	var errs []error

	if c.ElevenLabs.SignedURL && c.ElevenLabs.APIKey == "" {
		errs = append(errs, errors.New("elevenlabs.signed_url requires elevenlabs.api_key"))
	}
	if c.ElevenLabs.OutputFormat == "" {
		errs = append(errs, errors.New("elevenlabs.output_format is required"))
	}
	if c.ElevenLabs.Timeout < 0 {
		errs = append(errs, fmt.Errorf("elevenlabs.timeout %s is negative", c.ElevenLabs.Timeout))
	}

	if err := c.Audio.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	if _, err := engine.ParseInterruptionPolicy(c.Engine.InterruptionPolicy); err != nil {
		errs = append(errs, fmt.Errorf("engine.interruption_policy: %w", err))
	}
	if c.Engine.BargeInChunks < 0 {
		errs = append(errs, fmt.Errorf("engine.barge_in_chunks %d is negative", c.Engine.BargeInChunks))
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}

	return errors.Join(errs...)
}

// ConversationOptions returns the transport options for this config. The
// agent ID and signed URL are added per session.
func (c *App) ConversationOptions() []conversation.Option {
	opts := []conversation.Option{
		conversation.WithAPIKey(c.ElevenLabs.APIKey),
		conversation.WithBaseURL(c.ElevenLabs.BaseURL),
		conversation.WithOutputFormat(c.ElevenLabs.OutputFormat),
	}
	if c.ElevenLabs.Timeout > 0 {
		opts = append(opts, conversation.WithTimeout(c.ElevenLabs.Timeout))
	}
	if c.ElevenLabs.Prompt != "" || c.ElevenLabs.FirstMessage != "" || c.ElevenLabs.Language != "" {
		opts = append(opts, conversation.WithOverride(conversation.AgentOverride{
			Prompt:       c.ElevenLabs.Prompt,
			FirstMessage: c.ElevenLabs.FirstMessage,
			Language:     c.ElevenLabs.Language,
		}))
	}
	return opts
}

// EngineOptions returns the engine options for this config. The policy
// must already be valid.
func (c *App) EngineOptions() engine.Options {
	policy, _ := engine.ParseInterruptionPolicy(c.Engine.InterruptionPolicy)
	return engine.Options{
		InterruptionPolicy: policy,
		BargeInThreshold:   c.Engine.BargeInThreshold,
		BargeInChunks:      c.Engine.BargeInChunks,
	}
}
