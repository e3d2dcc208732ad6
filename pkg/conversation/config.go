package conversation

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultBaseURL is the conversation WebSocket endpoint.
	DefaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	// DefaultAPIBaseURL is the REST endpoint used by APIClient.
	DefaultAPIBaseURL = "https://api.elevenlabs.io/v1"

	// DefaultOutputFormat matches the shared 16 kHz mono PCM16 pipeline.
	DefaultOutputFormat = "pcm_16000"
)

// Config holds configuration for the conversation transport.
type Config struct {
	// APIKey authenticates private agents. Public agents need none.
	APIKey string

	// AgentID is the agent identifier placed in the connection URL.
	AgentID string

	// BaseURL overrides the WebSocket endpoint.
	BaseURL string

	// SignedURL, when set, is dialed verbatim instead of BaseURL+agent_id.
	SignedURL string

	// OutputFormat is the audio encoding requested in the session-init message.
	OutputFormat string

	// Override carries optional per-session agent overrides.
	Override *AgentOverride

	// Timeout is the connection handshake timeout.
	Timeout time.Duration

	// WriteTimeout bounds each outgoing frame.
	WriteTimeout time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// AgentOverride replaces parts of the agent configuration for one session.
type AgentOverride struct {
	Prompt       string
	FirstMessage string
	Language     string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      DefaultBaseURL,
		OutputFormat: DefaultOutputFormat,
		Timeout:      30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.AgentID == "" && c.SignedURL == "" {
		return ErrMissingAgentID
	}
	if c.OutputFormat == "" {
		return fmt.Errorf("conversation: output format is required")
	}
	return nil
}

// Option is a functional option for configuring the transport.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithAgentID sets the agent ID.
func WithAgentID(id string) Option {
	return func(c *Config) {
		c.AgentID = id
	}
}

// WithBaseURL sets the WebSocket base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithSignedURL dials a pre-signed conversation URL (see APIClient.GetSignedURL).
func WithSignedURL(url string) Option {
	return func(c *Config) {
		c.SignedURL = url
	}
}

// WithOutputFormat sets the requested agent audio format.
func WithOutputFormat(format string) Option {
	return func(c *Config) {
		c.OutputFormat = format
	}
}

// WithOverride sets per-session agent overrides.
func WithOverride(o AgentOverride) Option {
	return func(c *Config) {
		c.Override = &o
	}
}

// WithTimeout sets the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
