// Package audioio provides microphone capture and audio output primitives
// for the voice conversation engine.
//
// This package supports multiple backends:
//   - Command - an external capture/playback process (arecord/aplay, gst-launch)
//   - Mock - CI/Testing without hardware
//
// Capture and playback share a single sample rate ([SampleRate]). The remote
// conversation service expects and returns 16 kHz mono PCM16, and a mismatch
// between the two paths would shift pitch and speed.
package audioio

import (
	"fmt"
	"time"
)

// SampleRate is the PCM sample rate used on both capture and playback paths.
const SampleRate = 16000

// DefaultChunkSamples is the number of samples per captured chunk.
const DefaultChunkSamples = 1024

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the best available backend for the platform.
	BackendAuto Backend = "auto"
	// BackendCommand pipes raw PCM through an external process.
	BackendCommand Backend = "command"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 16000. Must match SampleRate.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// ChunkSamples is the number of samples per captured chunk.
	// Default: 1024 (64ms at 16kHz)
	ChunkSamples int `yaml:"chunk_samples" json:"chunk_samples"`

	// Device is the platform-specific device identifier passed to the
	// capture/playback command (e.g. "default", "plughw:1,0").
	Device string `yaml:"device" json:"device"`

	// CaptureCommand overrides the capture process argv.
	// Default: arecord writing raw S16_LE to stdout.
	CaptureCommand []string `yaml:"capture_command" json:"capture_command"`

	// PlaybackCommand overrides the playback process argv.
	// Default: aplay reading raw S16_LE from stdin.
	PlaybackCommand []string `yaml:"playback_command" json:"playback_command"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendAuto,
		SampleRate:   SampleRate,
		Channels:     1,
		ChunkSamples: DefaultChunkSamples,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate != SampleRate {
		return fmt.Errorf("sample_rate must be %d, got %d", SampleRate, c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", c.Channels)
	}
	if c.ChunkSamples <= 0 {
		return fmt.Errorf("chunk_samples must be positive, got %d", c.ChunkSamples)
	}
	switch c.Backend {
	case BackendAuto, BackendCommand, BackendMock:
	default:
		return fmt.Errorf("unsupported backend: %q", c.Backend)
	}
	return nil
}

// ChunkBytes returns the size of a captured chunk in bytes (int16 samples).
func (c *Config) ChunkBytes() int {
	return c.ChunkSamples * c.Channels * 2
}

// ChunkDuration returns the wall-clock length of one captured chunk.
func (c *Config) ChunkDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.ChunkSamples) * time.Second / time.Duration(c.SampleRate)
}

func (c *Config) captureArgs() []string {
	if len(c.CaptureCommand) > 0 {
		return c.CaptureCommand
	}
	args := []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE",
		"-c", fmt.Sprint(c.Channels), "-r", fmt.Sprint(c.SampleRate)}
	if c.Device != "" {
		args = append(args, "-D", c.Device)
	}
	return args
}

func (c *Config) playbackArgs() []string {
	if len(c.PlaybackCommand) > 0 {
		return c.PlaybackCommand
	}
	args := []string{"aplay", "-q", "-t", "raw", "-f", "S16_LE",
		"-c", fmt.Sprint(c.Channels), "-r", fmt.Sprint(c.SampleRate)}
	if c.Device != "" {
		args = append(args, "-D", c.Device)
	}
	return args
}
