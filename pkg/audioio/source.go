package audioio

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors for audio devices.
var (
	// ErrPermissionDenied indicates microphone access was refused.
	ErrPermissionDenied = errors.New("audioio: microphone permission denied")

	// ErrDeviceUnavailable indicates no usable capture or playback device.
	ErrDeviceUnavailable = errors.New("audioio: audio device unavailable")

	// ErrClosed indicates the source or output has been closed.
	ErrClosed = errors.New("audioio: closed")
)

// AudioChunk represents a chunk of audio data.
type AudioChunk struct {
	// Samples contains PCM16 audio samples.
	Samples []int16

	// SampleRate is the sample rate of this chunk.
	SampleRate int

	// Channels is the number of channels in this chunk.
	Channels int
}

// Bytes returns the raw little-endian bytes of the audio chunk.
func (c *AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// FromBytes populates the chunk from raw PCM16 bytes.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) {
	c.SampleRate = sampleRate
	c.Channels = channels
	c.Samples = BytesToSamples(data)
}

// Duration returns the duration of this audio chunk in seconds.
func (c *AudioChunk) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate*c.Channels)
}

// Source captures audio from a microphone.
//
// A Source holds the capture device exclusively between Start and Stop.
// Callers must make sure Stop runs on every exit path.
type Source interface {
	// Start acquires the device and begins delivering chunks to the
	// callback registered with OnChunk. Calling Start on a running
	// source is a no-op. On error the source stays stopped.
	Start(ctx context.Context) error

	// Stop releases the device. No chunk is delivered after Stop
	// returns. It is safe to call Stop multiple times.
	Stop() error

	// OnChunk registers the callback receiving raw PCM16 chunks.
	OnChunk(fn func(chunk []byte))

	// Running reports whether the source is capturing.
	Running() bool

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "command", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}

// PermissionRequester is implemented by sources that can ask for capture
// permission before the device is opened.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// ChunksRead is the total number of chunks delivered.
	ChunksRead int64 `json:"chunks_read"`

	// SamplesRead is the total number of samples delivered.
	SamplesRead int64 `json:"samples_read"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
