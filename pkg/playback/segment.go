package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-tutor/pkg/audioio"
)

var (
	// ErrOddLength indicates a PCM16 payload with a dangling byte.
	ErrOddLength = errors.New("playback: odd PCM16 byte count")

	// ErrEmptySegment indicates a payload with no samples.
	ErrEmptySegment = errors.New("playback: empty segment")

	// ErrClosed indicates the player has been closed.
	ErrClosed = errors.New("playback: closed")
)

// Segment is one decoded agent audio payload ready for output.
type Segment struct {
	ID         string
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// DecodeSegment converts a PCM16 little-endian payload into a normalized
// segment at audioio.SampleRate.
func DecodeSegment(id string, pcm []byte) (Segment, error) {
	return decodeSegment(id, pcm, audioio.SampleRate)
}

// decodeSegment resamples payloads produced at sourceRate onto the shared
// pipeline rate.
func decodeSegment(id string, pcm []byte, sourceRate int) (Segment, error) {
	if len(pcm) == 0 {
		return Segment{}, fmt.Errorf("segment %s: %w", id, ErrEmptySegment)
	}
	if len(pcm)%2 != 0 {
		return Segment{}, fmt.Errorf("segment %s: %w (%d bytes)", id, ErrOddLength, len(pcm))
	}

	samples := audioio.BytesToSamples(pcm)
	if sourceRate > 0 && sourceRate != audioio.SampleRate {
		samples = audioio.Resample(samples, sourceRate, audioio.SampleRate)
	}

	return Segment{
		ID:         id,
		Samples:    audioio.SamplesToFloat32(samples),
		SampleRate: audioio.SampleRate,
	}, nil
}
