package audioio

import "io"

// Output renders normalized float32 audio buffers to a speaker.
//
// Output is the hardware-backed scheduler underneath the playback queue: it
// starts one buffer and reports its natural completion. Ordering and
// exclusivity are the caller's responsibility.
type Output interface {
	// Play starts rendering buf at sampleRate and returns immediately.
	// onEnded is invoked once, on another goroutine, when the output is
	// ready for the next buffer: a buffer started then follows this one
	// without a gap. It is never invoked for a voice that was stopped and
	// never from within Play itself.
	Play(buf []float32, sampleRate int, onEnded func()) (Voice, error)

	// Name returns the backend name (e.g., "command", "mock").
	Name() string

	// Close releases all resources.
	io.Closer
}

// Voice is a handle to one buffer being rendered.
type Voice interface {
	// Stop halts rendering immediately. onEnded will not fire afterwards.
	// It is safe to call Stop multiple times.
	Stop()
}

// OutputStats contains statistics about the audio output.
type OutputStats struct {
	// BuffersPlayed is the total number of buffers rendered to completion.
	BuffersPlayed int64 `json:"buffers_played"`

	// BuffersStopped is the number of buffers cut off by Stop.
	BuffersStopped int64 `json:"buffers_stopped"`

	// SamplesWritten is the total number of samples handed to the device.
	SamplesWritten int64 `json:"samples_written"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// OutputWithStats extends Output with statistics.
type OutputWithStats interface {
	Output
	Stats() OutputStats
}
