package audioio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// CommandSource captures raw PCM16 from the stdout of an external process
// (arecord by default).
type CommandSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	onChunk func([]byte)

	// Stats
	chunksRead  atomic.Int64
	samplesRead atomic.Int64
}

// NewCommandSource creates a capture source backed by cfg's capture command.
func NewCommandSource(cfg Config, logger *slog.Logger) *CommandSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandSource{
		cfg:    cfg,
		logger: logger.With("component", "audioio.command_source"),
	}
}

// RequestPermission checks that the capture binary can be executed.
func (s *CommandSource) RequestPermission(ctx context.Context) error {
	args := s.cfg.captureArgs()
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, args[0], err)
	}
	return ctx.Err()
}

// OnChunk registers the chunk callback.
func (s *CommandSource) OnChunk(fn func(chunk []byte)) {
	s.mu.Lock()
	s.onChunk = fn
	s.mu.Unlock()
}

// Start launches the capture process.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	args := s.cfg.captureArgs()
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, args[0], args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("start %s: %w", args[0], err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.readLoop(stdout, s.done)

	s.logger.Info("capture started", "command", args[0], "sample_rate", s.cfg.SampleRate)
	return nil
}

func (s *CommandSource) readLoop(r io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, s.cfg.ChunkBytes())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				s.logger.Warn("capture stream ended", "error", err)
			}
			return
		}

		s.mu.Lock()
		running := s.running
		fn := s.onChunk
		s.mu.Unlock()
		if !running {
			return
		}

		chunk := make([]byte, len(buf))
		copy(chunk, buf)
		if fn != nil {
			fn(chunk)
		}
		s.chunksRead.Add(1)
		s.samplesRead.Add(int64(len(chunk) / 2))
	}
}

// Stop kills the capture process and waits for the reader to exit.
// The chunk callback must not call Stop.
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, cmd, done := s.cancel, s.cmd, s.done
	s.cmd = nil
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	_ = cmd.Wait()

	s.logger.Info("capture stopped")
	return nil
}

// Running reports whether the source is capturing.
func (s *CommandSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Config returns the audio configuration.
func (s *CommandSource) Config() Config {
	return s.cfg
}

// Name returns "command".
func (s *CommandSource) Name() string {
	return "command"
}

// Close stops capture. The source cannot be restarted afterwards.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns source statistics.
func (s *CommandSource) Stats() SourceStats {
	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Running:     s.Running(),
		Backend:     "command",
	}
}

var (
	_ SourceWithStats     = (*CommandSource)(nil)
	_ PermissionRequester = (*CommandSource)(nil)
)

// Pacing of the playback stream.
const (
	// streamFrame is the size of one write to the playback process.
	streamFrame = 20 * time.Millisecond

	// streamLead bounds how far writes run ahead of the device.
	streamLead = 100 * time.Millisecond
)

// CommandOutput feeds every voice into one long-lived playback process
// (aplay by default). Writes are paced to real time with a small lead, and
// a voice ends once its last frame is written, so the next voice continues
// the same stream without reopening the device. Stopping a voice kills the
// process to flush what is buffered; the next Play starts a new one.
type CommandOutput struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	stream   *commandStream
	playhead time.Time
	voices   map[*commandVoice]struct{}

	// Stats
	buffersPlayed  atomic.Int64
	buffersStopped atomic.Int64
	samplesWritten atomic.Int64
	streamsStarted atomic.Int64
}

// NewCommandOutput creates an output backed by cfg's playback command.
func NewCommandOutput(cfg Config, logger *slog.Logger) (Output, error) {
	return newCommandOutput(cfg, logger)
}

func newCommandOutput(cfg Config, logger *slog.Logger) (*CommandOutput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	args := cfg.playbackArgs()
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, args[0], err)
	}
	return &CommandOutput{
		cfg:    cfg,
		logger: logger.With("component", "audioio.command_output"),
		voices: make(map[*commandVoice]struct{}),
	}, nil
}

// commandStream is one running playback process.
type commandStream struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

type commandVoice struct {
	out     *CommandOutput
	stream  *commandStream
	stop    chan struct{}
	stopped atomic.Bool
}

// Play queues buf on the playback stream and invokes onEnded once its last
// frame has been written.
func (o *CommandOutput) Play(buf []float32, sampleRate int, onEnded func()) (Voice, error) {
	if sampleRate != o.cfg.SampleRate {
		return nil, fmt.Errorf("sample rate %d does not match output rate %d", sampleRate, o.cfg.SampleRate)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.stream == nil {
		st, err := o.startStreamLocked()
		if err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.stream = st
	}
	v := &commandVoice{out: o, stream: o.stream, stop: make(chan struct{})}
	o.voices[v] = struct{}{}
	o.mu.Unlock()

	data := SamplesToBytes(Float32ToSamples(buf))
	go o.render(v, data, onEnded)
	return v, nil
}

// startStreamLocked spawns the playback process. Must hold mu.
func (o *CommandOutput) startStreamLocked() (*commandStream, error) {
	args := o.cfg.playbackArgs()
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, args[0], err)
	}
	o.streamsStarted.Add(1)
	o.playhead = time.Time{}
	o.logger.Debug("playback stream started", "pid", cmd.Process.Pid)
	return &commandStream{cmd: cmd, stdin: stdin}, nil
}

// render writes data to the voice's stream one frame at a time, keeping at
// most streamLead of audio ahead of the device.
func (o *CommandOutput) render(v *commandVoice, data []byte, onEnded func()) {
	defer func() {
		o.mu.Lock()
		delete(o.voices, v)
		o.mu.Unlock()
	}()

	frame := o.cfg.SampleRate * o.cfg.Channels * 2 * int(streamFrame/time.Millisecond) / 1000
	if frame <= 0 {
		frame = len(data)
	}

	for off := 0; off < len(data); off += frame {
		end := min(off+frame, len(data))

		if wait := o.reserve(v.stream, end-off); wait > 0 {
			select {
			case <-v.stop:
				return
			case <-time.After(wait):
			}
		}
		if v.stopped.Load() {
			return
		}

		if _, err := v.stream.stdin.Write(data[off:end]); err != nil {
			if v.stopped.Load() {
				return
			}
			o.logger.Warn("playback write failed", "error", err)
			o.resetStream(v.stream)
			break
		}
		o.samplesWritten.Add(int64((end - off) / 2))
	}

	if v.stopped.Load() {
		return
	}
	o.buffersPlayed.Add(1)
	if onEnded != nil {
		onEnded()
	}
}

// reserve advances the playhead of st by n bytes and returns how long the
// caller must wait before writing them.
func (o *CommandOutput) reserve(st *commandStream, n int) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if o.stream != st {
		return 0
	}
	if o.playhead.Before(now) {
		o.playhead = now
	}
	wait := o.playhead.Sub(now) - streamLead
	o.playhead = o.playhead.Add(o.bytesDuration(n))
	return wait
}

func (o *CommandOutput) bytesDuration(n int) time.Duration {
	bytesPerSecond := o.cfg.SampleRate * o.cfg.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

// resetStream kills st if it is still the active stream.
func (o *CommandOutput) resetStream(st *commandStream) {
	o.mu.Lock()
	if o.stream != st {
		o.mu.Unlock()
		return
	}
	o.stream = nil
	o.playhead = time.Time{}
	o.mu.Unlock()

	st.stdin.Close()
	if st.cmd.Process != nil {
		_ = st.cmd.Process.Kill()
	}
	go st.cmd.Wait()
}

// Stop halts the voice and flushes the stream. onEnded will not fire.
func (v *commandVoice) Stop() {
	if v.stopped.Swap(true) {
		return
	}
	close(v.stop)
	v.out.buffersStopped.Add(1)
	v.out.resetStream(v.stream)
}

// Name returns "command".
func (o *CommandOutput) Name() string {
	return "command"
}

// Close stops every voice and the playback process.
func (o *CommandOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	st := o.stream
	voices := make([]*commandVoice, 0, len(o.voices))
	for v := range o.voices {
		voices = append(voices, v)
	}
	o.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if st != nil {
		o.resetStream(st)
	}
	return nil
}

// Stats returns output statistics.
func (o *CommandOutput) Stats() OutputStats {
	return OutputStats{
		BuffersPlayed:  o.buffersPlayed.Load(),
		BuffersStopped: o.buffersStopped.Load(),
		SamplesWritten: o.samplesWritten.Load(),
		Backend:        "command",
	}
}

var _ OutputWithStats = (*CommandOutput)(nil)
