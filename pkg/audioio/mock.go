package audioio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence, a sine wave or scripted chunks).
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	stopCh   chan struct{}
	onChunk  func([]byte)
	interval time.Duration

	// deliverMu serializes chunk delivery with Stop.
	deliverMu sync.Mutex

	// Stats
	chunksRead   atomic.Int64
	samplesRead  atomic.Int64
	permRequests atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
	script    [][]byte
	denied    bool
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithScriptedChunks makes the mock emit the given PCM16 chunks in order
// before falling back to generated audio.
func WithScriptedChunks(chunks ...[]byte) MockSourceOption {
	return func(m *MockSource) {
		m.script = append(m.script, chunks...)
	}
}

// WithPermissionDenied makes RequestPermission and Start fail with
// ErrPermissionDenied.
func WithPermissionDenied() MockSourceOption {
	return func(m *MockSource) {
		m.denied = true
	}
}

// WithChunkInterval overrides the tick between generated chunks.
// A zero or negative interval disables the generator; use Emit instead.
func WithChunkInterval(d time.Duration) MockSourceOption {
	return func(m *MockSource) {
		m.interval = d
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger.With("component", "audioio.mock_source"),
		interval:  cfg.ChunkDuration(),
		frequency: 0, // Silence by default
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RequestPermission simulates the capture permission prompt.
func (m *MockSource) RequestPermission(ctx context.Context) error {
	m.permRequests.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.denied {
		return ErrPermissionDenied
	}
	return nil
}

// PermissionRequests returns how many times permission was requested.
func (m *MockSource) PermissionRequests() int64 {
	return m.permRequests.Load()
}

// OnChunk registers the chunk callback.
func (m *MockSource) OnChunk(fn func(chunk []byte)) {
	m.mu.Lock()
	m.onChunk = fn
	m.mu.Unlock()
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.denied {
		return ErrPermissionDenied
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})

	if m.interval > 0 {
		go m.generateLoop(ctx, m.stopCh)
	}

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"scripted", len(m.script),
	)

	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Emit(m.nextChunk())
		}
	}
}

// Emit delivers one chunk to the registered callback if the source is
// running. It reports whether the chunk was delivered.
func (m *MockSource) Emit(chunk []byte) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	running := m.running
	fn := m.onChunk
	m.mu.Unlock()

	if !running || fn == nil {
		return false
	}

	fn(chunk)
	m.chunksRead.Add(1)
	m.samplesRead.Add(int64(len(chunk) / 2))
	return true
}

func (m *MockSource) nextChunk() []byte {
	m.mu.Lock()
	if len(m.script) > 0 {
		chunk := m.script[0]
		m.script = m.script[1:]
		m.mu.Unlock()
		return chunk
	}
	m.mu.Unlock()

	n := m.cfg.ChunkSamples * m.cfg.Channels
	samples := make([]int16, n)

	if m.frequency > 0 {
		for i := 0; i < m.cfg.ChunkSamples; i++ {
			sample := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate))
			sampleInt := int16(sample * 32767)

			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = sampleInt
			}

			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	// else: samples are already zero (silence)

	return SamplesToBytes(samples)
}

// Stop halts audio generation. Once Stop returns no further chunk is
// delivered. The chunk callback must not call Stop.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	// Wait out an in-flight delivery.
	m.deliverMu.Lock()
	m.deliverMu.Unlock()

	m.logger.Info("mock audio source stopped")
	return nil
}

// Running reports whether the source is capturing.
func (m *MockSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	return SourceStats{
		ChunksRead:  m.chunksRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Running:     m.Running(),
		Backend:     "mock",
	}
}

var (
	_ SourceWithStats     = (*MockSource)(nil)
	_ PermissionRequester = (*MockSource)(nil)
)

// MockOutput is a mock audio output for testing.
// It renders nothing but keeps wall-clock timing, records every buffer it
// was asked to play and tracks how many voices were active at once.
type MockOutput struct {
	logger *slog.Logger
	speed  float64
	manual bool

	mu     sync.Mutex
	closed bool
	played [][]float32
	active []*mockVoice
	peak   int
	failFn func() error

	// Stats
	buffersPlayed  atomic.Int64
	buffersStopped atomic.Int64
	samplesWritten atomic.Int64
}

// MockOutputOption configures a MockOutput.
type MockOutputOption func(*MockOutput)

// WithPlaybackSpeed scales simulated playback time. A speed of 10 renders
// one second of audio in 100ms.
func WithPlaybackSpeed(speed float64) MockOutputOption {
	return func(m *MockOutput) {
		if speed > 0 {
			m.speed = speed
		}
	}
}

// WithManualCompletion disables the playback clock. Voices only end when
// FinishActive is called.
func WithManualCompletion() MockOutputOption {
	return func(m *MockOutput) {
		m.manual = true
	}
}

// NewMockOutput creates a new mock audio output.
func NewMockOutput(logger *slog.Logger, opts ...MockOutputOption) *MockOutput {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockOutput{
		logger: logger.With("component", "audioio.mock_output"),
		speed:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type mockVoice struct {
	out     *MockOutput
	timer   *time.Timer
	onEnded func()
	done    bool
}

// Play records buf and schedules onEnded after its simulated duration.
func (m *MockOutput) Play(buf []float32, sampleRate int, onEnded func()) (Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.failFn != nil {
		if err := m.failFn(); err != nil {
			return nil, err
		}
	}

	cp := make([]float32, len(buf))
	copy(cp, buf)
	m.played = append(m.played, cp)
	m.samplesWritten.Add(int64(len(buf)))

	v := &mockVoice{out: m, onEnded: onEnded}
	m.active = append(m.active, v)
	if len(m.active) > m.peak {
		m.peak = len(m.active)
	}

	if !m.manual {
		d := time.Duration(0)
		if sampleRate > 0 {
			d = time.Duration(float64(len(buf)) / float64(sampleRate) / m.speed * float64(time.Second))
		}
		v.timer = time.AfterFunc(d, v.finish)
	}

	return v, nil
}

func (v *mockVoice) finish() {
	m := v.out
	m.mu.Lock()
	if v.done {
		m.mu.Unlock()
		return
	}
	v.done = true
	m.removeLocked(v)
	m.mu.Unlock()

	m.buffersPlayed.Add(1)
	if v.onEnded != nil {
		v.onEnded()
	}
}

// Stop halts the voice without firing onEnded.
func (v *mockVoice) Stop() {
	m := v.out
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.done {
		return
	}
	v.done = true
	if v.timer != nil {
		v.timer.Stop()
	}
	m.removeLocked(v)
	m.buffersStopped.Add(1)
}

func (m *MockOutput) removeLocked(v *mockVoice) {
	for i, a := range m.active {
		if a == v {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

// FinishActive completes every voice currently playing, as if the device
// had rendered them. It returns the number of voices finished.
func (m *MockOutput) FinishActive() int {
	m.mu.Lock()
	voices := make([]*mockVoice, len(m.active))
	copy(voices, m.active)
	m.mu.Unlock()

	for _, v := range voices {
		v.finish()
	}
	return len(voices)
}

// FailWith makes subsequent Play calls return the error produced by fn.
// Passing nil restores normal behavior.
func (m *MockOutput) FailWith(fn func() error) {
	m.mu.Lock()
	m.failFn = fn
	m.mu.Unlock()
}

// Played returns a copy of every buffer passed to Play, in call order.
func (m *MockOutput) Played() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]float32, len(m.played))
	copy(out, m.played)
	return out
}

// Active returns the number of voices currently playing.
func (m *MockOutput) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PeakActive returns the highest number of simultaneously playing voices.
func (m *MockOutput) PeakActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Name returns "mock".
func (m *MockOutput) Name() string {
	return "mock"
}

// Close stops all voices and rejects further Play calls.
func (m *MockOutput) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	voices := make([]*mockVoice, len(m.active))
	copy(voices, m.active)
	m.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// Stats returns output statistics.
func (m *MockOutput) Stats() OutputStats {
	return OutputStats{
		BuffersPlayed:  m.buffersPlayed.Load(),
		BuffersStopped: m.buffersStopped.Load(),
		SamplesWritten: m.samplesWritten.Load(),
		Backend:        "mock",
	}
}

var _ OutputWithStats = (*MockOutput)(nil)
