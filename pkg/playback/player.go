// Package playback queues decoded agent audio and renders it through an
// audioio.Output one segment at a time.
//
// Segments play in arrival order. The next segment starts from the
// completion callback of the previous one, so the boundary adds no gap.
// Interrupt drops everything: the rendering voice is hard-stopped and the
// queue is cleared under the same lock, and completion callbacks from
// before the interrupt are ignored.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-tutor/internal/metrics"
	"github.com/teslashibe/go-tutor/pkg/audioio"
)

// Stats contains playback counters.
type Stats struct {
	Enqueued    int64 `json:"enqueued"`
	Played      int64 `json:"played"`
	Dropped     int64 `json:"dropped"`
	Interrupted int64 `json:"interrupted"`
}

// Player owns the segment queue and the output voice.
type Player struct {
	out    audioio.Output
	logger *slog.Logger

	mu         sync.Mutex
	queue      []Segment
	current    audioio.Voice
	rendering  bool
	seq        uint64
	speaking   bool
	closed     bool
	sourceRate int
	listeners  []func(speaking bool)

	// Stats
	enqueued    atomic.Int64
	played      atomic.Int64
	dropped     atomic.Int64
	interrupted atomic.Int64
}

// NewPlayer creates a player rendering to out.
func NewPlayer(out audioio.Output, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		out:        out,
		logger:     logger.With("component", "playback"),
		sourceRate: audioio.SampleRate,
	}
}

// SetSourceRate sets the sample rate of incoming payloads. Payloads at a
// different rate than audioio.SampleRate are resampled on Enqueue.
func (p *Player) SetSourceRate(rate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rate > 0 {
		p.sourceRate = rate
	}
}

// OnSpeakingChange registers a listener called whenever IsSpeaking flips.
// Listeners run outside the player lock and may call back into the player.
func (p *Player) OnSpeakingChange(fn func(speaking bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Enqueue decodes pcm and appends it to the queue, starting playback if
// nothing is rendering. A payload that cannot be decoded is dropped and
// the error returned; the queue is unaffected.
func (p *Player) Enqueue(id string, pcm []byte) error {
	p.mu.Lock()
	rate := p.sourceRate
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}

	seg, err := decodeSegment(id, pcm, rate)
	if err != nil {
		p.dropped.Add(1)
		metrics.Segments.WithLabelValues(metrics.OutcomeDropped).Inc()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, seg)
	p.enqueued.Add(1)
	metrics.Segments.WithLabelValues(metrics.OutcomeEnqueued).Inc()
	metrics.SegmentSeconds.Observe(seg.Duration().Seconds())
	p.advanceLocked()
	changed, speaking := p.syncSpeakingLocked()
	p.mu.Unlock()

	p.notify(changed, speaking)
	return nil
}

// advanceLocked starts the oldest queued segment if nothing is rendering.
// Segments the output rejects are dropped. Must hold mu.
func (p *Player) advanceLocked() {
	for !p.rendering && len(p.queue) > 0 {
		seg := p.queue[0]
		p.queue[0] = Segment{}
		p.queue = p.queue[1:]

		p.seq++
		seq := p.seq
		voice, err := p.out.Play(seg.Samples, seg.SampleRate, func() { p.segmentEnded(seq) })
		if err != nil {
			p.dropped.Add(1)
			metrics.Segments.WithLabelValues(metrics.OutcomeDropped).Inc()
			p.logger.Warn("segment dropped", "segment", seg.ID, "error", err)
			continue
		}

		p.rendering = true
		p.current = voice
		p.logger.Debug("segment started", "segment", seg.ID, "duration", seg.Duration(), "pending", len(p.queue))
	}
	if len(p.queue) == 0 {
		p.queue = nil
	}
}

// segmentEnded runs on natural completion of the voice started as seq.
func (p *Player) segmentEnded(seq uint64) {
	p.mu.Lock()
	if seq != p.seq || !p.rendering {
		// Stopped by Interrupt; a newer segment may own the output.
		p.mu.Unlock()
		return
	}
	p.rendering = false
	p.current = nil
	p.played.Add(1)
	metrics.Segments.WithLabelValues(metrics.OutcomePlayed).Inc()

	p.advanceLocked()
	changed, speaking := p.syncSpeakingLocked()
	p.mu.Unlock()

	p.notify(changed, speaking)
}

// Interrupt hard-stops the rendering segment and clears the queue. It is
// safe to call at any time and reports whether anything was dropped.
func (p *Player) Interrupt() bool {
	p.mu.Lock()
	pending := len(p.queue)
	hadVoice := p.current != nil
	if p.current != nil {
		p.current.Stop()
		p.current = nil
	}
	p.queue = nil
	p.rendering = false
	p.seq++
	changed, speaking := p.syncSpeakingLocked()
	p.mu.Unlock()

	if hadVoice {
		p.interrupted.Add(1)
	}
	if pending > 0 {
		p.dropped.Add(int64(pending))
		metrics.Segments.WithLabelValues(metrics.OutcomeDropped).Add(float64(pending))
	}
	if hadVoice || pending > 0 {
		p.logger.Info("playback interrupted", "stopped", hadVoice, "discarded", pending)
	}

	p.notify(changed, speaking)
	return hadVoice || pending > 0
}

// syncSpeakingLocked aligns the speaking flag with the rendering flag.
// Must hold mu.
func (p *Player) syncSpeakingLocked() (changed, speaking bool) {
	if p.speaking == p.rendering {
		return false, p.speaking
	}
	p.speaking = p.rendering
	return true, p.speaking
}

func (p *Player) notify(changed, speaking bool) {
	if !changed {
		return
	}
	p.mu.Lock()
	listeners := append([]func(bool){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(speaking)
	}
}

// IsSpeaking reports whether a segment is rendering.
func (p *Player) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Pending returns the number of queued segments not yet started.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns playback counters.
func (p *Player) Stats() Stats {
	return Stats{
		Enqueued:    p.enqueued.Load(),
		Played:      p.played.Load(),
		Dropped:     p.dropped.Load(),
		Interrupted: p.interrupted.Load(),
	}
}

// Close interrupts playback and rejects further segments. The output is
// not closed.
func (p *Player) Close() error {
	p.Interrupt()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// IsDecodeError reports whether err came from a malformed payload.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrOddLength) || errors.Is(err, ErrEmptySegment)
}
