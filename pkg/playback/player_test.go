package playback

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-tutor/pkg/audioio"
)

// pcmOf returns PCM16 bytes for n samples all equal to v.
func pcmOf(n int, v int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = v
	}
	return audioio.SamplesToBytes(samples)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDecodeSegment(t *testing.T) {
	t.Run("scales every sample", func(t *testing.T) {
		samples := []int16{0, 1, -1, 16384, -32768, 32767}
		seg, err := DecodeSegment("s1", audioio.SamplesToBytes(samples))
		if err != nil {
			t.Fatalf("DecodeSegment: %v", err)
		}
		if len(seg.Samples) != len(samples) {
			t.Fatalf("expected %d samples, got %d", len(samples), len(seg.Samples))
		}
		for i, s := range samples {
			if want := float32(s) / 32768; seg.Samples[i] != want {
				t.Errorf("sample %d: expected %v, got %v", i, want, seg.Samples[i])
			}
		}
	})

	t.Run("3200 bytes is 100ms", func(t *testing.T) {
		seg, err := DecodeSegment("s2", make([]byte, 3200))
		if err != nil {
			t.Fatalf("DecodeSegment: %v", err)
		}
		if len(seg.Samples) != 1600 {
			t.Errorf("expected 1600 samples, got %d", len(seg.Samples))
		}
		if seg.SampleRate != audioio.SampleRate {
			t.Errorf("expected %d Hz, got %d", audioio.SampleRate, seg.SampleRate)
		}
		if seg.Duration() != 100*time.Millisecond {
			t.Errorf("expected 100ms, got %v", seg.Duration())
		}
	})

	t.Run("odd length", func(t *testing.T) {
		if _, err := DecodeSegment("s3", []byte{1, 2, 3}); !errors.Is(err, ErrOddLength) {
			t.Errorf("expected ErrOddLength, got %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := DecodeSegment("s4", nil)
		if !errors.Is(err, ErrEmptySegment) {
			t.Errorf("expected ErrEmptySegment, got %v", err)
		}
		if !IsDecodeError(err) {
			t.Error("IsDecodeError should match")
		}
	})

	t.Run("resamples other source rates", func(t *testing.T) {
		seg, err := decodeSegment("s5", make([]byte, 960), 24000) // 480 samples at 24kHz
		if err != nil {
			t.Fatalf("decodeSegment: %v", err)
		}
		if len(seg.Samples) != 320 {
			t.Errorf("expected 320 samples at 16kHz, got %d", len(seg.Samples))
		}
	})
}

func TestPlayer_PlaysInOrder(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithPlaybackSpeed(20))
	p := NewPlayer(out, nil)

	for i := int16(1); i <= 5; i++ {
		if err := p.Enqueue("seg", pcmOf(160, i*100)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return p.Stats().Played == 5 })

	played := out.Played()
	if len(played) != 5 {
		t.Fatalf("expected 5 buffers, got %d", len(played))
	}
	for i, buf := range played {
		want := float32((i+1)*100) / 32768
		if buf[0] != want {
			t.Errorf("buffer %d: expected first sample %v, got %v", i, want, buf[0])
		}
	}
	if out.PeakActive() != 1 {
		t.Errorf("expected at most one voice at a time, peak %d", out.PeakActive())
	}
	if p.IsSpeaking() {
		t.Error("expected speaking=false after queue drained")
	}
}

func TestPlayer_OneSegmentAtATime(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
	p := NewPlayer(out, nil)

	p.Enqueue("a", pcmOf(16, 1))
	p.Enqueue("b", pcmOf(16, 2))
	p.Enqueue("c", pcmOf(16, 3))

	if out.Active() != 1 {
		t.Fatalf("expected 1 active voice, got %d", out.Active())
	}
	if p.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", p.Pending())
	}
	if !p.IsSpeaking() {
		t.Error("expected speaking=true")
	}

	// Completing a segment starts the next one from the callback.
	out.FinishActive()
	if out.Active() != 1 || p.Pending() != 1 {
		t.Errorf("expected next segment started, active=%d pending=%d", out.Active(), p.Pending())
	}
	if !p.IsSpeaking() {
		t.Error("speaking must stay true across the segment boundary")
	}

	out.FinishActive()
	out.FinishActive()
	if p.IsSpeaking() {
		t.Error("expected speaking=false after last segment")
	}
	if out.PeakActive() != 1 {
		t.Errorf("expected peak 1, got %d", out.PeakActive())
	}
	if got := p.Stats().Played; got != 3 {
		t.Errorf("expected 3 played, got %d", got)
	}
}

func TestPlayer_Interrupt(t *testing.T) {
	for _, queued := range []int{0, 1, 5} {
		out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
		p := NewPlayer(out, nil)

		p.Enqueue("current", pcmOf(16, 1))
		for i := 0; i < queued; i++ {
			p.Enqueue("queued", pcmOf(16, 2))
		}

		if !p.Interrupt() {
			t.Errorf("queued=%d: Interrupt should report dropped audio", queued)
		}
		if p.Pending() != 0 {
			t.Errorf("queued=%d: expected empty queue, got %d", queued, p.Pending())
		}
		if out.Active() != 0 {
			t.Errorf("queued=%d: expected no active voice, got %d", queued, out.Active())
		}
		if p.IsSpeaking() {
			t.Errorf("queued=%d: expected speaking=false", queued)
		}

		stats := p.Stats()
		if stats.Interrupted != 1 || stats.Dropped != int64(queued) {
			t.Errorf("queued=%d: unexpected stats %+v", queued, stats)
		}
	}
}

func TestPlayer_InterruptWhenIdle(t *testing.T) {
	p := NewPlayer(audioio.NewMockOutput(nil), nil)
	if p.Interrupt() {
		t.Error("Interrupt on idle player should report nothing dropped")
	}
	if p.IsSpeaking() {
		t.Error("expected speaking=false")
	}
}

func TestPlayer_PlaysAfterInterrupt(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
	p := NewPlayer(out, nil)

	p.Enqueue("old", pcmOf(16, 1))
	p.Interrupt()
	p.Enqueue("new", pcmOf(16, 2))

	if out.Active() != 1 || !p.IsSpeaking() {
		t.Fatalf("expected new segment rendering, active=%d", out.Active())
	}
	out.FinishActive()
	if p.Stats().Played != 1 {
		t.Errorf("expected 1 played, got %d", p.Stats().Played)
	}
}

// lateOutput fires onEnded even for voices that were stopped, emulating a
// device whose completion callback races with Stop.
type lateOutput struct {
	mu      sync.Mutex
	active  int
	peak    int
	pending []func()
}

type lateVoice struct {
	out     *lateOutput
	stopped bool
}

func (o *lateOutput) Play(buf []float32, sampleRate int, onEnded func()) (audioio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active++
	if o.active > o.peak {
		o.peak = o.active
	}
	v := &lateVoice{out: o}
	o.pending = append(o.pending, func() {
		o.mu.Lock()
		if !v.stopped {
			o.active--
		}
		o.mu.Unlock()
		onEnded()
	})
	return v, nil
}

func (v *lateVoice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	if !v.stopped {
		v.stopped = true
		v.out.active--
	}
}

func (o *lateOutput) fireAll() {
	o.mu.Lock()
	cbs := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (o *lateOutput) Name() string { return "late" }
func (o *lateOutput) Close() error { return nil }

func TestPlayer_StaleCompletionIgnored(t *testing.T) {
	out := &lateOutput{}
	p := NewPlayer(out, nil)

	p.Enqueue("old", pcmOf(16, 1))
	p.Enqueue("old-queued", pcmOf(16, 1))
	p.Interrupt()

	// The stopped voice reports completion after the interrupt.
	out.fireAll()

	if p.Pending() != 0 {
		t.Errorf("stale completion resumed the queue: %d pending", p.Pending())
	}
	if p.IsSpeaking() {
		t.Error("stale completion flipped speaking back on")
	}
	if p.Stats().Played != 0 {
		t.Errorf("stale completion counted as played")
	}

	p.Enqueue("new", pcmOf(16, 2))
	out.mu.Lock()
	active := out.active
	out.mu.Unlock()
	if active != 1 {
		t.Errorf("expected exactly one active voice, got %d", active)
	}
}

func TestPlayer_RenderFailureDropsSegment(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
	p := NewPlayer(out, nil)

	var failures atomic.Int32
	out.FailWith(func() error {
		if failures.Add(1) == 1 {
			return errors.New("device busy")
		}
		return nil
	})

	p.Enqueue("bad", pcmOf(16, 1))
	p.Enqueue("good", pcmOf(16, 2))

	if out.Active() != 1 {
		t.Fatalf("expected the next segment to play, active=%d", out.Active())
	}
	if got := p.Stats().Dropped; got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}
	played := out.Played()
	if len(played) != 1 || played[0][0] != float32(2)/32768 {
		t.Errorf("expected only the good segment rendered, got %v", played)
	}
}

func TestPlayer_RenderFailureOnLastSegment(t *testing.T) {
	out := audioio.NewMockOutput(nil)
	out.FailWith(func() error { return errors.New("device lost") })
	p := NewPlayer(out, nil)

	var flips []bool
	p.OnSpeakingChange(func(s bool) { flips = append(flips, s) })

	p.Enqueue("only", pcmOf(16, 1))

	if p.IsSpeaking() {
		t.Error("speaking must stay false when nothing renders")
	}
	if len(flips) != 0 {
		t.Errorf("unexpected speaking changes: %v", flips)
	}
}

func TestPlayer_DecodeErrorLeavesQueue(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
	p := NewPlayer(out, nil)

	p.Enqueue("a", pcmOf(16, 1))
	p.Enqueue("b", pcmOf(16, 2))

	if err := p.Enqueue("odd", []byte{1, 2, 3}); !errors.Is(err, ErrOddLength) {
		t.Errorf("expected ErrOddLength, got %v", err)
	}
	if p.Pending() != 1 || out.Active() != 1 {
		t.Errorf("decode error must not disturb playback: pending=%d active=%d", p.Pending(), out.Active())
	}
}

func TestPlayer_SpeakingListener(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
	p := NewPlayer(out, nil)

	var mu sync.Mutex
	var flips []bool
	p.OnSpeakingChange(func(s bool) {
		mu.Lock()
		flips = append(flips, s)
		mu.Unlock()
	})

	p.Enqueue("a", pcmOf(16, 1))
	p.Enqueue("b", pcmOf(16, 1))
	out.FinishActive()
	out.FinishActive()

	p.Enqueue("c", pcmOf(16, 1))
	p.Interrupt()

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true, false}
	if len(flips) != len(want) {
		t.Fatalf("expected flips %v, got %v", want, flips)
	}
	for i := range want {
		if flips[i] != want[i] {
			t.Errorf("flip %d: expected %v, got %v", i, want[i], flips[i])
		}
	}
}

func TestPlayer_Close(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithManualCompletion())
	p := NewPlayer(out, nil)

	p.Enqueue("a", pcmOf(16, 1))
	p.Close()

	if out.Active() != 0 {
		t.Errorf("expected voice stopped on Close")
	}
	if err := p.Enqueue("b", pcmOf(16, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPlayer_ConcurrentEnqueueInterrupt(t *testing.T) {
	out := audioio.NewMockOutput(nil, audioio.WithPlaybackSpeed(200))
	p := NewPlayer(out, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Enqueue("x", pcmOf(32, 1))
				if j%7 == 0 {
					p.Interrupt()
				}
			}
		}()
	}
	wg.Wait()
	p.Interrupt()

	if out.PeakActive() > 1 {
		t.Errorf("more than one segment rendered at once: peak %d", out.PeakActive())
	}
	if p.Pending() != 0 || p.IsSpeaking() {
		t.Errorf("expected idle player after final interrupt")
	}
}
