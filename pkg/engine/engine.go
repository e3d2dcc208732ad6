// Package engine runs one voice conversation at a time: it opens the
// transport, streams microphone audio to it, plays agent audio back and
// exposes the combined state to a user interface.
//
// Every session ends through the same teardown path, whether it is stopped
// by the user, closed by the service or broken by an error. Teardown stops
// capture, drops all agent audio and closes the transport before the
// engine reports the session as ended, and a new session cannot start
// until it has finished.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-tutor/internal/metrics"
	"github.com/teslashibe/go-tutor/pkg/audioio"
	"github.com/teslashibe/go-tutor/pkg/conversation"
	"github.com/teslashibe/go-tutor/pkg/playback"
)

// session holds the resources of one conversation.
type session struct {
	id        string
	agentID   string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	// dispatchMu is held for reading while an inbound event is handled.
	// Teardown takes it for writing once the session is marked ending, so
	// no event handled afterwards can reach the player.
	dispatchMu sync.RWMutex

	// Guarded by Engine.mu.
	transport      conversation.Transport
	conversationID string
	open           bool
	ending         bool
	loudRun        int
}

// Engine is the conversation engine.
type Engine struct {
	factory TransportFactory
	source  audioio.Source
	player  *playback.Player
	opts    Options
	logger  *slog.Logger

	mu         sync.Mutex
	sess       *session
	state      UIState
	lastErr    *SessionError
	transcript []TranscriptEvent
	listeners  []func(Status)
	disposed   bool

	// srcMu orders source.Start in Start against source.Stop in teardown.
	srcMu sync.Mutex

	// notifyMu serializes listener delivery so snapshots arrive in the
	// order they were taken.
	notifyMu sync.Mutex
}

// New creates an engine. The engine takes ownership of source and player;
// Dispose releases both.
func New(factory TransportFactory, source audioio.Source, player *playback.Player, opts Options) *Engine {
	opts.applyDefaults()

	e := &Engine{
		factory: factory,
		source:  source,
		player:  player,
		opts:    opts,
		logger:  opts.Logger.With("component", "engine"),
		state:   StateNotConnected,
	}

	source.OnChunk(e.handleChunk)
	player.OnSpeakingChange(func(bool) { e.refreshSpeaking() })
	return e
}

// Start begins a session with the given agent. It returns once the
// transport is open and capture has started. Calling Start while a session
// is connecting, open or tearing down is a no-op.
func (e *Engine) Start(ctx context.Context, agentID string) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.sess != nil {
		e.mu.Unlock()
		e.logger.Debug("start ignored, session already active")
		return nil
	}
	if agentID == "" {
		e.mu.Unlock()
		return ErrMissingAgentID
	}

	s := &session{
		id:        uuid.NewString(),
		agentID:   agentID,
		startedAt: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	e.sess = s
	e.state = StateNotConnected
	e.lastErr = nil
	e.transcript = nil
	e.mu.Unlock()

	// Agent audio is 16 kHz until this session's metadata says otherwise.
	e.player.SetSourceRate(audioio.SampleRate)

	metrics.SessionsTotal.Inc()
	logger := e.logger.With("session", s.id, "agent_id", agentID)

	// Permission comes first; a denied microphone never reaches Connecting.
	if pr, ok := e.source.(audioio.PermissionRequester); ok {
		if err := pr.RequestPermission(ctx); err != nil {
			logger.Warn("microphone permission denied", "error", err)
			return e.fail(s, KindPermission, err)
		}
	}

	tr, err := e.factory(ctx, agentID)
	if err != nil {
		logger.Error("failed to create transport", "error", err)
		kind := KindUnknown
		var apiErr *conversation.APIError
		if errors.As(err, &apiErr) {
			kind = KindTransport
		}
		return e.fail(s, kind, err)
	}
	tr.OnEvent(func(ev conversation.Event) { e.handleEvent(s, ev) })
	tr.OnClose(func(err error) { e.handleClose(s, err) })

	e.mu.Lock()
	if !e.isCurrentLocked(s) {
		e.mu.Unlock()
		tr.Close()
		return ErrSessionStopped
	}
	s.transport = tr
	e.state = StateConnecting
	e.mu.Unlock()
	e.notify()

	connectStart := time.Now()
	if err := tr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		return e.fail(s, KindTransport, err)
	}
	metrics.ConnectDuration.Observe(time.Since(connectStart).Seconds())

	e.srcMu.Lock()
	e.mu.Lock()
	current := e.isCurrentLocked(s)
	e.mu.Unlock()
	if !current {
		e.srcMu.Unlock()
		return ErrSessionStopped
	}
	err = e.source.Start(s.ctx)
	e.srcMu.Unlock()
	if err != nil {
		logger.Error("failed to start capture", "error", err)
		kind := KindUnknown
		if errors.Is(err, audioio.ErrPermissionDenied) || errors.Is(err, audioio.ErrDeviceUnavailable) {
			kind = KindPermission
		}
		return e.fail(s, kind, err)
	}

	e.mu.Lock()
	if !e.isCurrentLocked(s) {
		e.mu.Unlock()
		return ErrSessionStopped
	}
	s.open = true
	e.state = e.openStateLocked()
	metrics.SessionsActive.Inc()
	e.mu.Unlock()

	logger.Info("session open", "connect_time", time.Since(connectStart))
	e.notify()
	return nil
}

// Stop ends the active session. It returns after capture, playback and the
// transport have been released. Stop without a session is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()

	if s == nil {
		return nil
	}
	e.endSession(s, nil)
	return nil
}

// Toggle starts a session when none is active and stops the active one
// otherwise.
func (e *Engine) Toggle(ctx context.Context, agentID string) error {
	if e.Status().State.Active() {
		return e.Stop()
	}
	return e.Start(ctx, agentID)
}

// Dispose stops any session and releases the source and player. The
// engine cannot be used afterwards.
func (e *Engine) Dispose() error {
	e.Stop()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.listeners = nil
	e.mu.Unlock()

	e.player.Close()
	return e.source.Close()
}

// Status returns the current state snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		State:           e.state,
		Connection:      conversation.StateIdle,
		IsConnected:     e.state == StateListening || e.state == StateAgentSpeaking,
		IsAgentSpeaking: e.state == StateAgentSpeaking,
	}
	if s := e.sess; s != nil {
		st.SessionID = s.id
		st.AgentID = s.agentID
		st.ConversationID = s.conversationID
		st.StartedAt = s.startedAt
		if s.transport != nil {
			st.Connection = s.transport.State()
		}
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.UserMessage()
		st.ErrorKind = e.lastErr.Kind
	}
	return st
}

// Err returns the error that ended the last session, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == nil {
		return nil
	}
	return e.lastErr
}

// Transcript returns a copy of the current session's transcript.
func (e *Engine) Transcript() []TranscriptEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TranscriptEvent(nil), e.transcript...)
}

// OnStatus registers a listener called with a snapshot after every state
// change. Listeners must not block or call back into the engine.
func (e *Engine) OnStatus(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	st := e.statusLocked()
	listeners := append([]func(Status){}, e.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// isCurrentLocked reports whether s is the live session. Must hold mu.
func (e *Engine) isCurrentLocked(s *session) bool {
	return e.sess == s && !s.ending
}

// openStateLocked maps an open session to Listening or AgentSpeaking.
// Must hold mu.
func (e *Engine) openStateLocked() UIState {
	if e.player.IsSpeaking() {
		return StateAgentSpeaking
	}
	return StateListening
}

func (e *Engine) refreshSpeaking() {
	e.mu.Lock()
	s := e.sess
	if s == nil || !s.open || s.ending {
		e.mu.Unlock()
		return
	}
	next := e.openStateLocked()
	changed := next != e.state
	e.state = next
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

// fail ends s with a typed error. It returns ErrSessionStopped when s was
// already stopped by someone else.
func (e *Engine) fail(s *session, kind ErrorKind, err error) error {
	serr := &SessionError{Kind: kind, Err: err}
	if !e.endSession(s, serr) {
		return ErrSessionStopped
	}
	return serr
}

// endSession is the single teardown path. It reports whether this call
// ended s.
func (e *Engine) endSession(s *session, serr *SessionError) bool {
	e.mu.Lock()
	if !e.isCurrentLocked(s) {
		e.mu.Unlock()
		return false
	}
	s.ending = true
	wasOpen := s.open
	tr := s.transport
	e.mu.Unlock()

	s.cancel()

	e.srcMu.Lock()
	if err := e.source.Stop(); err != nil {
		e.logger.Warn("failed to stop capture", "session", s.id, "error", err)
	}
	e.srcMu.Unlock()

	// Events already past the current-session check finish before the
	// interrupt; later ones see ending and are dropped.
	s.dispatchMu.Lock()
	interrupted := e.player.Interrupt()
	s.dispatchMu.Unlock()
	if interrupted {
		metrics.Interruptions.WithLabelValues(metrics.SourceStop).Inc()
	}

	if tr != nil {
		if err := tr.Close(); err != nil {
			e.logger.Warn("failed to close transport", "session", s.id, "error", err)
		}
	}

	e.mu.Lock()
	e.sess = nil
	if serr != nil {
		e.lastErr = serr
		e.state = StateError
	} else {
		e.state = StateNotConnected
	}
	e.mu.Unlock()

	if wasOpen {
		metrics.SessionsActive.Dec()
	}
	if serr != nil {
		metrics.SessionErrors.WithLabelValues(string(serr.Kind)).Inc()
		e.logger.Warn("session ended with error", "session", s.id, "kind", serr.Kind, "error", serr.Err)
	} else {
		e.logger.Info("session ended", "session", s.id, "duration", time.Since(s.startedAt))
	}

	e.notify()
	return true
}

// handleClose runs when the transport ends without an explicit Close.
func (e *Engine) handleClose(s *session, err error) {
	if err == nil {
		e.endSession(s, nil)
		return
	}
	e.endSession(s, &SessionError{Kind: KindTransport, Err: err})
}

// handleChunk forwards one microphone chunk, cutting off agent audio first
// when the user talks over it.
func (e *Engine) handleChunk(chunk []byte) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.ending || s.transport == nil {
		e.mu.Unlock()
		metrics.AudioChunksDropped.Inc()
		return
	}
	tr := s.transport
	bargeIn := e.detectBargeInLocked(s, chunk)
	e.mu.Unlock()

	if bargeIn && e.player.Interrupt() {
		metrics.Interruptions.WithLabelValues(metrics.SourceBargeIn).Inc()
		e.logger.Info("barge-in, agent audio cut", "session", s.id)
	}

	if err := tr.SendAudio(chunk); err != nil {
		metrics.AudioChunksDropped.Inc()
		if !conversation.IsNotConnected(err) {
			e.logger.Warn("failed to send audio", "session", s.id, "error", err)
		}
		return
	}
	metrics.AudioChunksSent.Inc()
}

// detectBargeInLocked tracks consecutive loud chunks while the agent is
// speaking. Must hold mu.
func (e *Engine) detectBargeInLocked(s *session, chunk []byte) bool {
	if e.opts.BargeInThreshold < 0 || e.state != StateAgentSpeaking {
		s.loudRun = 0
		return false
	}
	if audioio.CalculateRMS(audioio.BytesToSamples(chunk)) < e.opts.BargeInThreshold {
		s.loudRun = 0
		return false
	}
	s.loudRun++
	if s.loudRun < e.opts.BargeInChunks {
		return false
	}
	s.loudRun = 0
	return true
}

// handleEvent dispatches one inbound event for session s.
func (e *Engine) handleEvent(s *session, ev conversation.Event) {
	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()

	e.mu.Lock()
	current := e.isCurrentLocked(s)
	e.mu.Unlock()
	if !current {
		return
	}

	label := ev.EventType()
	if _, ok := ev.(*conversation.UnknownEvent); ok {
		label = "unknown"
	}
	metrics.InboundEvents.WithLabelValues(label).Inc()

	switch ev := ev.(type) {
	case *conversation.AudioEvent:
		if err := e.player.Enqueue(ev.EventID.String(), ev.Audio); err != nil {
			e.logger.Warn("dropped agent audio", "session", s.id, "event_id", ev.EventID.String(), "error", err)
		}
	case *conversation.UserTranscriptEvent:
		e.appendTranscript(SpeakerUser, ev.Text)
	case *conversation.AgentResponseEvent:
		e.appendTranscript(SpeakerAgent, ev.Text)
	case *conversation.AgentResponseCorrectionEvent:
		e.correctTranscript(ev.Original, ev.Corrected)
	case *conversation.InterruptionEvent:
		e.handleInterruption(s, ev)
	case *conversation.ConversationMetadataEvent:
		e.handleMetadata(s, ev)
	case *conversation.PingEvent, *conversation.VADScoreEvent:
		// Handled by the transport or not needed.
	case *conversation.UnknownEvent:
		e.logger.Debug("ignoring event", "type", ev.Type)
	}
}

func (e *Engine) handleInterruption(s *session, ev *conversation.InterruptionEvent) {
	if e.opts.InterruptionPolicy != InterruptClear {
		e.logger.Info("server interruption", "session", s.id, "reason", ev.Reason)
		return
	}
	if e.player.Interrupt() {
		metrics.Interruptions.WithLabelValues(metrics.SourceServer).Inc()
		e.logger.Info("server interruption, agent audio cut", "session", s.id, "reason", ev.Reason)
	}
}

func (e *Engine) handleMetadata(s *session, ev *conversation.ConversationMetadataEvent) {
	e.mu.Lock()
	if !e.isCurrentLocked(s) {
		e.mu.Unlock()
		return
	}
	s.conversationID = ev.ConversationID
	e.mu.Unlock()

	if rate, ok := parsePCMRate(ev.AgentOutputFormat); ok {
		if rate != audioio.SampleRate {
			e.logger.Info("resampling agent audio", "session", s.id, "from", rate, "to", audioio.SampleRate)
		}
		e.player.SetSourceRate(rate)
	} else if ev.AgentOutputFormat != "" {
		e.logger.Warn("unsupported agent output format", "session", s.id, "format", ev.AgentOutputFormat)
	}

	e.notify()
}

func (e *Engine) appendTranscript(speaker Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	e.mu.Lock()
	e.transcript = append(e.transcript, TranscriptEvent{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	})
	if n := len(e.transcript); n > maxTranscript {
		e.transcript = append([]TranscriptEvent(nil), e.transcript[n-maxTranscript:]...)
	}
	e.mu.Unlock()

	e.logger.Info("transcript", "speaker", speaker, "text", text)
}

// correctTranscript replaces the most recent agent line matching original,
// or the most recent agent line when none matches.
func (e *Engine) correctTranscript(original, corrected string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last := -1
	for i := len(e.transcript) - 1; i >= 0; i-- {
		if e.transcript[i].Speaker != SpeakerAgent {
			continue
		}
		if last < 0 {
			last = i
		}
		if e.transcript[i].Text == strings.TrimSpace(original) {
			last = i
			break
		}
	}
	if last >= 0 {
		e.transcript[last].Text = strings.TrimSpace(corrected)
	}
}

// parsePCMRate extracts the sample rate from a format such as "pcm_24000".
func parsePCMRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
