package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ElevenLabs implements Transport for the ElevenLabs Agents Platform.
type ElevenLabs struct {
	config *Config
	logger *slog.Logger

	mu             sync.RWMutex
	conn           *websocket.Conn
	state          ConnectionState
	generation     uint64
	conversationID string
	connectedAt    time.Time
	pongTimers     map[*time.Timer]struct{}

	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex

	// Callbacks
	onEvent func(Event)
	onClose func(err error)

	// Atomic counters for metrics
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	audioBytesSent     atomic.Int64
	audioBytesReceived atomic.Int64
	pingsAnswered      atomic.Int64
	errorCount         atomic.Int64
}

// NewElevenLabs creates a new ElevenLabs conversation transport.
//
//	t, _ := NewElevenLabs(
//	    WithAgentID(agentID),
//	    WithAPIKey(apiKey), // private agents only
//	)
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ElevenLabs{
		config:     cfg,
		logger:     cfg.Logger.With("component", "conversation.elevenlabs", "agent_id", cfg.AgentID),
		state:      StateIdle,
		pongTimers: make(map[*time.Timer]struct{}),
	}, nil
}

func (e *ElevenLabs) endpoint() (string, error) {
	if e.config.SignedURL != "" {
		return e.config.SignedURL, nil
	}
	wsURL, err := url.Parse(e.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("conversation.elevenlabs: invalid URL: %w", err)
	}
	q := wsURL.Query()
	q.Set("agent_id", e.config.AgentID)
	wsURL.RawQuery = q.Encode()
	return wsURL.String(), nil
}

// Connect dials the service and sends the session-initiation message as
// the first frame. The transport is Open once Connect returns nil.
func (e *ElevenLabs) Connect(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.CanConnect() {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.state = StateConnecting
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		if e.generation == gen && e.state == StateConnecting {
			e.state = StateErrored
		}
		e.mu.Unlock()
		e.errorCount.Add(1)
		return err
	}

	wsURL, err := e.endpoint()
	if err != nil {
		return fail(err)
	}

	headers := http.Header{}
	if e.config.APIKey != "" {
		headers.Set("xi-api-key", e.config.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: e.config.Timeout,
	}

	e.logger.Info("connecting to ElevenLabs Agents Platform")

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			connErr := NewConnectionError(
				fmt.Sprintf("dial failed with status %d", resp.StatusCode),
				err,
				resp.StatusCode >= 500,
			)
			connErr.StatusCode = resp.StatusCode
			return fail(connErr)
		}
		return fail(NewConnectionError("dial failed", err, true))
	}

	initMsg, err := json.Marshal(newInitiationMessage(e.config))
	if err != nil {
		conn.Close()
		return fail(fmt.Errorf("conversation.elevenlabs: marshal failed: %w", err))
	}
	if err := e.write(conn, initMsg); err != nil {
		conn.Close()
		return fail(NewConnectionError("send session init failed", err, true))
	}

	e.mu.Lock()
	if e.generation != gen || e.state != StateConnecting {
		// Closed while the handshake was in flight.
		e.mu.Unlock()
		conn.Close()
		return NewConnectionError("closed during connect", ErrConnectionClosed, false)
	}
	e.conn = conn
	e.state = StateOpen
	e.conversationID = ""
	e.connectedAt = time.Now()
	e.mu.Unlock()

	go e.readLoop(conn, gen)

	e.logger.Info("connected to ElevenLabs Agents Platform")
	return nil
}

// Close ends the session with a normal close frame. Pending pongs are
// cancelled and the OnClose callback is not invoked.
func (e *ElevenLabs) Close() error {
	e.mu.Lock()
	if e.state != StateOpen && e.state != StateConnecting {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	e.generation++
	e.stopPongTimersLocked()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		e.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		e.writeMu.Unlock()
		conn.Close()
	}

	e.logger.Info("disconnected from ElevenLabs Agents Platform")
	return nil
}

// State returns the current connection state.
func (e *ElevenLabs) State() ConnectionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// ConversationID returns the id from the initiation metadata.
func (e *ElevenLabs) ConversationID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conversationID
}

// SendAudio sends one PCM16 chunk as a user_audio_chunk message.
func (e *ElevenLabs) SendAudio(pcm []byte) error {
	e.mu.RLock()
	conn := e.conn
	state := e.state
	e.mu.RUnlock()

	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(userAudioMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return fmt.Errorf("conversation.elevenlabs: marshal failed: %w", err)
	}

	if err := e.write(conn, data); err != nil {
		return NewConnectionError("send audio failed", err, true)
	}

	e.audioBytesSent.Add(int64(len(pcm)))
	return nil
}

// OnEvent sets the inbound event callback.
func (e *ElevenLabs) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// OnClose sets the callback for sessions ended by the remote side.
func (e *ElevenLabs) OnClose(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// Metrics returns a snapshot of connection statistics.
func (e *ElevenLabs) Metrics() Metrics {
	e.mu.RLock()
	connectedAt := e.connectedAt
	e.mu.RUnlock()

	return Metrics{
		ConnectionTime:     connectedAt,
		MessagesSent:       e.messagesSent.Load(),
		MessagesReceived:   e.messagesReceived.Load(),
		AudioBytesSent:     e.audioBytesSent.Load(),
		AudioBytesReceived: e.audioBytesReceived.Load(),
		PingsAnswered:      e.pingsAnswered.Load(),
		Errors:             e.errorCount.Load(),
	}
}

func (e *ElevenLabs) write(conn *websocket.Conn, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	e.messagesSent.Add(1)
	return nil
}

// readLoop processes incoming WebSocket messages until the connection ends.
func (e *ElevenLabs) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.finish(gen, err)
			return
		}

		e.messagesReceived.Add(1)

		ev, err := ParseEvent(data)
		if err != nil {
			e.errorCount.Add(1)
			e.logger.Warn("failed to parse message", "error", err)
			continue
		}

		if !e.handleEvent(gen, ev) {
			return
		}
	}
}

// handleEvent applies transport-level handling and forwards ev. It returns
// false once the session generation has moved on.
func (e *ElevenLabs) handleEvent(gen uint64, ev Event) bool {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return false
	}
	switch ev := ev.(type) {
	case *PingEvent:
		e.schedulePongLocked(gen, ev)
	case *ConversationMetadataEvent:
		e.conversationID = ev.ConversationID
		e.logger.Info("conversation started",
			"conversation_id", ev.ConversationID,
			"output_format", ev.AgentOutputFormat,
		)
	case *AudioEvent:
		e.audioBytesReceived.Add(int64(len(ev.Audio)))
	case *UnknownEvent:
		e.logger.Debug("unhandled message type", "type", ev.Type)
	}
	fn := e.onEvent
	e.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
	return true
}

// schedulePongLocked answers ping after its requested delay. Must hold mu.
func (e *ElevenLabs) schedulePongLocked(gen uint64, ping *PingEvent) {
	delay := time.Duration(ping.PingMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if _, ok := e.pongTimers[t]; !ok || e.generation != gen {
			e.mu.Unlock()
			return
		}
		delete(e.pongTimers, t)
		conn := e.conn
		e.mu.Unlock()

		if conn == nil {
			return
		}
		data, err := json.Marshal(pongMessage{Type: "pong", EventID: ping.EventID})
		if err != nil {
			e.logger.Warn("failed to marshal pong", "error", err)
			return
		}
		if err := e.write(conn, data); err != nil {
			e.logger.Warn("failed to send pong", "error", err)
			return
		}
		e.pingsAnswered.Add(1)
	})
	e.pongTimers[t] = struct{}{}
}

func (e *ElevenLabs) stopPongTimersLocked() {
	for t := range e.pongTimers {
		t.Stop()
		delete(e.pongTimers, t)
	}
}

// finish handles the end of the read loop. Sessions already ended by
// Close are ignored.
func (e *ElevenLabs) finish(gen uint64, readErr error) {
	e.mu.Lock()
	if e.generation != gen || e.state != StateOpen {
		e.mu.Unlock()
		return
	}

	var cbErr error
	var closeErr *websocket.CloseError
	switch {
	case websocket.IsCloseError(readErr,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		e.state = StateClosed
		e.logger.Info("connection closed by server")
	case errors.As(readErr, &closeErr):
		e.state = StateErrored
		cbErr = NewConnectionError(
			fmt.Sprintf("closed by server (code %d)", closeErr.Code),
			readErr,
			closeErr.Code == websocket.CloseAbnormalClosure,
		)
		e.logger.Error("connection closed abnormally", "code", closeErr.Code, "text", closeErr.Text)
	default:
		e.state = StateErrored
		cbErr = NewConnectionError("read failed", readErr, true)
		e.logger.Error("read error", "error", readErr)
	}

	e.generation++
	e.stopPongTimersLocked()
	conn := e.conn
	e.conn = nil
	fn := e.onClose
	e.mu.Unlock()

	if cbErr != nil {
		e.errorCount.Add(1)
	}
	if conn != nil {
		conn.Close()
	}
	if fn != nil {
		fn(cbErr)
	}
}

// Ensure ElevenLabs implements Transport.
var _ Transport = (*ElevenLabs)(nil)
