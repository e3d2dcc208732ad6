package conversation

import (
	"context"
	"strconv"
	"sync"
)

// Mock is a mock implementation of Transport for testing.
type Mock struct {
	mu sync.RWMutex

	// State
	state          ConnectionState
	conversationID string
	connectCalls   int
	closeCalls     int
	audioSent      [][]byte

	// Callbacks
	onEvent func(Event)
	onClose func(err error)

	// Configurable behavior
	ConnectFunc   func(ctx context.Context) error
	SendAudioFunc func(pcm []byte) error
}

// NewMock creates a new Mock transport in the Idle state.
func NewMock() *Mock {
	return &Mock{state: StateIdle}
}

// Connect implements Transport.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.CanConnect() {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.connectCalls++
	m.state = StateConnecting
	fn := m.ConnectFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			m.mu.Lock()
			if m.state == StateConnecting {
				m.state = StateErrored
			}
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting {
		return NewConnectionError("closed during connect", ErrConnectionClosed, false)
	}
	m.state = StateOpen
	return nil
}

// Close implements Transport.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.state == StateOpen || m.state == StateConnecting {
		m.state = StateClosed
	}
	return nil
}

// State implements Transport.
func (m *Mock) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ConversationID implements Transport.
func (m *Mock) ConversationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversationID
}

// SendAudio implements Transport.
func (m *Mock) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return ErrNotConnected
	}
	if m.SendAudioFunc != nil {
		if err := m.SendAudioFunc(pcm); err != nil {
			return err
		}
	}
	m.audioSent = append(m.audioSent, pcm)
	return nil
}

// OnEvent implements Transport.
func (m *Mock) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// OnClose implements Transport.
func (m *Mock) OnClose(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

// Test helpers

// AudioSent returns every chunk accepted by SendAudio, in order.
func (m *Mock) AudioSent() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.audioSent...)
}

// ConnectCalls returns how many times Connect opened a session.
func (m *Mock) ConnectCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectCalls
}

// CloseCalls returns how many times Close was called.
func (m *Mock) CloseCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closeCalls
}

// SimulateEvent delivers ev to the event callback while the transport is
// Open. It reports whether the event was delivered.
func (m *Mock) SimulateEvent(ev Event) bool {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return false
	}
	if md, ok := ev.(*ConversationMetadataEvent); ok {
		m.conversationID = md.ConversationID
	}
	fn := m.onEvent
	m.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
	return true
}

// SimulateAudio delivers an audio event carrying pcm.
func (m *Mock) SimulateAudio(id int, pcm []byte) bool {
	return m.SimulateEvent(&AudioEvent{EventID: EventID(strconv.Itoa(id)), Audio: pcm})
}

// SimulateTranscript delivers a user transcript event.
func (m *Mock) SimulateTranscript(text string) bool {
	return m.SimulateEvent(&UserTranscriptEvent{Text: text})
}

// SimulateAgentResponse delivers an agent response event.
func (m *Mock) SimulateAgentResponse(text string) bool {
	return m.SimulateEvent(&AgentResponseEvent{Text: text})
}

// SimulateInterruption delivers an interruption event.
func (m *Mock) SimulateInterruption() bool {
	return m.SimulateEvent(&InterruptionEvent{})
}

// SimulateMetadata delivers the initiation metadata event.
func (m *Mock) SimulateMetadata(conversationID string) bool {
	return m.SimulateEvent(&ConversationMetadataEvent{
		ConversationID:    conversationID,
		AgentOutputFormat: DefaultOutputFormat,
		UserInputFormat:   DefaultOutputFormat,
	})
}

// SimulateRemoteClose ends the session from the server side. A nil err is
// a clean close; otherwise the transport becomes Errored and the close
// callback receives a *ConnectionError.
func (m *Mock) SimulateRemoteClose(err error) {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	var cbErr error
	if err == nil {
		m.state = StateClosed
	} else {
		m.state = StateErrored
		cbErr = NewConnectionError("read failed", err, true)
	}
	fn := m.onClose
	m.mu.Unlock()

	if fn != nil {
		fn(cbErr)
	}
}

// Ensure Mock implements Transport.
var _ Transport = (*Mock)(nil)
