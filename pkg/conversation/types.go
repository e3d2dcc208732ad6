// Package conversation implements the duplex WebSocket transport to a
// realtime voice agent service.
//
// A Transport owns exactly one session at a time. It sends the
// session-initiation message as the first frame after the handshake,
// forwards microphone audio as user_audio_chunk messages, answers
// keepalive pings on the server's schedule and delivers every other
// inbound message to a single event callback as a typed Event.
package conversation

import (
	"context"
	"time"
)

// ConnectionState represents the WebSocket connection state.
type ConnectionState int

const (
	// StateIdle indicates no connection has been attempted.
	StateIdle ConnectionState = iota
	// StateConnecting indicates the handshake is in progress.
	StateConnecting
	// StateOpen indicates an active connection.
	StateOpen
	// StateClosed indicates the session ended by explicit close or remote close.
	StateClosed
	// StateErrored indicates the session ended on a transport failure.
	StateErrored
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// CanConnect reports whether Connect may be called from this state.
func (s ConnectionState) CanConnect() bool {
	return s == StateIdle || s == StateClosed || s == StateErrored
}

// Transport is a bidirectional message channel to the conversation service.
type Transport interface {
	// Connect opens the channel and sends the session-initiation message.
	// It returns ErrAlreadyConnected while Connecting or Open.
	Connect(ctx context.Context) error

	// Close ends the session. It is idempotent and does not invoke the
	// OnClose callback.
	Close() error

	// State returns the current connection state.
	State() ConnectionState

	// SendAudio sends one PCM16 chunk. It returns ErrNotConnected unless Open.
	SendAudio(pcm []byte) error

	// OnEvent registers the inbound event callback. Events are delivered
	// sequentially in arrival order.
	OnEvent(fn func(Event))

	// OnClose registers the callback invoked once when the session ends
	// without an explicit Close: nil for a remote close, otherwise a
	// *ConnectionError.
	OnClose(fn func(err error))

	// ConversationID returns the id announced by the service, if any.
	ConversationID() string
}

// Metrics tracks connection and usage statistics.
type Metrics struct {
	// ConnectionTime is when the connection was established.
	ConnectionTime time.Time

	// MessagesSent is the total messages sent.
	MessagesSent int64

	// MessagesReceived is the total messages received.
	MessagesReceived int64

	// AudioBytesSent is the total audio bytes sent.
	AudioBytesSent int64

	// AudioBytesReceived is the total audio bytes received.
	AudioBytesReceived int64

	// PingsAnswered is the total pongs sent.
	PingsAnswered int64

	// Errors is the total protocol and transport errors encountered.
	Errors int64
}
