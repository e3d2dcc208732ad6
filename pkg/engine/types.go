package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-tutor/pkg/conversation"
)

// Sentinel errors for the engine package.
var (
	// ErrMissingAgentID indicates Start was called without an agent.
	ErrMissingAgentID = errors.New("engine: agent ID is required")

	// ErrDisposed indicates the engine has been disposed.
	ErrDisposed = errors.New("engine: disposed")

	// ErrSessionStopped indicates the session was stopped before it opened.
	ErrSessionStopped = errors.New("engine: session stopped before it opened")
)

// UIState is the session state as presented to a user interface.
type UIState string

const (
	StateNotConnected  UIState = "not_connected"
	StateConnecting    UIState = "connecting"
	StateListening     UIState = "listening"
	StateAgentSpeaking UIState = "agent_speaking"
	StateError         UIState = "error"
)

// Active reports whether a toggle in this state should stop the session.
func (s UIState) Active() bool {
	return s == StateConnecting || s == StateListening || s == StateAgentSpeaking
}

// Status is a snapshot of the engine for display.
type Status struct {
	SessionID       string                       `json:"session_id,omitempty"`
	AgentID         string                       `json:"agent_id,omitempty"`
	ConversationID  string                       `json:"conversation_id,omitempty"`
	State           UIState                      `json:"state"`
	Connection      conversation.ConnectionState `json:"-"`
	IsConnected     bool                         `json:"is_connected"`
	IsAgentSpeaking bool                         `json:"is_agent_speaking"`
	Error           string                       `json:"error,omitempty"`
	ErrorKind       ErrorKind                    `json:"error_kind,omitempty"`
	StartedAt       time.Time                    `json:"started_at,omitzero"`
}

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// TranscriptEvent is one line of the conversation log.
type TranscriptEvent struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// InterruptionPolicy decides what a server interruption event does.
type InterruptionPolicy string

const (
	// InterruptAdvisory only logs server interruptions. Agent audio is cut
	// by client-side barge-in.
	InterruptAdvisory InterruptionPolicy = "advisory"

	// InterruptClear drops queued and rendering agent audio, the same as a
	// local barge-in.
	InterruptClear InterruptionPolicy = "clear"
)

// ParseInterruptionPolicy parses a policy name. The empty string selects
// InterruptAdvisory.
func ParseInterruptionPolicy(s string) (InterruptionPolicy, error) {
	switch InterruptionPolicy(s) {
	case "", InterruptAdvisory:
		return InterruptAdvisory, nil
	case InterruptClear:
		return InterruptClear, nil
	default:
		return "", fmt.Errorf("engine: unknown interruption policy %q", s)
	}
}

// TransportFactory creates the transport for one session.
type TransportFactory func(ctx context.Context, agentID string) (conversation.Transport, error)

// Defaults for barge-in detection.
const (
	// DefaultBargeInThreshold is the normalized power (see
	// audioio.CalculateRMS) above which a chunk counts as user speech.
	DefaultBargeInThreshold = 0.01

	// DefaultBargeInChunks is how many consecutive loud chunks cut off
	// agent audio. At 1024 samples per chunk this is about 190ms.
	DefaultBargeInChunks = 3

	// maxTranscript bounds the transcript kept per session.
	maxTranscript = 500
)

// Options configures an Engine.
type Options struct {
	// InterruptionPolicy handles server interruption events.
	InterruptionPolicy InterruptionPolicy

	// BargeInThreshold is the chunk power that counts as speech. Zero
	// selects DefaultBargeInThreshold; a negative value disables barge-in.
	BargeInThreshold float64

	// BargeInChunks is the number of consecutive loud chunks required.
	BargeInChunks int

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.InterruptionPolicy == "" {
		o.InterruptionPolicy = InterruptAdvisory
	}
	if o.BargeInThreshold == 0 {
		o.BargeInThreshold = DefaultBargeInThreshold
	}
	if o.BargeInChunks <= 0 {
		o.BargeInChunks = DefaultBargeInChunks
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ErrorKind classifies session-ending errors.
type ErrorKind string

const (
	// KindPermission covers denied or missing microphone access.
	KindPermission ErrorKind = "permission"
	// KindTransport covers socket failures in any state.
	KindTransport ErrorKind = "transport"
	// KindUnknown covers everything else.
	KindUnknown ErrorKind = "unknown"
)

// SessionError is a terminal session failure.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("engine: %s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// UserMessage returns a message suitable for showing to the user.
func (e *SessionError) UserMessage() string {
	switch e.Kind {
	case KindPermission:
		return "Microphone access was denied or no microphone is available. Check your input device and try again."
	case KindTransport:
		return "The connection to the lesson agent was lost. Please try again."
	default:
		return "Something went wrong with the conversation. Please try again."
	}
}

// IsPermissionError reports whether err is a microphone permission failure.
func IsPermissionError(err error) bool {
	var serr *SessionError
	return errors.As(err, &serr) && serr.Kind == KindPermission
}

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool {
	var serr *SessionError
	return errors.As(err, &serr) && serr.Kind == KindTransport
}
