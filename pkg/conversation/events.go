package conversation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
)

// Event is one inbound message from the conversation service.
//
// The concrete types form a closed set; consumers switch on them:
//
//	switch ev := ev.(type) {
//	case *AudioEvent:
//	case *PingEvent:
//	...
//	}
type Event interface {
	// EventType returns the wire discriminant ("audio", "ping", ...).
	EventType() string
}

// EventID is an event identifier echoed back verbatim. The service sends
// integers today; any JSON scalar is preserved as received.
type EventID []byte

// MarshalJSON writes the identifier exactly as it was received.
func (id EventID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return id, nil
}

// UnmarshalJSON keeps a copy of the raw identifier.
func (id *EventID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = nil
		return nil
	}
	*id = append((*id)[:0], data...)
	return nil
}

// String returns the identifier with JSON string quoting removed.
func (id EventID) String() string {
	if s, err := strconv.Unquote(string(id)); err == nil {
		return s
	}
	return string(id)
}

// PingEvent is a keepalive request. The client must answer with a pong
// carrying the same EventID after PingMs milliseconds.
type PingEvent struct {
	EventID EventID
	PingMs  int
}

// UserTranscriptEvent carries the recognized user utterance.
type UserTranscriptEvent struct {
	Text string
}

// AgentResponseEvent carries the agent's reply text.
type AgentResponseEvent struct {
	Text string
}

// AgentResponseCorrectionEvent replaces the last agent response after the
// user cut it short.
type AgentResponseCorrectionEvent struct {
	Original  string
	Corrected string
}

// InterruptionEvent signals that the service detected the user talking
// over the agent.
type InterruptionEvent struct {
	EventID EventID
	Reason  string
}

// AudioEvent carries one decoded PCM16 agent audio payload.
type AudioEvent struct {
	EventID EventID
	Audio   []byte
}

// ConversationMetadataEvent is sent once after session initiation.
type ConversationMetadataEvent struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// VADScoreEvent reports the service-side voice activity probability.
type VADScoreEvent struct {
	Score float64
}

// UnknownEvent is any message type this client does not interpret.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (*PingEvent) EventType() string                    { return "ping" }
func (*UserTranscriptEvent) EventType() string          { return "user_transcript" }
func (*AgentResponseEvent) EventType() string           { return "agent_response" }
func (*AgentResponseCorrectionEvent) EventType() string { return "agent_response_correction" }
func (*InterruptionEvent) EventType() string            { return "interruption" }
func (*AudioEvent) EventType() string                   { return "audio" }
func (*ConversationMetadataEvent) EventType() string    { return "conversation_initiation_metadata" }
func (*VADScoreEvent) EventType() string                { return "vad_score" }
func (e *UnknownEvent) EventType() string               { return e.Type }

// inboundMessage is the wire envelope for all inbound messages.
type inboundMessage struct {
	Type string `json:"type"`

	PingEvent *struct {
		EventID EventID `json:"event_id"`
		PingMs  int     `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AgentResponseCorrectionEvent *struct {
		OriginalAgentResponse  string `json:"original_agent_response"`
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`

	InterruptionEvent *struct {
		EventID EventID `json:"event_id"`
		Reason  string  `json:"reason"`
	} `json:"interruption_event,omitempty"`

	AudioEvent *struct {
		EventID     EventID `json:"event_id"`
		AudioBase64 string  `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`

	MetadataEvent *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	VADScoreEvent *struct {
		VADScore float64 `json:"vad_score"`
	} `json:"vad_score_event,omitempty"`
}

// ParseEvent decodes one inbound frame. Malformed JSON, a missing payload
// for a known type or undecodable audio yield a *ProtocolError.
func ParseEvent(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Cause: err}
	}
	if msg.Type == "" {
		return nil, &ProtocolError{Cause: errors.New("missing type")}
	}

	missing := func() (Event, error) {
		return nil, &ProtocolError{Type: msg.Type, Cause: errors.New("missing event payload")}
	}

	switch msg.Type {
	case "ping":
		if msg.PingEvent == nil {
			return missing()
		}
		return &PingEvent{EventID: msg.PingEvent.EventID, PingMs: msg.PingEvent.PingMs}, nil

	case "user_transcript":
		if msg.UserTranscriptionEvent == nil {
			return missing()
		}
		return &UserTranscriptEvent{Text: msg.UserTranscriptionEvent.UserTranscript}, nil

	case "agent_response":
		if msg.AgentResponseEvent == nil {
			return missing()
		}
		return &AgentResponseEvent{Text: msg.AgentResponseEvent.AgentResponse}, nil

	case "agent_response_correction":
		if msg.AgentResponseCorrectionEvent == nil {
			return missing()
		}
		return &AgentResponseCorrectionEvent{
			Original:  msg.AgentResponseCorrectionEvent.OriginalAgentResponse,
			Corrected: msg.AgentResponseCorrectionEvent.CorrectedAgentResponse,
		}, nil

	case "interruption":
		ev := &InterruptionEvent{}
		if msg.InterruptionEvent != nil {
			ev.EventID = msg.InterruptionEvent.EventID
			ev.Reason = msg.InterruptionEvent.Reason
		}
		return ev, nil

	case "audio":
		if msg.AudioEvent == nil {
			return missing()
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			return nil, &ProtocolError{Type: msg.Type, Cause: err}
		}
		return &AudioEvent{EventID: msg.AudioEvent.EventID, Audio: audio}, nil

	case "conversation_initiation_metadata":
		if msg.MetadataEvent == nil {
			return missing()
		}
		return &ConversationMetadataEvent{
			ConversationID:    msg.MetadataEvent.ConversationID,
			AgentOutputFormat: msg.MetadataEvent.AgentOutputAudioFormat,
			UserInputFormat:   msg.MetadataEvent.UserInputAudioFormat,
		}, nil

	case "vad_score":
		if msg.VADScoreEvent == nil {
			return missing()
		}
		return &VADScoreEvent{Score: msg.VADScoreEvent.VADScore}, nil

	default:
		return &UnknownEvent{Type: msg.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Outgoing messages.

type initiationMessage struct {
	Type             string           `json:"type"`
	ConfigOverride   *configOverride  `json:"conversation_config_override,omitempty"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type generationConfig struct {
	OutputFormat string `json:"output_format"`
}

type configOverride struct {
	Agent agentOverrideWire `json:"agent"`
}

type agentOverrideWire struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

func newInitiationMessage(cfg *Config) initiationMessage {
	msg := initiationMessage{
		Type:             "conversation_initiation_client_data",
		GenerationConfig: generationConfig{OutputFormat: cfg.OutputFormat},
	}
	if o := cfg.Override; o != nil {
		agent := agentOverrideWire{FirstMessage: o.FirstMessage, Language: o.Language}
		if o.Prompt != "" {
			agent.Prompt = &promptOverride{Prompt: o.Prompt}
		}
		msg.ConfigOverride = &configOverride{Agent: agent}
	}
	return msg
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string  `json:"type"`
	EventID EventID `json:"event_id"`
}
