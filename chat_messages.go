package hume

import (
	"encoding/json"
	"fmt"
)

// Server message types of the chat protocol.
const (
	TypeUserMessage      = "user_message"
	TypeAssistantMessage = "assistant_message"
	TypeAssistantEnd     = "assistant_end"
	TypeUserInterruption = "user_interruption"
	TypeToolCall         = "tool_call"
	TypeWarning          = "warning"
)

// Client message types of the chat protocol.
const (
	TypeSessionSettings = "session_settings"
	TypeUserInput       = "user_input"
	TypeAudioInput      = "audio_input"
	TypeAssistantInput  = "assistant_input"
	TypeToolResponse    = "tool_response"
	TypeToolError       = "tool_error"
	TypePauseAssistant  = "pause_assistant_message"
	TypeResumeAssistant = "resume_assistant_message"
)

// ChatEvent is a decoded server message of a chat session. The set of
// implementations is closed; unrecognized types decode to UnknownMessage.
type ChatEvent interface {
	EventType() string
	chatEvent()
}

// ChatMetadata is the ready message of a chat session.
type ChatMetadata struct {
	ChatID        string `json:"chat_id"`        // Unique chat identifier
	ChatGroupID   string `json:"chat_group_id"`  // Group used to resume the conversation later
	RequestID     string `json:"request_id"`     // Identifier for support requests
	CustomSession string `json:"custom_session_id,omitempty"`
}

// ChatMessageContent is the role/content pair carried by transcript messages.
type ChatMessageContent struct {
	Role    string `json:"role"`    // "user" or "assistant"
	Content string `json:"content"` // Transcript text
}

// UserMessage is the transcript of user speech or text input.
type UserMessage struct {
	ID          string             `json:"id,omitempty"`
	Message     ChatMessageContent `json:"message"`
	Interim     bool               `json:"interim"`          // true while the transcript may still change
	FromText    bool               `json:"from_text"`        // true when the input was typed
	Models      json.RawMessage    `json:"models,omitempty"` // expression measures, opaque
	Time        *MessageTime       `json:"time,omitempty"`
	CustomID    string             `json:"custom_session_id,omitempty"`
	LanguageTag string             `json:"language,omitempty"`
}

// MessageTime locates a message within the session audio, in milliseconds.
type MessageTime struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

// AssistantMessage is a sentence of the assistant's reply.
type AssistantMessage struct {
	ID       string             `json:"id,omitempty"`
	Message  ChatMessageContent `json:"message"`
	FromText bool               `json:"from_text"`
	Models   json.RawMessage    `json:"models,omitempty"`
}

// AssistantEnd marks the end of an assistant turn.
type AssistantEnd struct{}

// UserInterruption is sent when the user speaks over the assistant.
type UserInterruption struct {
	Time int64 `json:"time"`
}

// AudioOutput is a chunk of assistant speech.
type AudioOutput struct {
	MessageID string
	Index     uint32
	Data      []byte
}

// ToolCall asks the client to run a tool and answer with SendToolResponse
// or SendToolError.
type ToolCall struct {
	ToolCallID       string `json:"tool_call_id"`
	Name             string `json:"name"`
	Parameters       string `json:"parameters"` // JSON-encoded arguments
	ToolType         string `json:"tool_type,omitempty"`
	ResponseRequired bool   `json:"response_required"`
}

// Arguments unmarshals the tool call parameters into v.
func (t ToolCall) Arguments(v any) error {
	if err := json.Unmarshal([]byte(t.Parameters), v); err != nil {
		return &DecodeError{What: "tool_call parameters", Raw: []byte(t.Parameters), Err: err}
	}
	return nil
}

// ErrorMessage is an error reported by the server. The session stays open.
type ErrorMessage struct {
	Code    string
	Slug    string
	Message string
}

// WarningMessage is a non-fatal advisory from the server.
type WarningMessage struct {
	Code    string `json:"code,omitempty"`
	Slug    string `json:"slug,omitempty"`
	Message string `json:"message"`
}

// SessionEnded is the final message of a session.
type SessionEnded struct {
	Reason string
}

// UnknownMessage carries a message type this package does not model.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

func (ChatMetadata) EventType() string     { return TypeChatMetadata }
func (UserMessage) EventType() string      { return TypeUserMessage }
func (AssistantMessage) EventType() string { return TypeAssistantMessage }
func (AssistantEnd) EventType() string     { return TypeAssistantEnd }
func (UserInterruption) EventType() string { return TypeUserInterruption }
func (AudioOutput) EventType() string      { return TypeAudioOutput }
func (ToolCall) EventType() string         { return TypeToolCall }
func (ErrorMessage) EventType() string     { return TypeError }
func (WarningMessage) EventType() string   { return TypeWarning }
func (SessionEnded) EventType() string     { return TypeSessionEnded }
func (m UnknownMessage) EventType() string { return m.Type }

func (ChatMetadata) chatEvent()     {}
func (UserMessage) chatEvent()      {}
func (AssistantMessage) chatEvent() {}
func (AssistantEnd) chatEvent()     {}
func (UserInterruption) chatEvent() {}
func (AudioOutput) chatEvent()      {}
func (ToolCall) chatEvent()         {}
func (ErrorMessage) chatEvent()     {}
func (WarningMessage) chatEvent()   {}
func (SessionEnded) chatEvent()     {}
func (UnknownMessage) chatEvent()   {}

// DecodeServerMessage maps a session message to its typed chat event.
// Error notices that are not server errors (undecodable payloads) are
// returned as errors.
func DecodeServerMessage(msg ProtocolMessage) (ChatEvent, error) {
	switch msg.Kind {
	case KindAudio:
		return AudioOutput{MessageID: msg.StreamID, Index: msg.Seq, Data: msg.Data}, nil
	case KindSessionEnd:
		return SessionEnded{Reason: msg.Reason}, nil
	case KindErrorNotice:
		if se, ok := msg.Err.(*ServerError); ok {
			return ErrorMessage{Code: se.Code, Slug: se.Slug, Message: se.Message}, nil
		}
		return nil, msg.Err
	case KindControl:
	default:
		return nil, fmt.Errorf("hume: cannot decode %s message", msg.Kind)
	}

	var ev ChatEvent
	var err error
	switch msg.Type {
	case TypeChatMetadata:
		ev, err = decodeAs[ChatMetadata](msg)
	case TypeUserMessage:
		ev, err = decodeAs[UserMessage](msg)
	case TypeAssistantMessage:
		ev, err = decodeAs[AssistantMessage](msg)
	case TypeAssistantEnd:
		ev = AssistantEnd{}
	case TypeUserInterruption:
		ev, err = decodeAs[UserInterruption](msg)
	case TypeToolCall:
		ev, err = decodeAs[ToolCall](msg)
	case TypeWarning:
		ev, err = decodeAs[WarningMessage](msg)
	default:
		ev = UnknownMessage{Type: msg.Type, Raw: msg.Raw}
	}
	return ev, err
}

func decodeAs[T ChatEvent](msg ProtocolMessage) (ChatEvent, error) {
	var v T
	if err := msg.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// AudioEncoding is the sample encoding of chat audio.
type AudioEncoding string

const (
	EncodingLinear16 AudioEncoding = "linear16"
	EncodingMulaw    AudioEncoding = "mulaw"
)

// AudioSettings describes the audio the client sends.
type AudioSettings struct {
	Encoding   AudioEncoding `json:"encoding"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
}

// ChatContext injects text into the conversation.
type ChatContext struct {
	Text string `json:"text"`
	// Type is "persistent", "temporary" or "editable".
	Type string `json:"type,omitempty"`
}

// BuiltinTool enables a server-side tool such as web_search.
type BuiltinTool struct {
	Name            string `json:"name"`
	FallbackContent string `json:"fallback_content,omitempty"`
}

// SessionSettings updates the configuration of a running chat.
type SessionSettings struct {
	// SystemPrompt replaces the configured system prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Audio must be set before sending raw (headerless) audio.
	Audio *AudioSettings `json:"audio,omitempty"`

	// Context is appended to the conversation.
	Context *ChatContext `json:"context,omitempty"`

	// Variables fill {{placeholders}} in the system prompt.
	Variables map[string]string `json:"variables,omitempty"`

	// Tools lists tool ids to enable.
	Tools []string `json:"tools,omitempty"`

	// BuiltinTools enables server-side tools.
	BuiltinTools []BuiltinTool `json:"builtin_tools,omitempty"`

	// CustomSessionID is echoed back on every server message.
	CustomSessionID string `json:"custom_session_id,omitempty"`

	// LanguageModelAPIKey supplies a key for a third-party language model.
	LanguageModelAPIKey string `json:"language_model_api_key,omitempty"`
}

// ValidateSessionSettings checks settings before they are sent.
func ValidateSessionSettings(s SessionSettings) error {
	if s.Audio != nil {
		switch s.Audio.Encoding {
		case EncodingLinear16, EncodingMulaw:
		default:
			return NewValidationError("audio.encoding", fmt.Sprintf("invalid encoding %q, must be linear16 or mulaw", s.Audio.Encoding))
		}
		if s.Audio.SampleRate <= 0 {
			return NewValidationError("audio.sample_rate", "must be positive")
		}
		if s.Audio.Channels < 1 || s.Audio.Channels > 2 {
			return NewValidationError("audio.channels", fmt.Sprintf("must be 1 or 2, got %d", s.Audio.Channels))
		}
	}
	if len(s.SystemPrompt) > 100000 {
		return NewValidationError("system_prompt", fmt.Sprintf("too long (%d characters), maximum is 100000", len(s.SystemPrompt)))
	}
	if s.Context != nil {
		switch s.Context.Type {
		case "", "persistent", "temporary", "editable":
		default:
			return NewValidationError("context.type", fmt.Sprintf("invalid type %q", s.Context.Type))
		}
	}
	return nil
}

type textPayload struct {
	Text string `json:"text"`
}

type audioPayload struct {
	Data string `json:"data"`
}

type toolResponsePayload struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	ToolName   string `json:"tool_name,omitempty"`
}

type toolErrorPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Content    string `json:"content,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}
