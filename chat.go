package hume

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	pathChat       = "/v0/evi/chat"
	pathChats      = "/v0/evi/chats"
	pathChatGroups = "/v0/evi/chat_groups"
)

// maxAudioChunk bounds a single audio_input payload before encoding.
const maxAudioChunk = 1 << 20

// ChatService opens chat sessions and lists chat history. Obtain it from
// Client.Chat.
type ChatService struct {
	c *Client
}

// ChatOptions selects the configuration of a chat.
type ChatOptions struct {
	ConfigID           string
	ConfigVersion      int // zero means latest
	ResumedChatGroupID string

	// Settings, if set, is sent right after the session opens.
	Settings *SessionSettings

	// Header and queue bounds are passed to the underlying Session.
	Header            http.Header
	OutboundQueueSize int
	InboundQueueSize  int
}

// ChatSession is an open chat over a Session.
type ChatSession struct {
	*Session
}

// Connect opens a chat and waits for its chat_metadata message. ctx governs
// the whole chat, as for Session.Connect.
func (cs *ChatService) Connect(ctx context.Context, opts ChatOptions) (*ChatSession, error) {
	if opts.Settings != nil {
		if err := ValidateSessionSettings(*opts.Settings); err != nil {
			return nil, err
		}
	}
	query := []QueryParam{}
	if opts.ConfigID != "" {
		query = append(query, QueryParam{Key: "config_id", Value: opts.ConfigID})
	}
	if opts.ConfigVersion > 0 {
		query = append(query, QueryParam{Key: "config_version", Value: strconv.Itoa(opts.ConfigVersion)})
	}
	if opts.ResumedChatGroupID != "" {
		query = append(query, QueryParam{Key: "resumed_chat_group_id", Value: opts.ResumedChatGroupID})
	}
	s, err := cs.c.Connect(ctx, SessionOptions{
		Path:              pathChat,
		Query:             query,
		Header:            opts.Header,
		ReadyTypes:        []string{TypeChatMetadata},
		OutboundQueueSize: opts.OutboundQueueSize,
		InboundQueueSize:  opts.InboundQueueSize,
	})
	if err != nil {
		return nil, err
	}
	chat := &ChatSession{Session: s}
	if opts.Settings != nil {
		if err := chat.SendSessionSettings(ctx, *opts.Settings); err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return chat, nil
}

// SendSessionSettings updates the chat configuration.
func (c *ChatSession) SendSessionSettings(ctx context.Context, settings SessionSettings) error {
	if err := ValidateSessionSettings(settings); err != nil {
		return err
	}
	return c.SendJSON(ctx, TypeSessionSettings, settings)
}

// SendUserInput sends typed user text.
func (c *ChatSession) SendUserInput(ctx context.Context, text string) error {
	if text == "" {
		return NewValidationError("text", "cannot be empty")
	}
	return c.SendJSON(ctx, TypeUserInput, textPayload{Text: text})
}

// SendAudioInput sends little-endian PCM16 audio. The encoding must have
// been announced with SendSessionSettings. Empty input is a no-op.
func (c *ChatSession) SendAudioInput(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		return NewValidationError("audio", "PCM16 data must have even number of bytes")
	}
	if len(pcm) > maxAudioChunk {
		return NewValidationError("audio", fmt.Sprintf("PCM data too large (%d bytes), maximum is %d bytes", len(pcm), maxAudioChunk))
	}
	return c.SendJSON(ctx, TypeAudioInput, audioPayload{Data: base64.StdEncoding.EncodeToString(pcm)})
}

// SendAssistantInput makes the assistant speak text verbatim.
func (c *ChatSession) SendAssistantInput(ctx context.Context, text string) error {
	if text == "" {
		return NewValidationError("text", "cannot be empty")
	}
	return c.SendJSON(ctx, TypeAssistantInput, textPayload{Text: text})
}

// SendToolResponse answers a ToolCall.
func (c *ChatSession) SendToolResponse(ctx context.Context, call ToolCall, content string) error {
	if call.ToolCallID == "" {
		return NewValidationError("tool_call_id", "cannot be empty")
	}
	return c.SendJSON(ctx, TypeToolResponse, toolResponsePayload{
		ToolCallID: call.ToolCallID, Content: content, ToolName: call.Name,
	})
}

// SendToolError reports a failed ToolCall. content, if set, is spoken to
// the user.
func (c *ChatSession) SendToolError(ctx context.Context, call ToolCall, errMsg, code, content string) error {
	if call.ToolCallID == "" {
		return NewValidationError("tool_call_id", "cannot be empty")
	}
	return c.SendJSON(ctx, TypeToolError, toolErrorPayload{
		ToolCallID: call.ToolCallID, Error: errMsg, Code: code, Content: content, ToolName: call.Name,
	})
}

// PauseAssistant stops assistant replies until ResumeAssistant.
func (c *ChatSession) PauseAssistant(ctx context.Context) error {
	return c.SendJSON(ctx, TypePauseAssistant, nil)
}

// ResumeAssistant undoes PauseAssistant.
func (c *ChatSession) ResumeAssistant(ctx context.Context) error {
	return c.SendJSON(ctx, TypeResumeAssistant, nil)
}

// Events yields typed chat events until the session ends. Undecodable
// payloads are yielded as errors without ending the iteration; a session
// failure is yielded once as the final element.
func (c *ChatSession) Events(ctx context.Context) iter.Seq2[ChatEvent, error] {
	return func(yield func(ChatEvent, error) bool) {
		for msg, err := range c.Messages(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			ev, err := DecodeServerMessage(msg)
			if !yield(ev, err) {
				return
			}
		}
	}
}

// ChatStatus is the lifecycle status of a stored chat.
type ChatStatus string

const (
	ChatActive      ChatStatus = "ACTIVE"
	ChatUserEnded   ChatStatus = "USER_ENDED"
	ChatUserTimeout ChatStatus = "USER_TIMEOUT"
	ChatMaxDuration ChatStatus = "MAX_DURATION_TIMEOUT"
	ChatInactivity  ChatStatus = "INACTIVITY_TIMEOUT"
	ChatError       ChatStatus = "ERROR"
)

// Chat is a stored chat.
type Chat struct {
	ID             string     `json:"id"`
	ChatGroupID    string     `json:"chat_group_id"`
	Status         ChatStatus `json:"status"`
	StartTimestamp int64      `json:"start_timestamp"` // unix milliseconds
	EndTimestamp   *int64     `json:"end_timestamp,omitempty"`
	EventCount     int        `json:"event_count"`
	Config         *struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	} `json:"config,omitempty"`
}

// Started returns the chat start time.
func (c Chat) Started() time.Time { return time.UnixMilli(c.StartTimestamp) }

// ChatGroup is a sequence of resumed chats.
type ChatGroup struct {
	ID                       string `json:"id"`
	FirstStartTimestamp      int64  `json:"first_start_timestamp"`
	MostRecentStartTimestamp int64  `json:"most_recent_start_timestamp"`
	MostRecentChatID         string `json:"most_recent_chat_id"`
	NumChats                 int    `json:"num_chats"`
	Active                   bool   `json:"active"`
}

// ListOptions controls page-number listings.
type ListOptions struct {
	PageSize       int
	AscendingOrder *bool
}

func (o ListOptions) request(path string) RequestSpec {
	opts := []RequestOption{
		WithQuery("page_number", "0"),
		WithQuery("page_size", itoaPositive(o.PageSize)),
	}
	if o.AscendingOrder != nil {
		opts = append(opts, WithQuery("ascending_order", strconv.FormatBool(*o.AscendingOrder)))
	}
	return NewRequest(http.MethodGet, path, opts...)
}

// ListChats pages through stored chats.
func (cs *ChatService) ListChats(opts ListOptions) *Paginator[Chat] {
	return NewPaginator(cs.c.exec, opts.request(pathChats),
		WithCursorParam[Chat]("page_number"),
		WithPageDecoder(PageNumberCursor[Chat]("chats_page")),
	)
}

// ListChatGroups pages through chat groups.
func (cs *ChatService) ListChatGroups(opts ListOptions) *Paginator[ChatGroup] {
	return NewPaginator(cs.c.exec, opts.request(pathChatGroups),
		WithCursorParam[ChatGroup]("page_number"),
		WithPageDecoder(PageNumberCursor[ChatGroup]("chat_groups_page")),
	)
}

// GetChat fetches one stored chat.
func (cs *ChatService) GetChat(ctx context.Context, id string) (*Chat, error) {
	if id == "" {
		return nil, NewValidationError("id", "cannot be empty")
	}
	chat, err := Execute[Chat](ctx, cs.c.exec, NewRequest(http.MethodGet, pathChats+"/"+id))
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// ChatRole is the author of a stored chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
	RoleTool      ChatRole = "tool"
)

// StoredMessage is one message of a stored chat.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolCalls []struct {
		ToolName   string          `json:"tool_name"`
		Parameters json.RawMessage `json:"parameters"`
		Response   json.RawMessage `json:"response,omitempty"`
		Error      string          `json:"error,omitempty"`
	} `json:"tool_calls,omitempty"`
	// Emotions maps emotion names to scores inferred for the message.
	Emotions map[string]float64 `json:"-"`
}

// UnmarshalJSON lifts emotion_inference.emotions into Emotions.
func (m *StoredMessage) UnmarshalJSON(data []byte) error {
	type plain StoredMessage
	var wire struct {
		plain
		EmotionInference *struct {
			Emotions map[string]float64 `json:"emotions"`
		} `json:"emotion_inference"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = StoredMessage(wire.plain)
	if wire.EmotionInference != nil {
		m.Emotions = wire.EmotionInference.Emotions
	}
	return nil
}

// ListChatMessages pages through the messages of a stored chat.
func (cs *ChatService) ListChatMessages(chatID string, opts ListOptions) *Paginator[StoredMessage] {
	return NewPaginator(cs.c.exec, opts.request(pathChats+"/"+url.PathEscape(chatID)+"/messages"),
		WithCursorParam[StoredMessage]("page_number"),
		WithPageDecoder(PageNumberCursor[StoredMessage]("items")),
	)
}
