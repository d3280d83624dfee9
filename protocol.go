package hume

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MessageKind tags a ProtocolMessage.
type MessageKind int

const (
	// KindControl is a typed JSON message.
	KindControl MessageKind = iota + 1
	// KindAudio is an audio payload with a sequence index.
	KindAudio
	// KindErrorNotice is a recoverable error reported inline; the session stays open.
	KindErrorNotice
	// KindSessionEnd is the server's end-of-session notice.
	KindSessionEnd
)

func (k MessageKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindAudio:
		return "audio"
	case KindErrorNotice:
		return "error_notice"
	case KindSessionEnd:
		return "session_end"
	default:
		return "unknown"
	}
}

// Message types with special meaning on the wire.
const (
	TypeSessionStarted = "session_started"
	TypeChatMetadata   = "chat_metadata"
	TypeSessionEnded   = "session_ended"
	TypeError          = "error"
	TypeAudioOutput    = "audio_output"
	TypeAudio          = "audio"
)

// audioHeaderLen is the big-endian sequence index preceding binary audio.
const audioHeaderLen = 4

// ProtocolMessage is one unit exchanged on a Session.
type ProtocolMessage struct {
	Kind MessageKind

	// Type is the JSON "type" field for control, error and end messages,
	// and for audio that arrived as JSON.
	Type string

	// Raw is the undecoded JSON text, when the message came from or goes to a text frame.
	Raw json.RawMessage

	// Audio fields.
	Data     []byte
	Seq      uint32
	StreamID string

	// Err is set for KindErrorNotice.
	Err error

	// Reason is set for KindSessionEnd.
	Reason string
}

// Control builds a control message from payload, which must marshal to a
// JSON object. Its "type" field is set to typ.
func Control(typ string, payload any) (ProtocolMessage, error) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ProtocolMessage{}, fmt.Errorf("hume: encode %s: %w", typ, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return ProtocolMessage{}, fmt.Errorf("hume: %s payload is not a JSON object: %w", typ, err)
		}
	}
	fields["type"] = typ
	raw, err := json.Marshal(fields)
	if err != nil {
		return ProtocolMessage{}, fmt.Errorf("hume: encode %s: %w", typ, err)
	}
	return ProtocolMessage{Kind: KindControl, Type: typ, Raw: raw}, nil
}

// Audio builds an outbound audio message.
func Audio(seq uint32, data []byte) ProtocolMessage {
	return ProtocolMessage{Kind: KindAudio, Seq: seq, Data: data}
}

// Decode unmarshals the JSON body of a control message into v.
func (m ProtocolMessage) Decode(v any) error {
	if len(m.Raw) == 0 {
		return &DecodeError{What: m.Type, Err: fmt.Errorf("message has no JSON body")}
	}
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return &DecodeError{What: m.Type, Raw: m.Raw, Err: err}
	}
	return nil
}

func (m ProtocolMessage) String() string {
	switch m.Kind {
	case KindAudio:
		return fmt.Sprintf("audio(stream=%q seq=%d bytes=%d)", m.StreamID, m.Seq, len(m.Data))
	case KindErrorNotice:
		return fmt.Sprintf("error_notice(%v)", m.Err)
	case KindSessionEnd:
		return fmt.Sprintf("session_end(%s)", m.Reason)
	default:
		return fmt.Sprintf("control(%s)", m.Type)
	}
}

// encodeFrame maps an outbound message onto a transport frame. Control
// messages become text frames; audio becomes a binary frame with a 4-byte
// big-endian sequence header.
func encodeFrame(m ProtocolMessage) (Frame, error) {
	switch m.Kind {
	case KindControl:
		if len(m.Raw) == 0 {
			if m.Type == "" {
				return Frame{}, NewValidationError("message", "control message needs a type")
			}
			raw, _ := json.Marshal(map[string]string{"type": m.Type})
			return Frame{Kind: FrameText, Data: raw}, nil
		}
		return Frame{Kind: FrameText, Data: m.Raw}, nil
	case KindAudio:
		buf := make([]byte, audioHeaderLen+len(m.Data))
		binary.BigEndian.PutUint32(buf, m.Seq)
		copy(buf[audioHeaderLen:], m.Data)
		return Frame{Kind: FrameBinary, Data: buf}, nil
	default:
		return Frame{}, NewValidationError("message", fmt.Sprintf("%s messages cannot be sent", m.Kind))
	}
}

// envelope is the common shape of every inbound text frame.
type envelope struct {
	Type *string `json:"type"`
}

// audioEnvelope covers the JSON audio variants: EVI audio_output and TTS
// stream chunks.
type audioEnvelope struct {
	Data         *string `json:"data"`
	Audio        *string `json:"audio"`
	Index        *uint32 `json:"index"`
	ChunkIndex   *uint32 `json:"chunk_index"`
	ID           string  `json:"id"`
	MessageID    string  `json:"message_id"`
	GenerationID string  `json:"generation_id"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Slug    string `json:"slug"`
	Message string `json:"message"`
}

type endEnvelope struct {
	Reason string `json:"reason"`
}

// decodeFrame maps an inbound frame to a message. A returned error is a
// framing violation and is fatal to the session. Payload problems inside an
// otherwise well-formed frame come back as KindErrorNotice with a nil error.
func decodeFrame(f Frame) (ProtocolMessage, error) {
	switch f.Kind {
	case FrameBinary:
		if len(f.Data) < audioHeaderLen {
			return ProtocolMessage{}, NewProtocolError(frameSummary(f), errFrameTooShort)
		}
		return ProtocolMessage{
			Kind: KindAudio,
			Seq:  binary.BigEndian.Uint32(f.Data),
			Data: f.Data[audioHeaderLen:],
		}, nil
	case FrameText:
	default:
		return ProtocolMessage{}, NewProtocolError("unknown frame kind", nil)
	}

	trimmed := bytes.TrimSpace(f.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ProtocolMessage{}, NewProtocolError("text frame is not a JSON object", nil)
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return ProtocolMessage{}, NewProtocolError("malformed JSON", err)
	}
	if env.Type == nil || *env.Type == "" {
		return ProtocolMessage{}, NewProtocolError("message has no type", nil)
	}
	typ := *env.Type
	raw := json.RawMessage(trimmed)

	switch typ {
	case TypeSessionEnded:
		var e endEnvelope
		_ = json.Unmarshal(raw, &e)
		return ProtocolMessage{Kind: KindSessionEnd, Type: typ, Raw: raw, Reason: e.Reason}, nil
	case TypeError:
		var e errorEnvelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return notice(typ, raw, err), nil
		}
		return ProtocolMessage{
			Kind: KindErrorNotice,
			Type: typ,
			Raw:  raw,
			Err:  &ServerError{Code: e.Code, Slug: e.Slug, Message: e.Message},
		}, nil
	case TypeAudioOutput, TypeAudio:
		return decodeAudioJSON(typ, raw), nil
	default:
		return ProtocolMessage{Kind: KindControl, Type: typ, Raw: raw}, nil
	}
}

func decodeAudioJSON(typ string, raw json.RawMessage) ProtocolMessage {
	var a audioEnvelope
	if err := json.Unmarshal(raw, &a); err != nil {
		return notice(typ, raw, err)
	}
	encoded := a.Data
	if encoded == nil {
		encoded = a.Audio
	}
	if encoded == nil {
		return notice(typ, raw, fmt.Errorf("audio message has no data"))
	}
	data, err := base64.StdEncoding.DecodeString(*encoded)
	if err != nil {
		return notice(typ, raw, err)
	}
	m := ProtocolMessage{Kind: KindAudio, Type: typ, Raw: raw, Data: data}
	switch {
	case a.Index != nil:
		m.Seq = *a.Index
	case a.ChunkIndex != nil:
		m.Seq = *a.ChunkIndex
	}
	for _, id := range []string{a.ID, a.MessageID, a.GenerationID} {
		if id != "" {
			m.StreamID = id
			break
		}
	}
	return m
}

func notice(typ string, raw json.RawMessage, err error) ProtocolMessage {
	return ProtocolMessage{
		Kind: KindErrorNotice,
		Type: typ,
		Raw:  raw,
		Err:  &DecodeError{What: typ, Raw: raw, Err: err},
	}
}
