package hume

import (
	"encoding/base64"
	"fmt"
	"slices"
	"unicode/utf8"
)

// Limits applied when assembling synthesis requests.
const (
	MaxTTSTextLength = 5000
	MinSpeed         = 0.5
	MaxSpeed         = 2.0
)

// ValidSampleRates lists the sample rates the synthesis endpoints accept.
var ValidSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// VoiceProvider selects the voice library a VoiceSpec refers to.
type VoiceProvider string

const (
	ProviderHume   VoiceProvider = "HUME_AI"
	ProviderCustom VoiceProvider = "CUSTOM_VOICE"
)

// VoiceSpec identifies a voice by id or by name. Exactly one of ID and Name
// should be set.
type VoiceSpec struct {
	ID       string        `json:"id,omitempty"`
	Name     string        `json:"name,omitempty"`
	Provider VoiceProvider `json:"provider,omitempty"`
}

// Utterance is one piece of text to synthesize.
type Utterance struct {
	Text            string     `json:"text"`
	Voice           *VoiceSpec `json:"voice,omitempty"`
	Description     string     `json:"description,omitempty"`
	Speed           *float64   `json:"speed,omitempty"`
	TrailingSilence *int       `json:"trailing_silence,omitempty"` // milliseconds
}

// Context carries previous text so consecutive requests sound consistent.
type Context struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// AudioFormatType is the container of synthesized audio.
type AudioFormatType string

const (
	FormatMP3 AudioFormatType = "mp3"
	FormatWAV AudioFormatType = "wav"
	FormatPCM AudioFormatType = "pcm"
)

// AudioFormat is serialized as {"type": "..."}.
type AudioFormat struct {
	Type AudioFormatType `json:"type"`
}

// TTSRequest is a validated synthesis request. Build it with NewTTSRequest.
type TTSRequest struct {
	Utterances []Utterance  `json:"utterances"`
	Context    *Context     `json:"context,omitempty"`
	Format     *AudioFormat `json:"format,omitempty"`
	SampleRate int          `json:"sample_rate,omitempty"`
}

// TTSOption configures a TTSRequest.
type TTSOption func(*TTSRequest)

// WithUtterance adds an utterance with the default voice.
func WithUtterance(text string) TTSOption {
	return WithUtterances(Utterance{Text: text})
}

// WithVoiceUtterance adds an utterance spoken by the named voice.
func WithVoiceUtterance(text, voiceName string) TTSOption {
	return WithUtterances(Utterance{Text: text, Voice: &VoiceSpec{Name: voiceName}})
}

// WithUtterances adds fully specified utterances.
func WithUtterances(u ...Utterance) TTSOption {
	return func(r *TTSRequest) { r.Utterances = append(r.Utterances, u...) }
}

// WithContext sets the preceding text used for consistency.
func WithContext(text, voice string) TTSOption {
	return func(r *TTSRequest) { r.Context = &Context{Text: text, Voice: voice} }
}

// WithFormat sets the output container.
func WithFormat(f AudioFormatType) TTSOption {
	return func(r *TTSRequest) { r.Format = &AudioFormat{Type: f} }
}

// WithSampleRate sets the output sample rate.
func WithSampleRate(hz int) TTSOption {
	return func(r *TTSRequest) { r.SampleRate = hz }
}

// NewTTSRequest assembles and validates a synthesis request. It fails with a
// *ValidationError when there is no utterance, when an utterance text is
// empty or longer than MaxTTSTextLength characters, when a voice names both
// an id and a name, when a trailing silence is negative, when the format is
// unknown, or when the sample rate is not one of ValidSampleRates. Speeds are
// clamped to [MinSpeed, MaxSpeed].
func NewTTSRequest(opts ...TTSOption) (TTSRequest, error) {
	var r TTSRequest
	for _, opt := range opts {
		opt(&r)
	}
	return r.normalize()
}

// normalize returns a validated copy of r. Utterances are copied so that
// clamping never writes through to the caller's slice.
func (r TTSRequest) normalize() (TTSRequest, error) {
	if len(r.Utterances) == 0 {
		return TTSRequest{}, NewValidationError("utterances", "at least one utterance is required")
	}
	utterances := make([]Utterance, len(r.Utterances))
	for i, u := range r.Utterances {
		field := fmt.Sprintf("utterances[%d]", i)
		if err := validateText(field+".text", u.Text); err != nil {
			return TTSRequest{}, err
		}
		if err := validateVoice(field+".voice", u.Voice); err != nil {
			return TTSRequest{}, err
		}
		if u.TrailingSilence != nil && *u.TrailingSilence < 0 {
			return TTSRequest{}, NewValidationError(field+".trailing_silence", "cannot be negative")
		}
		if u.Speed != nil {
			u.Speed = Ptr(clampSpeed(*u.Speed))
		}
		utterances[i] = u
	}
	r.Utterances = utterances
	if r.Context != nil {
		if err := validateText("context.text", r.Context.Text); err != nil {
			return TTSRequest{}, err
		}
		c := *r.Context
		r.Context = &c
	}
	if err := validateFormat(r.Format); err != nil {
		return TTSRequest{}, err
	}
	if err := validateSampleRate(r.SampleRate); err != nil {
		return TTSRequest{}, err
	}
	return r, nil
}

func validateText(field, text string) error {
	if text == "" {
		return NewValidationError(field, "cannot be empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxTTSTextLength {
		return NewValidationError(field, fmt.Sprintf("must be at most %d characters, got %d", MaxTTSTextLength, n))
	}
	return nil
}

func validateSampleRate(hz int) error {
	if hz == 0 || slices.Contains(ValidSampleRates, hz) {
		return nil
	}
	return NewValidationError("sample_rate", fmt.Sprintf("%d Hz is not one of %v", hz, ValidSampleRates))
}

func validateVoice(field string, v *VoiceSpec) error {
	if v == nil {
		return nil
	}
	if v.ID != "" && v.Name != "" {
		return NewValidationError(field, "set either id or name, not both")
	}
	if v.ID == "" && v.Name == "" {
		return NewValidationError(field, "id or name is required")
	}
	return nil
}

func validateFormat(f *AudioFormat) error {
	if f == nil {
		return nil
	}
	switch f.Type {
	case FormatMP3, FormatWAV, FormatPCM:
		return nil
	}
	return NewValidationError("format.type", fmt.Sprintf("unknown format %q", f.Type))
}

func clampSpeed(s float64) float64 {
	return min(max(s, MinSpeed), MaxSpeed)
}

// TTSResponse is the body of a synthesis call.
type TTSResponse struct {
	Generations []Generation `json:"generations"`
	RequestID   string       `json:"request_id,omitempty"`
}

// Generation is one synthesized audio segment.
type Generation struct {
	GenerationID string  `json:"generation_id,omitempty"`
	Data         string  `json:"data"` // base64
	DurationMs   float64 `json:"duration,omitempty"`
	Encoding     *struct {
		Format     string `json:"format"`
		SampleRate int    `json:"sample_rate"`
	} `json:"encoding,omitempty"`
}

// Audio decodes the base64 audio payload.
func (g Generation) Audio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(g.Data)
	if err != nil {
		return nil, &DecodeError{What: "generation audio", Err: err}
	}
	return data, nil
}

// Voice describes a voice available for synthesis.
type Voice struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Provider VoiceProvider `json:"provider,omitempty"`
	Tags     []string      `json:"tags,omitempty"`
}

// TTSStreamRequest describes one streamed synthesis. It is sent as the
// single control message of a synthesis stream, or as the body of the
// NDJSON endpoint.
type TTSStreamRequest struct {
	Text        string       `json:"text"`
	Voice       *VoiceSpec   `json:"voice,omitempty"`
	Description string       `json:"description,omitempty"`
	Speed       *float64     `json:"speed,omitempty"`
	Format      *AudioFormat `json:"format,omitempty"`
	SampleRate  int          `json:"sample_rate,omitempty"`
	Instant     bool         `json:"instant_mode,omitempty"`
}

// Validate checks and normalizes r in place.
func (r *TTSStreamRequest) Validate() error {
	if err := validateText("text", r.Text); err != nil {
		return err
	}
	if err := validateVoice("voice", r.Voice); err != nil {
		return err
	}
	if err := validateFormat(r.Format); err != nil {
		return err
	}
	if r.Speed != nil {
		r.Speed = Ptr(clampSpeed(*r.Speed))
	}
	return validateSampleRate(r.SampleRate)
}
