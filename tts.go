package hume

import (
	"context"
	"io"
	"net/http"
)

// Endpoint paths of the text-to-speech family.
const (
	pathTTS            = "/v0/tts"
	pathTTSFile        = "/v0/tts/file"
	pathTTSStreamJSON  = "/v0/tts/stream/json"
	pathTTSStreamInput = "/v0/tts/stream/input"
	pathTTSVoices      = "/v0/tts/voices"
)

// TTSService calls the text-to-speech endpoints. Obtain it from Client.TTS.
type TTSService struct {
	c *Client
}

// Synthesize synthesizes req and returns base64 generations.
func (t *TTSService) Synthesize(ctx context.Context, req TTSRequest, opts ...CallOption) (*TTSResponse, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	spec := NewRequest(http.MethodPost, pathTTS, WithBody(req))
	resp, err := Execute[TTSResponse](ctx, t.c.exec, spec, opts...)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SynthesizeFile synthesizes req and returns the encoded audio file.
func (t *TTSService) SynthesizeFile(ctx context.Context, req TTSRequest, opts ...CallOption) ([]byte, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	spec := NewRequest(http.MethodPost, pathTTSFile, WithBody(req), WithHeader("Accept", "audio/*"))
	return t.c.exec.DoRaw(ctx, spec, opts...)
}

// ListVoices pages through the voices of provider. An empty provider lists
// the shared library.
func (t *TTSService) ListVoices(provider VoiceProvider, pageSize int) *Paginator[Voice] {
	if provider == "" {
		provider = ProviderHume
	}
	spec := NewRequest(http.MethodGet, pathTTSVoices,
		WithQuery("provider", string(provider)),
		WithQuery("page_size", itoaPositive(pageSize)),
		WithQuery("page_number", "0"),
	)
	return NewPaginator(t.c.exec, spec,
		WithCursorParam[Voice]("page_number"),
		WithPageDecoder(PageNumberCursor[Voice]("voices_page")),
	)
}

// StreamJSON synthesizes req through the newline-delimited JSON endpoint.
// The HTTP response body is read by the returned stream; close the stream
// to release it early.
func (t *TTSService) StreamJSON(ctx context.Context, req TTSStreamRequest, opts ...SynthesisOption) (*SynthesisStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := t.c.exec.Stream(ctx, NewRequest(http.MethodPost, pathTTSStreamJSON, WithBody(req)))
	if err != nil {
		return nil, err
	}
	return startSynthesis(ctx, newNDJSONSource(body), t.c.exec.log, opts), nil
}

// StreamSession synthesizes req over a dedicated socket session. The
// session is closed together with the stream.
func (t *TTSService) StreamSession(ctx context.Context, req TTSStreamRequest, opts ...SynthesisOption) (*SynthesisStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s, err := t.c.Connect(ctx, SessionOptions{Path: pathTTSStreamInput, ReadyOnDial: true})
	if err != nil {
		return nil, err
	}
	msg, err := Control(TypePublishTTS, publishTTS{TTSStreamRequest: req, Close: true})
	if err == nil {
		err = s.Send(ctx, msg)
	}
	if err != nil {
		_ = s.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return startSynthesis(ctx, &sessionSource{s: s, owned: true}, s.log, opts), nil
}

// WriteAudio synthesizes req with StreamJSON and copies the audio to w.
func (t *TTSService) WriteAudio(ctx context.Context, w io.Writer, req TTSStreamRequest) (int64, error) {
	st, err := t.StreamJSON(ctx, req)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return st.WriteTo(w)
}
