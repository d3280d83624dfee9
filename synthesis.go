package hume

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"time"
)

// TypePublishTTS is the control message that starts a streamed synthesis.
const TypePublishTTS = "publish_tts"

// SynthesisMetadata is a non-audio message observed during a synthesis,
// e.g. a timestamp or duration marker, or a recoverable error notice.
type SynthesisMetadata struct {
	Type     string
	StreamID string
	Raw      json.RawMessage
	Err      error // set for error notices
}

// Decode unmarshals the raw JSON of the metadata message into v.
func (m SynthesisMetadata) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return &DecodeError{What: m.Type, Raw: m.Raw, Err: err}
	}
	return nil
}

// SynthesisOption configures a SynthesisStream.
type SynthesisOption func(*synthesisOptions)

type synthesisOptions struct {
	maxChunks  int
	maxBytes   int
	metaBuffer int
	onMetadata func(SynthesisMetadata)
}

// WithBufferLimits bounds the local audio buffer. When it is full the stream
// stops reading from its source until the caller consumes audio.
func WithBufferLimits(chunks, bytes int) SynthesisOption {
	return func(o *synthesisOptions) { o.maxChunks, o.maxBytes = chunks, bytes }
}

// WithMetadataChannel enables Metadata with a channel of the given capacity.
// A full channel blocks the stream like a full audio buffer does.
func WithMetadataChannel(size int) SynthesisOption {
	return func(o *synthesisOptions) { o.metaBuffer = max(size, 1) }
}

// WithMetadataHandler registers fn before any message is read.
func WithMetadataHandler(fn func(SynthesisMetadata)) SynthesisOption {
	return func(o *synthesisOptions) { o.onMetadata = fn }
}

// messageSource feeds a SynthesisStream. next reports final when the
// message is the last one of the stream.
type messageSource interface {
	next(ctx context.Context) (msg ProtocolMessage, final bool, err error)
	abort(err error)
	close()
}

// SynthesisStream turns the messages of one synthesis request into an
// ordered audio byte sequence. Audio chunks must arrive with consecutive
// indices per stream id, starting at 0; any gap or reordering ends the
// stream with a *ProtocolError wrapping a *SequenceError, and the offending
// chunk is never delivered.
//
// The audio is consumed through exactly one of Chunks, Read or WriteTo.
// Consumption is not restartable.
type SynthesisStream struct {
	src    messageSource
	buf    *AudioBuffer
	log    logSink
	ctx    context.Context
	cancel context.CancelFunc

	handlerMu  sync.RWMutex
	onMetadata func(SynthesisMetadata)
	meta       chan SynthesisMetadata

	nextSeq map[string]uint32
	pending []byte

	done chan struct{}
	err  error
}

// NewSynthesisStream sends req on an open session as a single publish_tts
// control message and streams back the audio. ctx governs the stream; the
// session stays owned by the caller.
func NewSynthesisStream(ctx context.Context, s *Session, req TTSStreamRequest, opts ...SynthesisOption) (*SynthesisStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	msg, err := Control(TypePublishTTS, publishTTS{TTSStreamRequest: req, Close: true})
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, msg); err != nil {
		return nil, err
	}
	return startSynthesis(ctx, &sessionSource{s: s}, s.log, opts), nil
}

type publishTTS struct {
	TTSStreamRequest
	Close bool `json:"close,omitempty"`
}

func startSynthesis(ctx context.Context, src messageSource, log logSink, opts []SynthesisOption) *SynthesisStream {
	var o synthesisOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &SynthesisStream{
		src:        src,
		buf:        NewAudioBuffer(o.maxChunks, o.maxBytes),
		log:        log.with(map[string]any{"component": "synthesis"}),
		ctx:        ctx,
		cancel:     cancel,
		onMetadata: o.onMetadata,
		nextSeq:    map[string]uint32{},
		done:       make(chan struct{}),
	}
	if o.metaBuffer > 0 {
		st.meta = make(chan SynthesisMetadata, o.metaBuffer)
	}
	go st.pump()
	return st
}

// OnMetadata registers a callback for metadata messages. It runs on the
// stream's goroutine and must not block.
func (st *SynthesisStream) OnMetadata(fn func(SynthesisMetadata)) {
	st.handlerMu.Lock()
	defer st.handlerMu.Unlock()
	st.onMetadata = fn
}

// Metadata returns the metadata channel, closed when the stream ends. It is
// nil unless WithMetadataChannel was given.
func (st *SynthesisStream) Metadata() <-chan SynthesisMetadata { return st.meta }

// Done is closed once the stream stopped reading from its source.
func (st *SynthesisStream) Done() <-chan struct{} { return st.done }

// Err returns the error that ended the stream, nil after a normal end or
// while the stream is running.
func (st *SynthesisStream) Err() error {
	select {
	case <-st.done:
		return st.err
	default:
		return nil
	}
}

// Close stops the stream and releases its source. Buffered audio is dropped.
func (st *SynthesisStream) Close() error {
	st.cancel()
	<-st.done
	return nil
}

func (st *SynthesisStream) pump() {
	defer close(st.done)
	defer st.src.close()
	if st.meta != nil {
		defer close(st.meta)
	}

	chunks := 0
	start := time.Now()
	for {
		msg, final, err := st.src.next(st.ctx)
		if errors.Is(err, io.EOF) {
			st.finish(nil)
			break
		}
		if err != nil {
			st.finish(err)
			break
		}

		switch msg.Kind {
		case KindAudio:
			if err := st.checkOrder(msg); err != nil {
				st.log.error("synthesis_out_of_order", map[string]any{"err": err})
				st.src.abort(err)
				st.finish(err)
				return
			}
			if len(msg.Data) > 0 {
				if err := st.buf.Push(st.ctx, msg.Data); err != nil {
					st.finish(err)
					return
				}
			}
			chunks++
		case KindControl, KindErrorNotice:
			if err := st.emit(SynthesisMetadata{Type: msg.Type, StreamID: msg.StreamID, Raw: msg.Raw, Err: msg.Err}); err != nil {
				st.finish(err)
				return
			}
		case KindSessionEnd:
			final = true
		}
		if final {
			st.finish(nil)
			break
		}
	}
	st.log.debug("synthesis_done", map[string]any{
		"chunks": chunks, "bytes": st.buf.Total(), "elapsed_ms": time.Since(start).Milliseconds(),
	})
}

func (st *SynthesisStream) finish(err error) {
	st.err = err
	st.buf.CloseWithError(err)
}

func (st *SynthesisStream) checkOrder(msg ProtocolMessage) error {
	want := st.nextSeq[msg.StreamID]
	if msg.Seq != want {
		return NewProtocolError("audio out of order", &SequenceError{StreamID: msg.StreamID, Want: want, Got: msg.Seq})
	}
	st.nextSeq[msg.StreamID] = want + 1
	return nil
}

func (st *SynthesisStream) emit(m SynthesisMetadata) error {
	st.handlerMu.RLock()
	fn := st.onMetadata
	st.handlerMu.RUnlock()
	if fn != nil {
		fn(m)
	}
	if st.meta == nil {
		return nil
	}
	select {
	case st.meta <- m:
		return nil
	case <-st.ctx.Done():
		return &CancelledError{Err: st.ctx.Err()}
	}
}

// Chunks yields audio chunks in order. A failure is yielded once as the last
// element; a normal end just stops.
func (st *SynthesisStream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if len(st.pending) > 0 {
			chunk := st.pending
			st.pending = nil
			if !yield(chunk, nil) {
				return
			}
		}
		for {
			chunk, err := st.buf.Pop(st.ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Read implements io.Reader over the audio bytes.
func (st *SynthesisStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(st.pending) == 0 {
		chunk, err := st.buf.Pop(st.ctx)
		if err != nil {
			return 0, err
		}
		st.pending = chunk
	}
	n := copy(p, st.pending)
	st.pending = st.pending[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, copying all audio to w.
func (st *SynthesisStream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for chunk, err := range st.Chunks() {
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sessionSource reads a Session. When owned, the session is closed with the
// stream.
type sessionSource struct {
	s     *Session
	owned bool
}

func (src *sessionSource) next(ctx context.Context) (ProtocolMessage, bool, error) {
	msg, err := src.s.Receive(ctx)
	return msg, false, err
}

func (src *sessionSource) abort(err error) { src.s.fail(err) }

func (src *sessionSource) close() {
	if !src.owned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = src.s.Close(ctx)
}

// ndjsonSource reads newline-delimited JSON chunks from an HTTP body.
type ndjsonSource struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	once sync.Once
}

func newNDJSONSource(body io.ReadCloser) *ndjsonSource {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	return &ndjsonSource{body: body, sc: sc}
}

type ndjsonChunk struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	IsLastChunk bool   `json:"is_last_chunk"`
}

func (src *ndjsonSource) next(ctx context.Context) (ProtocolMessage, bool, error) {
	stop := context.AfterFunc(ctx, src.close)
	defer stop()
	for src.sc.Scan() {
		line := bytes.TrimSpace(src.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; decoded messages keep slices of it.
		line = bytes.Clone(line)
		var c ndjsonChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return ProtocolMessage{}, false, NewProtocolError("malformed stream chunk", err)
		}
		final := c.IsFinal || c.IsLastChunk
		if c.Type == "" {
			return decodeAudioJSON(TypeAudio, line), final, nil
		}
		msg, err := decodeFrame(Frame{Kind: FrameText, Data: line})
		return msg, final, err
	}
	if err := src.sc.Err(); err != nil {
		if ctxErr := cancelled(ctx); ctxErr != nil {
			return ProtocolMessage{}, false, ctxErr
		}
		return ProtocolMessage{}, false, &TransportError{Op: "read stream", Err: err}
	}
	if ctxErr := cancelled(ctx); ctxErr != nil {
		return ProtocolMessage{}, false, ctxErr
	}
	return ProtocolMessage{}, false, io.EOF
}

func (src *ndjsonSource) abort(error) { src.close() }

func (src *ndjsonSource) close() { src.once.Do(func() { _ = src.body.Close() }) }
