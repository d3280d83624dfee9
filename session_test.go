package hume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func receiveN(t *testing.T, s *Session, n int) []ProtocolMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []ProtocolMessage
	for len(out) < n {
		msg, err := s.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive after %d messages: %v", len(out), err)
		}
		out = append(out, msg)
	}
	return out
}

// drainUntilErr reads until Receive fails and returns that error.
func drainUntilErr(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := s.Receive(ctx); err != nil {
			return err
		}
	}
}

func closeSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestSession_ConnectAndClose(t *testing.T) {
	ms := NewMockServer(t)
	obs := &recordingObserver{}
	c := newMockClient(t, ms, func(cfg *Config) { cfg.Observer = obs })

	s, err := c.Connect(context.Background(), SessionOptions{
		Path:  "/v0/evi/chat",
		Query: []QueryParam{{Key: "config_id", Value: "cfg-1"}},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %s, want open", s.State())
	}
	if s.ID() != "sess_mock_123" {
		t.Errorf("ID = %q, want server session id", s.ID())
	}

	ready := receiveN(t, s, 1)[0]
	if ready.Kind != KindControl || ready.Type != TypeSessionStarted {
		t.Errorf("first message = %v", ready)
	}

	ms.mu.Lock()
	query, header := ms.query, ms.header
	ms.mu.Unlock()
	if query.Get("api_key") != "test-key" || query.Get("config_id") != "cfg-1" {
		t.Errorf("handshake query = %v", query)
	}
	if header.Get("X-Hume-Api-Key") != "test-key" || header.Get("User-Agent") != "hume-go/"+Version {
		t.Errorf("handshake headers = %v", header)
	}

	closeSession(t, s)
	if s.State() != StateClosed || s.CloseReason() != nil {
		t.Errorf("after Close: state %s reason %v", s.State(), s.CloseReason())
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Receive after close = %v, want io.EOF", err)
	}
	want := []SessionState{StateConnecting, StateOpen, StateClosing, StateClosed}
	if got := obs.States(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	// Close is idempotent.
	closeSession(t, s)
}

func TestSession_SendOrderAcrossConcurrentSessions(t *testing.T) {
	ms := NewMockServer(t)
	ms.onText = func(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
		raw, _ := json.Marshal(msg)
		_ = conn.Write(ctx, websocket.MessageText, raw)
	}
	c := newMockClient(t, ms)

	const sessions = 4
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
			if err != nil {
				t.Errorf("session %d: Connect failed: %v", i, err)
				return
			}
			defer closeSession(t, s)

			sent := []string{"A", "B", "C"}
			for _, text := range sent {
				if err := s.SendJSON(context.Background(), TypeUserInput, map[string]string{"text": text}); err != nil {
					t.Errorf("session %d: Send %s: %v", i, text, err)
					return
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.Receive(ctx); err != nil {
				t.Errorf("session %d: ready: %v", i, err)
				return
			}
			var got []string
			for range sent {
				m, err := s.Receive(ctx)
				if err != nil {
					t.Errorf("session %d: Receive: %v", i, err)
					return
				}
				var body struct {
					Text string `json:"text"`
				}
				if err := m.Decode(&body); err != nil {
					t.Errorf("session %d: decode echo: %v", i, err)
				}
				got = append(got, body.Text)
			}
			if !slices.Equal(got, sent) {
				t.Errorf("session %d: echo order = %v, want %v", i, got, sent)
			}
		}(i)
	}
	wg.Wait()
}

func TestSession_CloseFlushesQueuedMessages(t *testing.T) {
	ms := NewMockServer(t)
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := s.SendJSON(context.Background(), TypeUserInput, map[string]any{"text": fmt.Sprint(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	closeSession(t, s)

	got := ms.waitReceived(t, 10)
	for i, m := range got {
		if m["text"] != fmt.Sprint(i) || m["type"] != TypeUserInput {
			t.Errorf("message %d = %v", i, m)
		}
	}
	if err := s.SendJSON(context.Background(), TypeUserInput, map[string]any{"text": "late"}); !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("Send after close = %v, want ErrSessionNotOpen", err)
	}
}

func TestSession_CancelBeforeHandshake(t *testing.T) {
	ms := NewMockServer(t)
	ms.silent = true
	obs := &recordingObserver{}
	c := newMockClient(t, ms, func(cfg *Config) { cfg.Observer = obs })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s := c.NewSession(SessionOptions{Path: "/v0/evi/chat"})
	err := s.Connect(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Connect = %v, want ErrCancelled", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	var ce *CancelledError
	if !errors.As(s.CloseReason(), &ce) {
		t.Errorf("CloseReason = %v, want CancelledError", s.CloseReason())
	}
	if got := obs.States(); !slices.Equal(got, []SessionState{StateConnecting, StateClosed}) {
		t.Errorf("transitions = %v", got)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("second Connect = %v, want ErrSessionUsed", err)
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	ms := NewMockServer(t)
	ms.silent = true
	c := newMockClient(t, ms)

	_, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat", HandshakeTimeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect = %v, want ErrHandshakeTimeout", err)
	}
}

func TestSession_CloseWhileConnecting(t *testing.T) {
	ms := NewMockServer(t)
	ms.silent = true
	c := newMockClient(t, ms)
	s := c.NewSession(SessionOptions{Path: "/v0/evi/chat"})

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background()) }()

	// Wait for the socket to be accepted so the handshake is in flight.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ms.mu.Lock()
		n := ms.conns
		ms.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	closeSession(t, s)
	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Errorf("Connect = %v, want ErrCancelled", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if !errors.Is(s.CloseReason(), ErrCancelled) {
		t.Errorf("CloseReason = %v", s.CloseReason())
	}
}

func TestSession_CloseBeforeConnect(t *testing.T) {
	ms := NewMockServer(t)
	c := newMockClient(t, ms)
	s := c.NewSession(SessionOptions{Path: "/v0/evi/chat"})

	closeSession(t, s)
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("Connect after Close = %v, want ErrSessionUsed", err)
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Receive = %v, want io.EOF", err)
	}
}

func TestSession_FramingViolationFails(t *testing.T) {
	tests := []struct {
		name  string
		frame mockFrame
	}{
		{"non-json text", rawFrame("hello")},
		{"missing type", rawFrame(`{"data":"x"}`)},
		{"short binary", mockFrame{typ: websocket.MessageBinary, data: []byte{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := NewMockServer(t)
			ms.AddFrames(tt.frame)
			c := newMockClient(t, ms)
			s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
			if err != nil {
				t.Fatal(err)
			}

			err = drainUntilErr(t, s)
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("Receive = %v, want protocol violation", err)
			}
			waitState(t, s, StateFailed)
			if !errors.Is(s.CloseReason(), ErrProtocolViolation) {
				t.Errorf("CloseReason = %v", s.CloseReason())
			}
			if err := s.SendJSON(context.Background(), TypeUserInput, nil); !errors.Is(err, ErrSessionNotOpen) {
				t.Errorf("Send on failed session = %v", err)
			}
		})
	}
}

func TestSession_ErrorNoticesKeepSessionOpen(t *testing.T) {
	ms := NewMockServer(t)
	ms.AddFrames(
		rawFrame(`{"type":"audio_output","id":"m1","index":0,"data":"!!!not base64"}`),
		jsonFrame(map[string]any{"type": "error", "code": "E0301", "slug": "bad_settings", "message": "invalid voice"}),
		jsonFrame(map[string]any{"type": "assistant_end"}),
	)
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)

	msgs := receiveN(t, s, 4)
	if msgs[1].Kind != KindErrorNotice || !errors.Is(msgs[1].Err, ErrDecode) {
		t.Errorf("bad payload = %v, want decode notice", msgs[1])
	}
	var se *ServerError
	if msgs[2].Kind != KindErrorNotice || !errors.As(msgs[2].Err, &se) || se.Code != "E0301" {
		t.Errorf("server error = %v", msgs[2])
	}
	if msgs[3].Type != "assistant_end" {
		t.Errorf("message after notices = %v", msgs[3])
	}
	if s.State() != StateOpen {
		t.Errorf("state = %s, want open", s.State())
	}
}

func TestSession_SessionEndedCloses(t *testing.T) {
	ms := NewMockServer(t)
	ms.AddFrames(jsonFrame(map[string]any{"type": "session_ended", "reason": "inactivity"}))
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
	if err != nil {
		t.Fatal(err)
	}

	msgs := receiveN(t, s, 2)
	if msgs[1].Kind != KindSessionEnd || msgs[1].Reason != "inactivity" {
		t.Errorf("end message = %v", msgs[1])
	}
	if err := drainUntilErr(t, s); !errors.Is(err, io.EOF) {
		t.Errorf("Receive after end = %v, want io.EOF", err)
	}
	waitState(t, s, StateClosed)
}

func TestSession_PeerCloseIsNormal(t *testing.T) {
	ms := NewMockServer(t)
	ms.closeEnd = true
	ms.AddFrames(jsonFrame(map[string]any{"type": "assistant_message", "message": map[string]string{"role": "assistant", "content": "bye"}}))
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
	if err != nil {
		t.Fatal(err)
	}

	var types []string
	for msg, err := range s.Messages(context.Background()) {
		if err != nil {
			t.Fatalf("Messages yielded %v", err)
		}
		types = append(types, msg.Type)
	}
	if !slices.Equal(types, []string{TypeSessionStarted, TypeAssistantMessage}) {
		t.Errorf("types = %v", types)
	}
	waitState(t, s, StateClosed)
	if s.CloseReason() != nil {
		t.Errorf("CloseReason = %v, want nil", s.CloseReason())
	}
}

func TestSession_HandshakeRejected(t *testing.T) {
	ms := NewMockServer(t)
	ms.reject = http.StatusForbidden
	c := newMockClient(t, ms)
	s := c.NewSession(SessionOptions{Path: "/v0/evi/chat"})

	err := s.Connect(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("Connect = %v, want 403 APIError", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Error("rejected handshake should be a transport error")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestSession_AudioFrames(t *testing.T) {
	ms := NewMockServer(t)
	ms.AddFrames(
		audioFrame(0, []byte("pcm0")),
		audioFrame(1, []byte("pcm1")),
	)
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/tts/stream/input", EnforceAudioOrder: true})
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)

	msgs := receiveN(t, s, 3)
	for i, m := range msgs[1:] {
		if m.Kind != KindAudio || m.Seq != uint32(i) || string(m.Data) != fmt.Sprintf("pcm%d", i) {
			t.Errorf("audio %d = %v", i, m)
		}
	}

	if err := s.Send(context.Background(), Audio(0, []byte{1, 2, 3})); err != nil {
		t.Fatalf("Send audio: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ms.mu.Lock()
		n := len(ms.binary)
		ms.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.binary) != 1 || string(ms.binary[0]) != "\x00\x00\x00\x00\x01\x02\x03" {
		t.Errorf("server got binary frames %q", ms.binary)
	}
}

func TestSession_AudioOutOfOrderFails(t *testing.T) {
	ms := NewMockServer(t)
	ms.AddFrames(
		audioFrame(0, []byte("a")),
		audioFrame(2, []byte("c")),
		audioFrame(1, []byte("b")),
	)
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/tts/stream/input", EnforceAudioOrder: true})
	if err != nil {
		t.Fatal(err)
	}

	var delivered []string
	var final error
	for msg, err := range s.Messages(context.Background()) {
		if err != nil {
			final = err
			break
		}
		if msg.Kind == KindAudio {
			delivered = append(delivered, string(msg.Data))
		}
	}
	if !slices.Equal(delivered, []string{"a"}) {
		t.Errorf("delivered %v, want only the in-order chunk", delivered)
	}
	var seqErr *SequenceError
	if !errors.As(final, &seqErr) || seqErr.Want != 1 || seqErr.Got != 2 {
		t.Errorf("final error = %v", final)
	}
	waitState(t, s, StateFailed)
}

func TestSession_ReadyOnDial(t *testing.T) {
	ms := NewMockServer(t)
	ms.ready = nil
	c := newMockClient(t, ms)

	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/tts/stream/input", ReadyOnDial: true})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer closeSession(t, s)
	if s.State() != StateOpen {
		t.Errorf("state = %s", s.State())
	}
}

func TestSession_ContextCancelClosesOpenSession(t *testing.T) {
	ms := NewMockServer(t)
	c := newMockClient(t, ms)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Connect(ctx, SessionOptions{Path: "/v0/evi/chat"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	waitState(t, s, StateClosed)
	if !errors.Is(s.CloseReason(), ErrCancelled) {
		t.Errorf("CloseReason = %v, want ErrCancelled", s.CloseReason())
	}
}

func TestSession_GorillaBackend(t *testing.T) {
	ms := NewMockServer(t)
	ms.AddFrames(audioFrame(0, []byte("x")))
	c := newMockClient(t, ms, func(cfg *Config) {
		cfg.TransportBackend = TransportGorilla
		cfg.Credential = BearerToken("tok", "Bearer", time.Hour)
	})

	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	msgs := receiveN(t, s, 2)
	if msgs[1].Kind != KindAudio || string(msgs[1].Data) != "x" {
		t.Errorf("audio = %v", msgs[1])
	}
	if err := s.SendJSON(context.Background(), TypeUserInput, map[string]string{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	got := ms.waitReceived(t, 1)
	if got[0]["text"] != "hi" {
		t.Errorf("server got %v", got[0])
	}

	ms.mu.Lock()
	auth, token := ms.header.Get("Authorization"), ms.query.Get("access_token")
	ms.mu.Unlock()
	if auth != "Bearer tok" || token != "tok" {
		t.Errorf("bearer credential not sent: header %q query %q", auth, token)
	}
	closeSession(t, s)
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

// pingConn is a pipeConn whose pings never get a pong.
type pingConn struct {
	*pipeConn
	pings atomic.Int32
}

func (c *pingConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return errors.New("failed to wait for pong")
}

func TestSession_SlowConsumerSurvivesKeepalive(t *testing.T) {
	conn := &pingConn{pipeConn: newPipeConn()}
	for i := 0; i < 4; i++ {
		conn.in <- Frame{Kind: FrameText, Data: []byte(`{"type":"assistant_end"}`)}
	}
	c, err := NewClient(Config{
		BaseURL:    "https://api.example.com",
		Credential: StaticKey("k"),
		Dialer: DialerFunc(func(ctx context.Context, url string, header http.Header) (Conn, error) {
			return conn, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.Connect(context.Background(), SessionOptions{
		Path:             "/v0/tts/stream/input",
		ReadyOnDial:      true,
		InboundQueueSize: 1,
		PingInterval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The reader is parked on the full inbound queue for many ping periods.
	time.Sleep(200 * time.Millisecond)
	if s.State() != StateOpen {
		t.Fatalf("state after slow consumer = %s, reason %v", s.State(), s.CloseReason())
	}
	receiveN(t, s, 4)

	// Once the reader runs again an unanswered ping is a dead link.
	waitState(t, s, StateFailed)
	if !errors.Is(s.CloseReason(), ErrTransport) {
		t.Errorf("CloseReason = %v, want transport error", s.CloseReason())
	}
	if conn.pings.Load() == 0 {
		t.Error("no keepalive ping was sent")
	}
}

func TestSession_SlowConsumerOverWebsocket(t *testing.T) {
	ms := NewMockServer(t)
	for i := 0; i < 5; i++ {
		ms.AddFrames(jsonFrame(map[string]any{"type": TypeAssistantEnd}))
	}
	c := newMockClient(t, ms)
	s, err := c.Connect(context.Background(), SessionOptions{
		Path:             "/v0/tts/stream/input",
		InboundQueueSize: 1,
		PingInterval:     20 * time.Millisecond,
		PingTimeout:      200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	if s.State() != StateOpen {
		t.Fatalf("state after slow consumer = %s, reason %v", s.State(), s.CloseReason())
	}
	receiveN(t, s, 6)

	// Pongs are read again, so the session stays healthy.
	time.Sleep(100 * time.Millisecond)
	if s.State() != StateOpen {
		t.Fatalf("state after drain = %s, reason %v", s.State(), s.CloseReason())
	}
	closeSession(t, s)
}

func TestSessionState_String(t *testing.T) {
	for s, want := range map[SessionState]string{
		StateConnecting:  "connecting",
		StateOpen:        "open",
		StateClosing:     "closing",
		StateClosed:      "closed",
		StateFailed:      "failed",
		SessionState(42): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
	if !StateClosed.Terminal() || !StateFailed.Terminal() || StateClosing.Terminal() {
		t.Error("Terminal misclassifies states")
	}
}
