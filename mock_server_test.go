package hume

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// mockFrame is one frame the mock server writes.
type mockFrame struct {
	typ  websocket.MessageType
	data []byte
	// wait pauses before writing, to let the client observe intermediate state.
	wait time.Duration
}

func jsonFrame(v any) mockFrame {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return mockFrame{typ: websocket.MessageText, data: data}
}

func rawFrame(s string) mockFrame {
	return mockFrame{typ: websocket.MessageText, data: []byte(s)}
}

func audioFrame(seq uint32, payload []byte) mockFrame {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, seq)
	copy(buf[4:], payload)
	return mockFrame{typ: websocket.MessageBinary, data: buf}
}

// MockServer provides a test websocket server that speaks the session
// protocol: an optional ready message, a script of frames, then a read loop
// that records and optionally answers client messages.
type MockServer struct {
	server *httptest.Server
	t      *testing.T

	mu       sync.Mutex
	ready    any         // sent first unless nil
	script   []mockFrame // sent after ready
	reject   int         // non-zero answers the upgrade with this status
	silent   bool        // accept but never write anything
	closeEnd bool        // close the socket normally after the script
	onText   func(ctx context.Context, conn *websocket.Conn, msg map[string]any)
	received []map[string]any
	binary   [][]byte
	query    url.Values
	header   http.Header
	conns    int
}

// NewMockServer creates a mock server that greets with session_started.
func NewMockServer(t *testing.T) *MockServer {
	ms := &MockServer{
		t:     t,
		ready: map[string]any{"type": TypeSessionStarted, "session_id": "sess_mock_123"},
	}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleWebSocket))
	t.Cleanup(ms.Close)
	return ms
}

// Close shuts down the mock server
func (ms *MockServer) Close() {
	ms.server.CloseClientConnections()
	ms.server.Close()
}

// URL returns the HTTP base URL to use as Config.BaseURL.
func (ms *MockServer) URL() string { return ms.server.URL }

// AddFrames appends frames written after the ready message.
func (ms *MockServer) AddFrames(frames ...mockFrame) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.script = append(ms.script, frames...)
}

// Received returns the JSON messages the server got so far.
func (ms *MockServer) Received() []map[string]any {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]map[string]any(nil), ms.received...)
}

// waitReceived polls until n messages arrived or the deadline passes.
func (ms *MockServer) waitReceived(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := ms.Received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := ms.Received()
	t.Fatalf("server received %d messages, want %d: %v", len(got), n, got)
	return nil
}

func (ms *MockServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	ms.conns++
	ms.query = r.URL.Query()
	ms.header = r.Header.Clone()
	reject, silent, ready, closeEnd := ms.reject, ms.silent, ms.ready, ms.closeEnd
	script := append([]mockFrame(nil), ms.script...)
	onText := ms.onText
	ms.mu.Unlock()

	// Check for credentials in header or query
	if r.Header.Get("X-Hume-Api-Key") == "" && r.Header.Get("Authorization") == "" {
		http.Error(w, `{"message":"missing authentication"}`, http.StatusUnauthorized)
		return
	}
	if reject != 0 {
		http.Error(w, `{"message":"rejected by mock"}`, reject)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // For testing only
	})
	if err != nil {
		ms.t.Errorf("failed to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	if silent {
		_, _, _ = conn.Read(ctx)
		return
	}

	if ready != nil {
		if err := writeFrame(ctx, conn, jsonFrame(ready)); err != nil {
			return
		}
	}
	for _, f := range script {
		if err := writeFrame(ctx, conn, f); err != nil {
			return
		}
	}
	if closeEnd {
		conn.Close(websocket.StatusNormalClosure, "done")
		return
	}

	// Keep connection alive and record any received messages
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return // Connection closed
		}
		if typ == websocket.MessageBinary {
			ms.mu.Lock()
			ms.binary = append(ms.binary, data)
			ms.mu.Unlock()
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		ms.mu.Lock()
		ms.received = append(ms.received, msg)
		ms.mu.Unlock()
		if onText != nil {
			onText(ctx, conn, msg)
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f mockFrame) error {
	if f.wait > 0 {
		select {
		case <-time.After(f.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return conn.Write(ctx, f.typ, f.data)
}

// newMockClient returns a Client pointed at ms with a static key and no
// HTTP retries.
func newMockClient(t *testing.T, ms *MockServer, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:          ms.URL(),
		Credential:       StaticKey("test-key"),
		HandshakeTimeout: 5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// recordingObserver collects telemetry for assertions.
type recordingObserver struct {
	mu          sync.Mutex
	attempts    []AttemptEvent
	transitions []TransitionEvent
}

func (o *recordingObserver) OnAttempt(e AttemptEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, e)
}

func (o *recordingObserver) OnSessionTransition(e TransitionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, e)
}

func (o *recordingObserver) Attempts() []AttemptEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AttemptEvent(nil), o.attempts...)
}

func (o *recordingObserver) States() []SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []SessionState
	for i, e := range o.transitions {
		if i == 0 {
			out = append(out, e.From)
		}
		out = append(out, e.To)
	}
	return out
}

// waitState polls s until it reaches want.
func waitState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session state = %s, want %s (reason %v)", s.State(), want, s.CloseReason())
}
