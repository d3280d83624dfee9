package hume

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"
)

// pipeConn is an in-memory Conn driven by the test.
type pipeConn struct {
	in       chan Frame
	writeErr error

	mu      sync.Mutex
	written []Frame
	closed  chan struct{}
	once    sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan Frame, 16), closed: make(chan struct{})}
}

func (c *pipeConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *pipeConn) WriteFrame(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, f)
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func pipeClient(t *testing.T, conn *pipeConn, gotURL *string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    "https://api.example.com",
		Credential: StaticKey("k"),
		Dialer: DialerFunc(func(ctx context.Context, url string, header http.Header) (Conn, error) {
			if gotURL != nil {
				*gotURL = url
			}
			return conn, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCustomDialer(t *testing.T) {
	conn := newPipeConn()
	raw, _ := json.Marshal(map[string]string{"type": TypeSessionStarted, "session_id": "s1"})
	conn.in <- Frame{Kind: FrameText, Data: raw}

	var url string
	c := pipeClient(t, conn, &url)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat", Query: []QueryParam{{Key: "a", Value: "1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if url != "wss://api.example.com/v0/evi/chat?a=1&api_key=k" {
		t.Errorf("dial url = %q", url)
	}
	if s.ID() != "s1" {
		t.Errorf("ID = %q", s.ID())
	}
	closeSession(t, s)
}

func TestSession_WriteFailureFails(t *testing.T) {
	conn := newPipeConn()
	conn.writeErr = errors.New("broken pipe")
	c := pipeClient(t, conn, nil)
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/x", ReadyOnDial: true})
	if err != nil {
		t.Fatal(err)
	}
	// Send only queues; the failure surfaces through the session state.
	if err := s.SendJSON(context.Background(), TypeUserInput, nil); err != nil {
		t.Fatalf("Send = %v", err)
	}
	waitState(t, s, StateFailed)
	if !errors.Is(s.CloseReason(), ErrTransport) {
		t.Errorf("CloseReason = %v, want transport error", s.CloseReason())
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, ErrTransport) {
		t.Errorf("Receive = %v, want transport error", err)
	}
}

func TestSession_DialFailure(t *testing.T) {
	c, err := NewClient(Config{
		BaseURL:    "https://api.example.com",
		Credential: StaticKey("k"),
		Dialer: DialerFunc(func(ctx context.Context, url string, header http.Header) (Conn, error) {
			return nil, errors.New("connection refused")
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	s := c.NewSession(SessionOptions{Path: "/x"})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect = %v, want transport error", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s", s.State())
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after failed connect")
	}
}

func TestSession_ExpiredCredentialFailsBeforeDial(t *testing.T) {
	dialed := false
	expired := BearerToken("old", "", time.Hour)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	c, err := NewClient(Config{
		BaseURL:    "https://api.example.com",
		Credential: expired,
		Dialer: DialerFunc(func(ctx context.Context, url string, header http.Header) (Conn, error) {
			dialed = true
			return nil, errors.New("unreachable")
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Connect(context.Background(), SessionOptions{Path: "/x"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Connect = %v, want ErrUnauthenticated", err)
	}
	if dialed {
		t.Error("dialed with an expired credential")
	}
}

func TestNewDialer(t *testing.T) {
	if d, err := NewDialer("", nil); err != nil || d == nil {
		t.Errorf("default dialer = %v, %v", d, err)
	}
	if _, ok := mustDialer(t, TransportGorilla).(*GorillaDialer); !ok {
		t.Error("gorilla backend did not select GorillaDialer")
	}
	if _, ok := mustDialer(t, TransportNhooyr).(*NhooyrDialer); !ok {
		t.Error("nhooyr backend did not select NhooyrDialer")
	}
	if _, err := NewDialer("quic", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown backend = %v", err)
	}
}

func mustDialer(t *testing.T, backend TransportBackend) Dialer {
	t.Helper()
	d, err := NewDialer(backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCustomDialer_KeepsBasePath(t *testing.T) {
	var url string
	c, err := NewClient(Config{
		BaseURL:    "https://gw.example.com/hume/",
		Credential: StaticKey("k"),
		Dialer: DialerFunc(func(ctx context.Context, u string, header http.Header) (Conn, error) {
			url = u
			return newPipeConn(), nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.Connect(context.Background(), SessionOptions{Path: "/v0/evi/chat", ReadyOnDial: true})
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)
	if url != "wss://gw.example.com/hume/v0/evi/chat?api_key=k" {
		t.Errorf("dial url = %q", url)
	}
}
