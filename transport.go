package hume

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"nhooyr.io/websocket"
)

// FrameKind distinguishes text and binary frames.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one transport message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Conn is a message-oriented duplex connection. ReadFrame and WriteFrame may
// be called concurrently with each other but each from one goroutine at a
// time. ReadFrame returns io.EOF once the peer closes normally.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Pinger is implemented by Conns that support keepalive pings. Ping
// returns once the peer answered or ctx ended.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens Conns. Implementations exist for nhooyr.io/websocket,
// github.com/gorilla/websocket and (in the webrtc package) pion data channels.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 16 << 20

// NewDialer returns the websocket dialer selected by backend.
func NewDialer(backend TransportBackend, tlsConfig *tls.Config) (Dialer, error) {
	switch backend {
	case "", TransportNhooyr:
		return &NhooyrDialer{TLSConfig: tlsConfig}, nil
	case TransportGorilla:
		return &GorillaDialer{TLSConfig: tlsConfig}, nil
	default:
		return nil, NewConfigError("TransportBackend", string(backend), "must be nhooyr or gorilla")
	}
}

// NhooyrDialer dials websockets with nhooyr.io/websocket.
type NhooyrDialer struct {
	TLSConfig *tls.Config
}

// Dial implements Dialer.
func (d *NhooyrDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: header}
	if d.TLSConfig != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = d.TLSConfig
		opts.HTTPClient = &http.Client{Transport: tr}
	}
	ws, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, dialError(ctx, url, resp, err)
	}
	ws.SetReadLimit(maxFrameSize)
	return &nhooyrConn{ws: ws}, nil
}

type nhooyrConn struct {
	ws *websocket.Conn
}

func (c *nhooyrConn) ReadFrame(ctx context.Context) (Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	kind := FrameText
	if typ == websocket.MessageBinary {
		kind = FrameBinary
	}
	return Frame{Kind: kind, Data: data}, nil
}

func (c *nhooyrConn) WriteFrame(ctx context.Context, f Frame) error {
	typ := websocket.MessageText
	if f.Kind == FrameBinary {
		typ = websocket.MessageBinary
	}
	return c.ws.Write(ctx, typ, f.Data)
}

func (c *nhooyrConn) Ping(ctx context.Context) error { return c.ws.Ping(ctx) }

func (c *nhooyrConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}

// GorillaDialer dials websockets with github.com/gorilla/websocket.
type GorillaDialer struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := gorilla.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  d.TLSConfig,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, dialError(ctx, url, resp, err)
	}
	ws.SetReadLimit(maxFrameSize)
	return &gorillaConn{ws: ws}, nil
}

type gorillaConn struct {
	ws      *gorilla.Conn
	writeMu sync.Mutex
}

func (c *gorillaConn) ReadFrame(ctx context.Context) (Frame, error) {
	// gorilla reads are not context aware; a past deadline unblocks them.
	stop := context.AfterFunc(ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	kind := FrameText
	if typ == gorilla.BinaryMessage {
		kind = FrameBinary
	}
	return Frame{Kind: kind, Data: data}, nil
}

func (c *gorillaConn) WriteFrame(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	typ := gorilla.TextMessage
	if f.Kind == FrameBinary {
		typ = gorilla.BinaryMessage
	}
	return c.ws.WriteMessage(typ, f.Data)
}

// Ping writes a ping control frame. Pongs are consumed by the read loop,
// so only the write is awaited.
func (c *gorillaConn) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	return c.ws.WriteControl(gorilla.PingMessage, nil, deadline)
}

func (c *gorillaConn) Close() error {
	c.writeMu.Lock()
	msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "closing")
	_ = c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// dialError classifies a failed handshake. A rejected upgrade carries the
// HTTP status as an APIError; everything else is a TransportError.
func dialError(ctx context.Context, url string, resp *http.Response, err error) error {
	if ctxErr := cancelled(ctx); ctxErr != nil {
		return ctxErr
	}
	if resp != nil && resp.StatusCode >= 400 {
		var raw []byte
		if resp.Body != nil {
			raw, _ = io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
		}
		apiErr := newAPIError(resp.StatusCode, raw)
		return &TransportError{Op: "dial", URL: url, Err: apiErr}
	}
	return &TransportError{Op: "dial", URL: url, Err: err}
}

// errFrameTooShort is returned for binary frames shorter than the sequence header.
var errFrameTooShort = errors.New("binary frame shorter than sequence header")

func frameSummary(f Frame) string {
	return fmt.Sprintf("%s frame (%d bytes)", f.Kind, len(f.Data))
}
