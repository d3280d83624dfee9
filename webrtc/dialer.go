// Package webrtc carries hume sessions over a WebRTC data channel instead of
// a websocket. The offer is sent to the session's SDP endpoint with the same
// credentials a websocket handshake would use; once the channel opens it
// behaves like any other hume.Conn.
//
//	client, err := hume.NewClient(hume.Config{
//		Credential: hume.StaticKey(key),
//		Dialer:     &webrtc.Dialer{},
//	})
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	pion "github.com/pion/webrtc/v3"

	"github.com/enesunal-m/hume"
)

const (
	// DefaultLabel is the data channel label used when Dialer.Label is empty.
	DefaultLabel = "hume-session"

	inboxSize     = 256
	highWaterMark = 1 << 20
	lowWaterMark  = 256 << 10
)

// Dialer opens hume.Conns over pion data channels.
type Dialer struct {
	// ICEServers are passed to the peer connection. Empty means host
	// candidates only.
	ICEServers []pion.ICEServer

	// HTTPClient performs the SDP exchange. Default: 20 second timeout.
	HTTPClient *http.Client

	// Label names the data channel. Default: DefaultLabel.
	Label string
}

var _ hume.Dialer = (*Dialer)(nil)

// Dial implements hume.Dialer. It returns once the data channel is open.
func (d *Dialer) Dial(ctx context.Context, sessionURL string, header http.Header) (hume.Conn, error) {
	endpoint, err := SignalURL(sessionURL)
	if err != nil {
		return nil, &hume.TransportError{Op: "dial", URL: sessionURL, Err: err}
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: d.ICEServers})
	if err != nil {
		return nil, &hume.TransportError{Op: "dial", URL: sessionURL, Err: err}
	}
	label := d.Label
	if label == "" {
		label = DefaultLabel
	}
	ordered := true
	dc, err := pc.CreateDataChannel(label, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, &hume.TransportError{Op: "dial", URL: sessionURL, Err: err}
	}
	conn := newDataConn(pc, dc)

	fail := func(op string, err error) (hume.Conn, error) {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, &hume.CancelledError{Err: ctx.Err()}
		}
		var te *hume.TransportError
		var ce *hume.CancelledError
		if errors.As(err, &te) || errors.As(err, &ce) {
			return nil, err
		}
		return nil, &hume.TransportError{Op: op, URL: sessionURL, Err: err}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail("gather candidates", ctx.Err())
	}

	answer, err := Exchange(ctx, d.HTTPClient, endpoint, header, pc.LocalDescription().SDP)
	if err != nil {
		return fail("sdp exchange", err)
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail("set remote description", err)
	}

	select {
	case <-conn.opened:
		return conn, nil
	case <-conn.closed:
		return fail("open data channel", errors.New("peer connection closed before the data channel opened"))
	case <-ctx.Done():
		return fail("open data channel", ctx.Err())
	}
}

// dataConn adapts a data channel to hume.Conn. String messages map to text
// frames and binary messages to binary frames.
type dataConn struct {
	pc *pion.PeerConnection
	dc *pion.DataChannel

	inbox  chan hume.Frame
	opened chan struct{}
	closed chan struct{}
	err    error // set before closed is closed when the link failed
	drain  chan struct{} // signalled when the send buffer falls below lowWaterMark

	openOnce  sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func newDataConn(pc *pion.PeerConnection, dc *pion.DataChannel) *dataConn {
	c := &dataConn{
		pc:     pc,
		dc:     dc,
		inbox:  make(chan hume.Frame, inboxSize),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
		drain:  make(chan struct{}, 1),
	}
	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drain <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() { c.openOnce.Do(func() { close(c.opened) }) })
	dc.OnClose(func() {
		if pc.ConnectionState() == pion.PeerConnectionStateFailed {
			c.markFailed()
			return
		}
		c.markClosed()
	})
	dc.OnMessage(func(m pion.DataChannelMessage) {
		kind := hume.FrameBinary
		if m.IsString {
			kind = hume.FrameText
		}
		// Blocking here stalls the SCTP reader, which is the backpressure we want.
		select {
		case c.inbox <- hume.Frame{Kind: kind, Data: m.Data}:
		case <-c.closed:
		}
	})
	pc.OnConnectionStateChange(c.onStateChange)
	return c
}

func (c *dataConn) onStateChange(s pion.PeerConnectionState) {
	switch s {
	case pion.PeerConnectionStateFailed:
		c.markFailed()
	case pion.PeerConnectionStateClosed:
		c.markClosed()
	}
}

func (c *dataConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// markFailed ends the conn with a transport error instead of io.EOF.
func (c *dataConn) markFailed() {
	c.closeOnce.Do(func() {
		c.err = &hume.TransportError{Op: "webrtc link", Err: errors.New("peer connection failed")}
		close(c.closed)
	})
}

// closedErr is the error reported once closed is closed.
func (c *dataConn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return io.EOF
}

// ReadFrame returns buffered messages before reporting io.EOF, or a
// transport error when the peer connection failed.
func (c *dataConn) ReadFrame(ctx context.Context) (hume.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.closed:
		select {
		case f := <-c.inbox:
			return f, nil
		default:
			return hume.Frame{}, c.closedErr()
		}
	case <-ctx.Done():
		return hume.Frame{}, ctx.Err()
	}
}

func (c *dataConn) WriteFrame(ctx context.Context, f hume.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for c.dc.BufferedAmount() > highWaterMark {
		select {
		case <-c.drain:
		case <-c.closed:
			return c.writeErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.closed:
		return c.writeErr()
	default:
	}

	if f.Kind == hume.FrameBinary {
		return c.dc.Send(f.Data)
	}
	return c.dc.SendText(string(f.Data))
}

func (c *dataConn) writeErr() error {
	if c.err != nil {
		return c.err
	}
	return io.ErrClosedPipe
}

func (c *dataConn) Close() error {
	c.markClosed()
	dcErr := c.dc.Close()
	pcErr := c.pc.Close()
	if pcErr != nil {
		return fmt.Errorf("webrtc: close peer connection: %w", pcErr)
	}
	return dcErr
}
