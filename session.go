package hume

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is a position in the session lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool { return s == StateClosed || s == StateFailed }

// allowed lists the legal successors of each state.
var allowed = map[SessionState][]SessionState{
	StateConnecting: {StateOpen, StateClosed, StateFailed},
	StateOpen:       {StateClosing, StateFailed},
	StateClosing:    {StateClosed, StateFailed},
}

// writeTimeout bounds a single frame write.
const writeTimeout = 15 * time.Second

// defaultPingInterval is the keepalive period of open sessions.
const defaultPingInterval = 20 * time.Second

// SessionOptions describes the socket endpoint a Session talks to.
type SessionOptions struct {
	// Path is the socket path, e.g. "/v0/evi/chat".
	Path string

	// Query is appended to the socket URL after the credential parameter.
	Query []QueryParam

	// Header is added to the handshake request on top of Config.HandshakeHeaders.
	Header http.Header

	// ReadyTypes lists the control message types that complete the handshake.
	// Default: session_started, chat_metadata
	ReadyTypes []string

	// ReadyOnDial opens the session as soon as the transport is connected,
	// for endpoints that send no ready message.
	ReadyOnDial bool

	// EnforceAudioOrder fails the session when inbound audio for a stream
	// does not arrive with consecutive sequence indices starting at 0.
	EnforceAudioOrder bool

	// OutboundQueueSize and InboundQueueSize override the Config bounds.
	OutboundQueueSize int
	InboundQueueSize  int

	// HandshakeTimeout overrides Config.HandshakeTimeout.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period for transports that support
	// pings. Default: 20 seconds; negative disables keepalives.
	PingInterval time.Duration

	// PingTimeout bounds the wait for a pong. Default: 15 seconds.
	PingTimeout time.Duration
}

// Session is one duplex protocol session over a persistent connection.
//
// A Session is created in the Connecting state and opened with Connect. The
// context passed to Connect governs the whole session: cancelling it before
// the handshake completes moves the session to Closed, and cancelling it
// while open closes the session. Send and Receive are safe for concurrent
// use. A Session is never reconnected; create a new one instead.
type Session struct {
	opts     SessionOptions
	cfg      Config
	auth     *Authenticator
	dialer   Dialer
	observer Observer
	log      logSink

	mu     sync.Mutex
	id     string
	state  SessionState
	reason error

	connectCalled  bool
	cancelConnect  context.CancelCauseFunc
	closeRequested bool
	conn           Conn
	closeConn      func()

	// life is cancelled on teardown; it is independent of the Connect context.
	life       context.Context
	lifeCancel context.CancelFunc

	outbound chan Frame
	inbound  chan ProtocolMessage

	sendMu     sync.RWMutex
	stopping   chan struct{} // closed when sends start being rejected
	stopOnce   sync.Once
	drain      chan struct{} // closed to tell the dispatcher to flush and exit
	drainOnce  sync.Once
	terminated chan struct{} // closed on Closed or Failed

	readerDone     chan struct{}
	dispatcherDone chan struct{}

	// readerParked is set while the reader waits for room in the inbound
	// queue; parks counts how often that happened.
	readerParked atomic.Bool
	parks        atomic.Uint64

	nextSeq map[string]uint32
}

func newSession(cfg Config, auth *Authenticator, dialer Dialer, opts SessionOptions) *Session {
	if opts.ReadyTypes == nil && !opts.ReadyOnDial {
		opts.ReadyTypes = []string{TypeSessionStarted, TypeChatMetadata}
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = cfg.OutboundQueueSize
	}
	if opts.InboundQueueSize <= 0 {
		opts.InboundQueueSize = cfg.InboundQueueSize
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = writeTimeout
	}
	life, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		opts:           opts,
		cfg:            cfg,
		auth:           auth,
		dialer:         dialer,
		observer:       observerOrNop(cfg.Observer),
		id:             id,
		state:          StateConnecting,
		life:           life,
		lifeCancel:     cancel,
		outbound:       make(chan Frame, opts.OutboundQueueSize),
		inbound:        make(chan ProtocolMessage, opts.InboundQueueSize),
		stopping:       make(chan struct{}),
		drain:          make(chan struct{}),
		terminated:     make(chan struct{}),
		readerDone:     make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		nextSeq:        map[string]uint32{},
	}
	s.log = newLogSink(&cfg).with(map[string]any{"component": "session", "path": opts.Path})
	s.closeConn = func() {}
	return s
}

// ID returns the session id. Before the handshake it is a locally generated
// uuid; afterwards it is the server's session_id or chat_id when provided.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns the error that ended the session: nil while the
// session is live or after an ordinary close.
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.terminated }

// moveTo performs a legal transition and reports whether it happened. The
// first non-nil reason sticks.
func (s *Session) moveTo(to SessionState, reason error) bool {
	s.mu.Lock()
	from := s.state
	if !slices.Contains(allowed[from], to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if reason != nil && s.reason == nil {
		s.reason = reason
	}
	if to.Terminal() {
		close(s.terminated)
	}
	id := s.id
	s.mu.Unlock()

	s.observer.OnSessionTransition(TransitionEvent{SessionID: id, From: from, To: to, Reason: reason, At: time.Now()})
	fields := map[string]any{"session_id": id, "from": from.String(), "to": to.String()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	if to == StateFailed {
		s.log.error("session_transition", fields)
	} else {
		s.log.info("session_transition", fields)
	}
	return true
}

// Connect dials the endpoint and waits for the ready message. ctx governs
// the lifetime of the session, not only the dial.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connectCalled {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.connectCalled = true
	s.mu.Unlock()
	return s.connect(ctx)
}

// errClosedWhileConnecting cancels a handshake interrupted by Close.
var errClosedWhileConnecting = errors.New("closed while connecting")

func (s *Session) connect(ctx context.Context) error {
	cred, err := s.auth.RefreshIfNeeded(ctx)
	if err != nil {
		return s.abortConnect(ctx, err)
	}

	u, err := s.cfg.socketURL(s.opts.Path)
	if err != nil {
		return s.abortConnect(ctx, err)
	}
	q := u.Query()
	cred.applyQuery(q)
	for _, p := range s.opts.Query {
		q.Add(p.Key, p.Value)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	for _, h := range []http.Header{s.cfg.HandshakeHeaders, s.opts.Header} {
		for k, vals := range h {
			for _, v := range vals {
				header.Add(k, v)
			}
		}
	}
	cred.apply(header)
	header.Set("User-Agent", s.cfg.UserAgent)

	tctx, tcancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer tcancel()
	hctx, hcancel := context.WithCancelCause(tctx)
	defer hcancel(nil)
	s.mu.Lock()
	s.cancelConnect = hcancel
	if s.closeRequested {
		hcancel(errClosedWhileConnecting)
	}
	s.mu.Unlock()

	conn, err := s.dialer.Dial(hctx, u.String(), header)
	if err != nil {
		return s.abortConnect(ctx, s.handshakeErr(ctx, hctx, err))
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	var closeOnce sync.Once
	s.closeConn = func() { closeOnce.Do(func() { _ = conn.Close() }) }
	s.log.debug("session_dialed", map[string]any{"url": redactURL(u.String())})

	if !s.opts.ReadyOnDial {
		if err := s.awaitReady(hctx, conn); err != nil {
			s.closeConn()
			return s.abortConnect(ctx, s.handshakeErr(ctx, hctx, err))
		}
	}
	if hctx.Err() != nil {
		s.closeConn()
		return s.abortConnect(ctx, s.handshakeErr(ctx, hctx, hctx.Err()))
	}

	s.moveTo(StateOpen, nil)
	go s.readLoop(conn)
	go s.dispatchLoop(conn)
	go s.watch(ctx)
	if p, ok := conn.(Pinger); ok && s.opts.PingInterval > 0 {
		go s.pingLoop(p)
	}

	s.mu.Lock()
	closeRequested := s.closeRequested
	s.mu.Unlock()
	if closeRequested {
		go s.beginClose(nil, true)
	}
	return nil
}

// awaitReady reads until a ready message arrives. Messages before it are
// queued for Receive.
func (s *Session) awaitReady(ctx context.Context, conn Conn) error {
	var lastServerErr error
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) && lastServerErr != nil {
				return &TransportError{Op: "handshake", Err: lastServerErr}
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		msg, err := decodeFrame(f)
		if err != nil {
			return err
		}
		if msg.Kind == KindErrorNotice {
			var se *ServerError
			if errors.As(msg.Err, &se) {
				lastServerErr = se
			}
		}
		select {
		case s.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		if msg.Kind == KindControl && slices.Contains(s.opts.ReadyTypes, msg.Type) {
			s.adoptID(msg)
			return nil
		}
	}
}

func (s *Session) adoptID(msg ProtocolMessage) {
	var ids struct {
		SessionID string `json:"session_id"`
		ChatID    string `json:"chat_id"`
	}
	if msg.Decode(&ids) != nil {
		return
	}
	id := ids.SessionID
	if id == "" {
		id = ids.ChatID
	}
	if id == "" {
		return
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	s.log = s.log.with(map[string]any{"session_id": id})
}

// handshakeErr classifies a dial or handshake failure.
func (s *Session) handshakeErr(ctx, hctx context.Context, err error) error {
	var protoErr *ProtocolError
	switch {
	case ctx.Err() != nil:
		return &CancelledError{Err: ctx.Err()}
	case errors.Is(context.Cause(hctx), errClosedWhileConnecting):
		return &CancelledError{Err: context.Canceled}
	case hctx.Err() != nil:
		return ErrHandshakeTimeout
	case errors.As(err, &protoErr), errors.Is(err, ErrTransport), errors.Is(err, ErrUnauthenticated):
		return err
	default:
		return &TransportError{Op: "handshake", URL: s.opts.Path, Err: err}
	}
}

// abortConnect ends a session that never opened. Cancellation closes it;
// anything else fails it. Queued pre-handshake messages are discarded.
func (s *Session) abortConnect(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		if !errors.Is(err, ErrCancelled) {
			err = &CancelledError{Err: ctx.Err()}
		}
		s.moveTo(StateClosed, err)
	} else {
		s.moveTo(StateFailed, err)
	}
	s.stopOnce.Do(func() { close(s.stopping) })
	s.lifeCancel()
	for len(s.inbound) > 0 {
		<-s.inbound
	}
	close(s.inbound)
	close(s.readerDone)
	close(s.dispatcherDone)
	return err
}

// watch closes the session when the Connect context ends.
func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.beginClose(&CancelledError{Err: ctx.Err()}, false)
	case <-s.terminated:
	}
}

// fail moves the session to Failed and tears the transport down.
func (s *Session) fail(err error) {
	if !s.moveTo(StateFailed, err) {
		return
	}
	s.stopOnce.Do(func() { close(s.stopping) })
	s.lifeCancel()
	s.closeConn()
}

// beginClose moves Open to Closing. With flush set, queued outbound
// messages are written before the transport is closed.
func (s *Session) beginClose(reason error, flush bool) bool {
	if !s.moveTo(StateClosing, reason) {
		return false
	}
	s.stopOnce.Do(func() { close(s.stopping) })
	// Wait out sends that passed the state check before Closing.
	s.sendMu.Lock()
	s.sendMu.Unlock()
	if flush {
		s.drainOnce.Do(func() { close(s.drain) })
		select {
		case <-s.dispatcherDone:
		case <-time.After(writeTimeout):
		}
	}
	s.lifeCancel()
	s.closeConn()
	return true
}

// Close flushes queued messages, closes the transport and waits for the
// reader to finish. Closing a session that is still connecting abandons the
// handshake; the session ends Closed with a CancelledError reason.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	connecting := s.state == StateConnecting
	started := s.connectCalled
	if connecting {
		s.closeRequested = true
		s.connectCalled = true
	}
	cancel := s.cancelConnect
	s.mu.Unlock()

	switch {
	case connecting && !started:
		_ = s.abortConnect(context.Background(), &CancelledError{Err: context.Canceled})
	case connecting && cancel != nil:
		cancel(errClosedWhileConnecting)
	case !connecting:
		s.beginClose(nil, true)
	}

	select {
	case <-s.terminated:
		return nil
	case <-ctx.Done():
		return &CancelledError{Err: ctx.Err()}
	}
}

// Send enqueues msg for writing. Messages are written in the order their
// Send calls returned. Send blocks while the outbound queue is full.
// A nil error means the message was queued; later write failures move the
// session to Failed and are reported by CloseReason.
func (s *Session) Send(ctx context.Context, msg ProtocolMessage) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if st := s.State(); st != StateOpen {
		return &SessionNotOpenError{State: st}
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.stopping:
		return &SessionNotOpenError{State: s.State()}
	case <-ctx.Done():
		return &CancelledError{Err: ctx.Err()}
	}
}

// SendJSON is a shorthand for Send(ctx, Control(typ, payload)).
func (s *Session) SendJSON(ctx context.Context, typ string, payload any) error {
	msg, err := Control(typ, payload)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}

// Receive returns the next inbound message. Once the session has ended and
// every queued message was returned, it returns io.EOF after a close or the
// failure cause after Failed.
func (s *Session) Receive(ctx context.Context) (ProtocolMessage, error) {
	select {
	case msg, ok := <-s.inbound:
		if ok {
			return msg, nil
		}
		return ProtocolMessage{}, s.endErr()
	case <-ctx.Done():
		return ProtocolMessage{}, &CancelledError{Err: ctx.Err()}
	}
}

func (s *Session) endErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed && s.reason != nil {
		return s.reason
	}
	return io.EOF
}

// Messages yields inbound messages until the session ends. A failure is
// yielded once as the final element; a normal close just stops.
func (s *Session) Messages(ctx context.Context) iter.Seq2[ProtocolMessage, error] {
	return func(yield func(ProtocolMessage, error) bool) {
		for {
			msg, err := s.Receive(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(conn Conn) {
	defer close(s.readerDone)
	defer close(s.inbound)

	for {
		f, err := conn.ReadFrame(s.life)
		if err != nil {
			s.onReadError(err)
			return
		}
		msg, err := decodeFrame(f)
		if err != nil {
			s.log.warn("bad_frame", map[string]any{"frame": frameSummary(f), "err": err})
			s.fail(err)
			return
		}
		if msg.Kind == KindAudio && s.opts.EnforceAudioOrder {
			if err := s.checkOrder(msg); err != nil {
				s.fail(err)
				return
			}
		}
		if msg.Kind == KindErrorNotice {
			s.log.warn("error_notice", map[string]any{"type": msg.Type, "err": msg.Err})
		}

		if !s.push(msg) {
			s.onReadError(s.life.Err())
			return
		}

		if msg.Kind == KindSessionEnd {
			s.beginClose(nil, true)
		}
	}
}

// push hands msg to Receive, waiting while the inbound queue is full. It
// reports false once the session is torn down.
func (s *Session) push(msg ProtocolMessage) bool {
	select {
	case s.inbound <- msg:
		return true
	default:
	}
	s.parks.Add(1)
	s.readerParked.Store(true)
	defer s.readerParked.Store(false)
	select {
	case s.inbound <- msg:
		return true
	case <-s.life.Done():
		return false
	}
}

func (s *Session) onReadError(err error) {
	switch st := s.State(); {
	case st == StateClosing:
		s.moveTo(StateClosed, nil)
	case st.Terminal():
	case errors.Is(err, io.EOF):
		// Peer closed normally without an end notice.
		s.beginClose(nil, false)
		s.moveTo(StateClosed, nil)
	default:
		s.fail(&TransportError{Op: "read", URL: s.opts.Path, Err: err})
	}
}

func (s *Session) checkOrder(msg ProtocolMessage) error {
	want := s.nextSeq[msg.StreamID]
	if msg.Seq != want {
		return NewProtocolError("audio out of order", &SequenceError{StreamID: msg.StreamID, Want: want, Got: msg.Seq})
	}
	s.nextSeq[msg.StreamID] = want + 1
	return nil
}

func (s *Session) dispatchLoop(conn Conn) {
	defer close(s.dispatcherDone)
	for {
		select {
		case f := <-s.outbound:
			if !s.write(conn, f) {
				return
			}
		case <-s.drain:
			for {
				select {
				case f := <-s.outbound:
					if !s.write(conn, f) {
						return
					}
				default:
					return
				}
			}
		case <-s.life.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive. A pong is only read while the reader
// runs, so pings are skipped while it is parked on a full inbound queue, and
// a ping that overlapped such a pause is not held against the peer. Any
// other unanswered ping fails the session.
func (s *Session) pingLoop(p Pinger) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.life.Done():
			return
		case <-t.C:
			if s.readerParked.Load() {
				continue
			}
			parks := s.parks.Load()
			ctx, cancel := context.WithTimeout(s.life, s.opts.PingTimeout)
			err := p.Ping(ctx)
			cancel()
			if err == nil || s.life.Err() != nil {
				continue
			}
			if s.readerParked.Load() || s.parks.Load() != parks {
				s.log.debug("ping_unanswered", map[string]any{"err": err})
				continue
			}
			s.fail(&TransportError{Op: "ping", URL: s.opts.Path, Err: err})
			return
		}
	}
}

func (s *Session) write(conn Conn, f Frame) bool {
	ctx, cancel := context.WithTimeout(s.life, writeTimeout)
	defer cancel()
	err := conn.WriteFrame(ctx, f)
	if err == nil {
		return true
	}
	if s.life.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrSendTimeout
	}
	s.fail(&TransportError{Op: "write", URL: s.opts.Path, Err: err})
	return false
}
