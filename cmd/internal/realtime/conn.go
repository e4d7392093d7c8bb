package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"

	"github.com/coder/websocket"
)

// ConnState is the lifecycle state of one Conn.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// connEvents are the notifications a Conn posts to the loop.
// Every callback runs on the loop, never on a socket goroutine.
type connEvents struct {
	onOpen    func(*Conn)
	onMessage func(*Conn, v1.Envelope)
	onError   func(*Conn, error)
	onClosed  func(*Conn, websocket.StatusCode, string)
}

type connOptions struct {
	feed         string
	endpoint     string
	subprotocols []string
	header       http.Header
	dialTimeout  time.Duration
	writeTimeout time.Duration
	sendQueue    int
	readLimit    int64
}

// Conn is one websocket connection attempt and, if the dial succeeds, its session.
//
// A Conn is never reused: a reconnect opens a new one. The socket goroutines only post
// events to the loop, and exactly one onClosed is posted per Conn.
type Conn struct {
	log     *slog.Logger
	loop    *Loop
	metrics *Metrics
	opts    connOptions
	events  connEvents

	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	state       ConnState
	ws          *websocket.Conn
	closeCode   websocket.StatusCode
	closeReason string
	lastCode    websocket.StatusCode

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openConn(parent context.Context, log *slog.Logger, loop *Loop, m *Metrics, opts connOptions, events connEvents) *Conn {
	if opts.sendQueue < minSendQueueSize {
		opts.sendQueue = minSendQueueSize
	}
	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.readLimit <= 0 {
		opts.readLimit = defaultReadLimit
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		log:     log.With("feed", opts.feed),
		loop:    loop,
		metrics: m,
		opts:    opts,
		events:  events,
		send:    make(chan []byte, opts.sendQueue),
		done:    make(chan struct{}),
		state:   StateConnecting,
		cancel:  cancel,
	}
	m.connectAttempt(opts.feed)
	go c.run(ctx)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastCloseCode returns the code the connection closed with, or 0 while it is live.
func (c *Conn) LastCloseCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode
}

// Send enqueues one text frame. Frames are written in enqueue order.
func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateOpen {
		return ErrSendWhileClosed
	}

	select {
	case <-c.done:
		return ErrSendWhileClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close starts a client-initiated close with code and reason (idempotent).
// A Conn still dialing is abandoned once the dial returns.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.closeCode = code
	c.closeReason = reason
	ws := c.ws
	c.mu.Unlock()

	c.signalDone()
	if ws == nil {
		c.cancel()
		return
	}
	// The close handshake waits for the peer; never block the caller on it.
	go func() {
		_ = ws.Close(code, reason)
		c.cancel()
	}()
}

func (c *Conn) signalDone() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) run(ctx context.Context) {
	defer c.cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.opts.dialTimeout)
	ws, resp, err := websocket.Dial(dialCtx, c.opts.endpoint, &websocket.DialOptions{
		Subprotocols: c.opts.subprotocols,
		HTTPHeader:   c.opts.header,
	})
	dialCancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		code, reason := c.requestedClose()
		if code == 0 {
			c.log.Info("feed.dial.fail", "endpoint", c.opts.endpoint, "err", err)
			c.post(func() { c.events.onError(c, &TransportError{Feed: c.opts.feed, Op: "dial", Err: err}) })
			code, reason = websocket.StatusAbnormalClosure, "dial failed"
		}
		c.finish(code, reason)
		return
	}

	c.mu.Lock()
	if c.state == StateClosing {
		code, reason := c.closeCode, c.closeReason
		c.mu.Unlock()
		_ = ws.Close(code, reason)
		c.finish(code, reason)
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()

	ws.SetReadLimit(c.opts.readLimit)
	c.log.Info("feed.open", "endpoint", c.opts.endpoint, "subprotocol", ws.Subprotocol())
	c.post(func() { c.events.onOpen(c) })

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, ws)
	}()

	code, reason := c.readLoop(ctx, ws)
	c.signalDone()
	c.cancel()
	<-writerDone
	c.finish(code, reason)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) (websocket.StatusCode, string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return c.closeStatus(err)
		}
		if typ != websocket.MessageText {
			c.metrics.envelopeDropped(c.opts.feed, "binary")
			continue
		}

		env, err := v1.DecodeEnvelope(data)
		if err != nil {
			perr := &ProtocolError{Feed: c.opts.feed, Reason: "bad envelope", Err: err}
			c.log.Debug("feed.envelope.dropped", "err", perr, "bytes", len(data))
			c.metrics.envelopeDropped(c.opts.feed, "decode")
			continue
		}
		c.metrics.envelopeReceived(c.opts.feed, env.Type)
		c.post(func() { c.events.onMessage(c, env) })
	}
}

func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.opts.writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Info("feed.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				c.post(func() { c.events.onError(c, &TransportError{Feed: c.opts.feed, Op: "write", Err: err}) })
				_ = ws.CloseNow()
				return
			}
		}
	}
}

// closeStatus maps a read error to the close code reported to the policy.
func (c *Conn) closeStatus(err error) (websocket.StatusCode, string) {
	if code, reason := c.requestedClose(); code != 0 {
		return code, reason
	}

	switch classifyReadErr(err) {
	case readErrClose:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Reason
		}
		return websocket.CloseStatus(err), ""
	case readErrCtxDone:
		return websocket.StatusGoingAway, "context done"
	case readErrConnClosed:
		return websocket.StatusAbnormalClosure, "connection lost"
	default:
		c.log.Info("feed.read.fail", "err", err)
		c.post(func() { c.events.onError(c, &TransportError{Feed: c.opts.feed, Op: "read", Err: err}) })
		return websocket.StatusAbnormalClosure, "read failed"
	}
}

func (c *Conn) requestedClose() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosing {
		return 0, ""
	}
	return c.closeCode, c.closeReason
}

func (c *Conn) finish(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.ws = nil
	c.lastCode = code
	c.mu.Unlock()
	c.signalDone()

	c.metrics.closed(c.opts.feed, code)
	c.log.Info("feed.closed", "close_status", int(code), "reason", reason)
	c.post(func() { c.events.onClosed(c, code, reason) })
}

func (c *Conn) post(fn func()) {
	if !c.loop.Post(fn) {
		c.log.Debug("feed.event.dropped", "reason", "loop stopped")
	}
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrConnClosed
	}
	// coder/websocket wraps a torn-down socket without a sentinel.
	if strings.Contains(err.Error(), "use of closed network connection") {
		return readErrConnClosed
	}
	return readErrUnknown
}
