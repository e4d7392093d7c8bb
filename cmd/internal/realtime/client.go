package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"

	"github.com/coder/websocket"
)

// Config describes one feed client.
type Config struct {
	// Feed names the client in logs and metrics ("metering", "chat").
	Feed     string
	Endpoint string
	Policy   ReconnectPolicy

	Subprotocols []string
	Header       http.Header

	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
	ReadLimit     int64

	// OnOpen runs on the loop each time a connection reaches OPEN, before any
	// inbound envelope of that connection is dispatched. Feeds send their handshake here.
	OnOpen func(*Client)
}

// Client is a reconnecting websocket client with a subscriber registry.
//
// All event handling (open, inbound envelopes, close, reconnect timers) runs on the Loop.
// Connect, Disconnect and Send may be called from any goroutine.
type Client struct {
	log     *slog.Logger
	loop    *Loop
	clock   Clock
	metrics *Metrics
	cfg     Config

	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *Conn
	reconnect *ReconnectState
	timer     Timer
	timerSeq  uint64
	closed    bool
}

// NewClient constructs a disconnected client.
// A nil clock uses SystemClock; nil metrics record nothing.
func NewClient(log *slog.Logger, loop *Loop, clock Clock, m *Metrics, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		log:       log,
		loop:      loop,
		clock:     clock,
		metrics:   m,
		cfg:       cfg,
		registry:  NewRegistry(log, cfg.Feed, m),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: NewReconnectState(cfg.Policy),
	}
}

// Feed returns the feed name.
func (c *Client) Feed() string { return c.cfg.Feed }

// Registry returns the subscriber table.
func (c *Client) Registry() *Registry { return c.registry }

// AddListener registers fn under id.
func (c *Client) AddListener(id string, fn Handler) { c.registry.AddListener(id, fn) }

// RemoveListener drops id.
func (c *Client) RemoveListener(id string) { c.registry.RemoveListener(id) }

// Subscribe registers fn under id and returns its removal handle.
func (c *Client) Subscribe(id string, fn Handler) *Subscription {
	return c.registry.Subscribe(id, fn)
}

// Connect opens a connection unless one is already OPEN or CONNECTING.
// A pending reconnect timer is cancelled. After exhaustion the attempt counter starts over.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.conn != nil {
		switch c.conn.State() {
		case StateOpen, StateConnecting:
			return
		}
	}

	c.stopTimerLocked()
	if c.reconnect.Exhausted() {
		c.reconnect.Reset()
	}
	c.openLocked()
}

// Disconnect closes the connection with 1000, cancels any pending reconnect and
// clears the subscriber registry. No reconnect follows a manual disconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.reconnect.Reset()
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.registry.Clear()
	c.log.Info("feed.disconnect", "feed", c.cfg.Feed)
}

// Close disconnects and stops every goroutine of the client. The client cannot be reused.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// Send serializes a and enqueues it on the open connection.
// It reports false, and drops the action, when the connection is not OPEN.
func (c *Client) Send(a v1.Action) bool {
	b, err := json.Marshal(a)
	if err != nil {
		c.log.Error("feed.send.encode_fail", "feed", c.cfg.Feed, "action", a.ActionName(), "err", err)
		return false
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()

	if closed {
		c.dropSend(a, ErrClientClosed)
		return false
	}
	if conn == nil {
		c.dropSend(a, ErrSendWhileClosed)
		return false
	}
	if err := conn.Send(b); err != nil {
		c.dropSend(a, err)
		return false
	}
	return true
}

func (c *Client) dropSend(a v1.Action, err error) {
	reason := "closed"
	switch {
	case errors.Is(err, ErrSendQueueFull):
		reason = "queue_full"
	case errors.Is(err, ErrClientClosed):
		reason = "client_closed"
	}
	c.metrics.sendDropped(c.cfg.Feed, reason)
	c.log.Warn("feed.send.dropped", "feed", c.cfg.Feed, "action", a.ActionName(), "err", err)
}

// State returns the state of the current connection.
func (c *Client) State() ConnState {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// IsConnected reports whether the current connection is OPEN.
func (c *Client) IsConnected() bool { return c.State() == StateOpen }

// Attempts returns the consecutive reconnect attempts since the last reset.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect.Attempts()
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Client) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Client) openLocked() {
	c.conn = openConn(c.ctx, c.log, c.loop, c.metrics, connOptions{
		feed:         c.cfg.Feed,
		endpoint:     c.cfg.Endpoint,
		subprotocols: c.cfg.Subprotocols,
		header:       c.cfg.Header,
		dialTimeout:  c.cfg.DialTimeout,
		writeTimeout: c.cfg.WriteTimeout,
		sendQueue:    c.cfg.SendQueueSize,
		readLimit:    c.cfg.ReadLimit,
	}, connEvents{
		onOpen:    c.handleOpen,
		onMessage: c.handleMessage,
		onError:   c.handleError,
		onClosed:  c.handleClosed,
	})
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// current reports whether conn is still the client's live connection.
// Events of superseded connections are ignored.
func (c *Client) current(conn *Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn == c.conn
}

func (c *Client) handleOpen(conn *Conn) {
	c.mu.Lock()
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.reconnect.Reset()
	c.mu.Unlock()

	c.metrics.opened(c.cfg.Feed)
	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen(c)
	}
}

func (c *Client) handleMessage(conn *Conn, env v1.Envelope) {
	if !c.current(conn) {
		return
	}
	c.registry.Dispatch(env.Type, env)
}

func (c *Client) handleError(conn *Conn, err error) {
	if !c.current(conn) {
		return
	}
	c.registry.Dispatch(v1.TypeError, v1.Envelope{
		Type:    v1.TypeError,
		Code:    v1.ErrorCodeTransport,
		Message: err.Error(),
	})
}

func (c *Client) handleClosed(conn *Conn, code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	d := c.reconnect.OnClosed(code)
	if d.Retry && !c.closed {
		c.stopTimerLocked()
		seq := c.timerSeq
		c.timer = c.clock.AfterFunc(d.Delay, func() {
			c.loop.Post(func() { c.fireReconnect(seq) })
		})
	}
	c.mu.Unlock()

	c.log.Info("feed.reconnect.decision",
		"feed", c.cfg.Feed,
		"close_status", int(code),
		"retry", d.Retry,
		"attempt", d.Attempt,
		"exhausted", d.Exhausted,
	)
	if d.Retry {
		c.metrics.reconnectScheduled(c.cfg.Feed)
	}

	c.registry.Dispatch(v1.TypeClosed, v1.Envelope{
		Type:   v1.TypeClosed,
		Status: int(code),
		Reason: reason,
	})

	if d.Exhausted {
		c.metrics.reconnectExhausted(c.cfg.Feed)
		c.log.Warn("feed.reconnect.exhausted", "feed", c.cfg.Feed, "attempts", d.Attempt, "err", ErrRetryExhausted)
		c.registry.Dispatch(v1.TypeError, v1.Envelope{
			Type:    v1.TypeError,
			Code:    v1.ErrorCodeReconnectExhausted,
			Message: "Max reconnection attempts reached",
		})
	}
}

func (c *Client) fireReconnect(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.timerSeq || c.closed {
		return
	}
	c.timer = nil
	if c.conn != nil {
		return
	}
	c.log.Info("feed.reconnect", "feed", c.cfg.Feed, "attempt", c.reconnect.Attempts())
	c.openLocked()
}
