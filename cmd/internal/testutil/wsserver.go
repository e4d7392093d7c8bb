package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// WSServer is a scripted websocket peer for client tests.
//
// Every accepted connection is recorded; inbound text frames are collected in order.
type WSServer struct {
	t      *testing.T
	server *httptest.Server

	// OnFrame, when set, runs for each inbound frame. Set it before the first dial.
	OnFrame func(c *WSConn, frame []byte)

	reject atomic.Bool

	mu      sync.Mutex
	conns   []*WSConn
	frames  [][]byte
	accepts int
}

// WSConn is one server-side connection.
type WSConn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
}

// NewWSServer starts the server and registers its shutdown with t.Cleanup.
func NewWSServer(t *testing.T) *WSServer {
	t.Helper()
	s := &WSServer{t: t}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// URL of the server.
func (s *WSServer) URL() string {
	return strings.Replace(s.server.URL, "http://", "ws://", 1)
}

// Reject makes the server refuse upgrades with 503 while on is true.
func (s *WSServer) Reject(on bool) { s.reject.Store(on) }

// Close shuts the server and every connection down.
func (s *WSServer) Close() {
	for _, c := range s.Conns() {
		c.Drop()
	}
	s.server.Close()
}

func (s *WSServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSConn{ws: ws, ctx: ctx, cancel: cancel, closed: make(chan struct{})}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.accepts++
	s.mu.Unlock()

	defer close(c.closed)
	defer cancel()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, data)
		s.mu.Unlock()
		if s.OnFrame != nil {
			s.OnFrame(c, data)
		}
	}
}

// Accepts returns the number of upgraded connections so far.
func (s *WSServer) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Conns returns the accepted connections in accept order.
func (s *WSServer) Conns() []*WSConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WSConn, len(s.conns))
	copy(out, s.conns)
	return out
}

// Last returns the most recent connection, waiting for one to exist.
func (s *WSServer) Last() *WSConn {
	s.t.Helper()
	Eventually(s.t, 2*time.Second, func() bool { return len(s.Conns()) > 0 }, "no connection accepted")
	conns := s.Conns()
	return conns[len(conns)-1]
}

// Frames returns the inbound frames received so far.
func (s *WSServer) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Actions returns the action names of the inbound frames received so far.
func (s *WSServer) Actions() []string {
	var out []string
	for _, f := range s.Frames() {
		var peek struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(f, &peek) == nil {
			out = append(out, peek.Action)
		}
	}
	return out
}

// WaitFrames waits until at least n frames were received.
func (s *WSServer) WaitFrames(n int) [][]byte {
	s.t.Helper()
	Eventually(s.t, 2*time.Second, func() bool { return len(s.Frames()) >= n }, "frames not received")
	return s.Frames()
}

// Push writes v as one JSON text frame.
func (c *WSConn) Push(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.PushRaw(b)
}

// PushRaw writes b as one text frame.
func (c *WSConn) PushRaw(b []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// CloseWith performs a close handshake with code.
func (c *WSConn) CloseWith(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

// Drop tears the TCP connection down without a close frame (observed as 1006).
func (c *WSConn) Drop() {
	_ = c.ws.CloseNow()
	c.cancel()
}

// Done is closed when the server side stopped reading.
func (c *WSConn) Done() <-chan struct{} { return c.closed }
