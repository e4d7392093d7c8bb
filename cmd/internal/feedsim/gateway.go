// Package feedsim simulates the push servers and REST collaborators the console talks
// to: the metering feed, the support-chat feed, and the monitoring/device/auth APIs.
// It backs integration tests and the `emconsole simulate` command.
package feedsim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"emconsole/cmd/internal/ids"
	v1 "emconsole/shared/contracts/feed/v1"
)

const (
	defaultSendQueueSize    = 256
	defaultWriteTimeout     = 5 * time.Second
	defaultReadIdle         = 2 * time.Minute
	defaultHeartbeatEvery   = 30 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	defaultRateEvents       = 50
	defaultRateWindow       = time.Second
	maxFrameBytes           = 64 << 10
	maxPingFailures         = 3
	closeGrace              = time.Second
)

// GatewayConfig tunes the websocket endpoints. Zero values take defaults.
type GatewayConfig struct {
	// OriginPatterns authorizes cross-origin handshakes (websocket.AcceptOptions).
	OriginPatterns     []string
	InsecureSkipVerify bool

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

func (c GatewayConfig) normalized() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// router implements one feed's server-side protocol.
type router interface {
	feedName() string
	open(p *peer)
	route(p *peer, action string, raw []byte) error
	reject(p *peer, err error)
	closed(p *peer)
}

// gateway upgrades HTTP requests and runs the per-session read, write and heartbeat loops.
type gateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	router  router
	metrics *Metrics
	now     func() time.Time
}

func newGateway(log *slog.Logger, cfg GatewayConfig, r router, m *Metrics, now func() time.Time) *gateway {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &gateway{log: log, cfg: cfg.normalized(), router: r, metrics: m, now: now}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	feed := g.router.feedName()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("sim.ws.accept.fail", "feed", feed, "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(g.now())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	p := newPeer(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.router.open(p)
	g.metrics.connected(feed, 1)
	g.log.Info("sim.ws.open", "feed", feed, "session_id", p.id, "remote", r.RemoteAddr)

	// lastSeen is the most recent inbound frame or answered ping. Metering clients
	// go quiet after subscribe, so pongs count as activity.
	var lastSeen atomic.Int64
	touch := func() { lastSeen.Store(time.Now().UnixNano()) }
	touch()

	closeCode := websocket.StatusNormalClosure
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closed():
				return
			case b := <-p.send:
				if err := g.write(ctx, conn, b); err != nil {
					g.log.Info("sim.ws.write.fail", "feed", feed, "session_id", p.id, "err", err)
					cancel()
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("sim.ws.idle", "feed", feed, "session_id", p.id, "idle_ms", idle.Milliseconds())
					cancel()
					return
				}
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err == nil {
					failures = 0
					touch()
					continue
				}
				failures++
				g.log.Info("sim.ws.ping.fail", "feed", feed, "session_id", p.id, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					cancel()
					return
				}
			}
		}
	}()

	rl := newRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.logReadErr(feed, p.id, err)
			break
		}
		touch()

		if !rl.allow(g.now()) {
			g.log.Info("sim.ws.rate_limited", "feed", feed, "session_id", p.id)
			closeCode = websocket.StatusPolicyViolation
			break
		}

		action, err := v1.DecodeAction(data)
		if err != nil {
			g.metrics.frame(feed, "invalid")
			g.router.reject(p, err)
			continue
		}
		g.metrics.frame(feed, action)
		if err := g.router.route(p, action, data); err != nil {
			g.log.Info("sim.ws.route.fail", "feed", feed, "session_id", p.id, "action", action, "err", err)
			g.router.reject(p, err)
		}
	}

	g.router.closed(p)
	p.close()
	cancel()
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.metrics.connected(feed, -1)
	_ = conn.Close(closeCode, "bye")
	g.log.Info("sim.ws.closed", "feed", feed, "session_id", p.id, "code", int(closeCode))
}

func (g *gateway) write(parent context.Context, conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func (g *gateway) logReadErr(feed, sessionID string, err error) {
	switch {
	case websocket.CloseStatus(err) != -1:
		g.log.Debug("sim.ws.peer.closed", "feed", feed, "session_id", sessionID, "code", int(websocket.CloseStatus(err)))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.log.Debug("sim.ws.read.ctx", "feed", feed, "session_id", sessionID, "err", err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		g.log.Debug("sim.ws.conn.closed", "feed", feed, "session_id", sessionID)
	default:
		g.log.Info("sim.ws.read.fail", "feed", feed, "session_id", sessionID, "err", err)
	}
}

// encode marshals a server envelope. Marshal failures only come from payload types
// the simulator controls, so they are logged and dropped.
func encode(log *slog.Logger, env v1.Envelope, data any) []byte {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Error("sim.encode.fail", "type", env.Type, "err", err)
			return nil
		}
		env.Data = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error("sim.encode.fail", "type", env.Type, "err", err)
		return nil
	}
	return b
}

func deliver(p *peer, b []byte) bool {
	if p == nil || b == nil {
		return false
	}
	return p.enqueue(b)
}
