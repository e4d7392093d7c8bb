// Package main is a CI-friendly smoke test for the metering and chat feed servers
// (real deployments or `emconsole simulate`).
//
// It validates:
//   - metering handshake + subscribe acknowledgement
//   - chat register for a client and an admin
//   - client message echo
//   - admin sees the client's session after a handed-off message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		meteringURL = flag.String("metering", "ws://127.0.0.1:8084/ws/monitoring", "metering WebSocket URL")
		chatURL     = flag.String("chat", "ws://127.0.0.1:8085/ws/chat", "chat WebSocket URL")
		origin      = flag.String("origin", "http://localhost", "Origin header to send")
		deviceID    = flag.String("device", uuid.NewString(), "device id to subscribe to")
		adminID     = flag.String("admin-id", uuid.NewString(), "admin user id")
		text        = flag.String("text", "my meter shows nonsense", "client message (should not match a bot rule)")
		timeout     = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose     = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	for name, raw := range map[string]string{"-metering": *meteringURL, "-chat": *chatURL} {
		if err := validateWSURL(raw); err != nil {
			fatalf("invalid %s: %v", name, err)
		}
	}

	root := context.Background()

	m := mustConnect(root, "metering", *meteringURL, *origin, *timeout)
	defer closeWS(m.conn)
	mustWrite(root, m.conn, v1.Subscribe(*deviceID), *timeout)
	sub := m.mustReadUntilType(root, v1.TypeSubscribed, *timeout)
	if sub.DeviceID != *deviceID {
		fatalf("metering: subscribed deviceId=%q want %q", sub.DeviceID, *deviceID)
	}
	if *verbose {
		fmt.Printf("metering: subscribed to %s\n", *deviceID)
	}

	admin := mustConnect(root, "admin", *chatURL, *origin, *timeout)
	defer closeWS(admin.conn)
	mustWrite(root, admin.conn, v1.Register(*adminID, "smoke-admin", v1.RoleAdmin), *timeout)
	admin.mustReadUntilType(root, v1.TypeRegistered, *timeout)

	clientID := uuid.NewString()
	client := mustConnect(root, "client", *chatURL, *origin, *timeout)
	defer closeWS(client.conn)
	mustWrite(root, client.conn, v1.Register(clientID, "smoke-client", v1.RoleClient), *timeout)
	client.mustReadUntilType(root, v1.TypeRegistered, *timeout)

	mustWrite(root, client.conn, v1.MessageAction{
		Action:   v1.ActionMessage,
		UserID:   clientID,
		Username: "smoke-client",
		Role:     v1.RoleClient,
		Message:  *text,
	}, *timeout)

	echo := client.mustReadUntilType(root, v1.TypeChatMessage, *timeout)
	var msg v1.Message
	if err := echo.DecodeData(&msg); err != nil || msg.Text != *text || msg.UserID != clientID {
		fatalf("client: bad echo %+v (err=%v)", msg, err)
	}

	deadline := time.Now().Add(*timeout)
	for {
		env := admin.mustReadUntilType(root, v1.TypeSessionsList, time.Until(deadline))
		var sessions []v1.Session
		if err := env.DecodeData(&sessions); err != nil {
			fatalf("admin: decode sessions: %v", err)
		}
		if hasSession(sessions, clientID) {
			break
		}
	}

	fmt.Println("OK: feed smoke passed")
}

func hasSession(list []v1.Session, userID string) bool {
	for _, s := range list {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("%s: dial %s: %v", name, wsURL, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *smokeClient) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.errCh <- err
			return
		}
		env, err := v1.DecodeEnvelope(data)
		if err != nil {
			c.errCh <- fmt.Errorf("decode %q: %w", data, err)
			return
		}
		c.inbox <- env
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case env := <-c.inbox:
			if env.Type == v1.TypeError {
				fatalf("%s: server error while waiting for %s: %s", c.name, want, env.Message)
			}
			if env.Type == want {
				return env
			}
		case err := <-c.errCh:
			fatalf("%s: read while waiting for %s: %v", c.name, want, err)
		case <-ctx.Done():
			fatalf("%s: timed out waiting for %s", c.name, want)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
