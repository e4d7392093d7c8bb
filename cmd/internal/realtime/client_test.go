package realtime_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"emconsole/cmd/internal/realtime"
	"emconsole/cmd/internal/testutil"
	v1 "emconsole/shared/contracts/feed/v1"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []v1.Envelope
}

func (r *recorder) handle(typ string, env v1.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env.Type = typ
	r.events = append(r.events, env)
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ string) (v1.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return v1.Envelope{}, false
}

type harness struct {
	srv     *testutil.WSServer
	loop    *realtime.Loop
	clock   *testutil.FakeClock
	client  *realtime.Client
	metrics *realtime.Metrics
	rec     *recorder
}

func newHarness(t *testing.T, mode realtime.RetryMode, onOpen func(*realtime.Client)) *harness {
	t.Helper()
	h := &harness{
		srv:     testutil.NewWSServer(t),
		loop:    testutil.StartLoop(t),
		clock:   testutil.NewFakeClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		metrics: realtime.NewMetrics(prometheus.NewRegistry()),
		rec:     &recorder{},
	}
	h.client = realtime.NewClient(nil, h.loop, h.clock, h.metrics, realtime.Config{
		Feed:     "test",
		Endpoint: h.srv.URL(),
		Policy:   realtime.DefaultReconnectPolicy(mode),
		OnOpen:   onOpen,
	})
	t.Cleanup(h.client.Close)
	h.client.AddListener("rec", h.rec.handle)
	return h
}

func (h *harness) waitOpen(t *testing.T) {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, h.client.IsConnected, "client never opened")
	testutil.Flush(t, h.loop)
}

func (h *harness) waitClosedCount(t *testing.T, n int) {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, func() bool { return h.rec.count(v1.TypeClosed) >= n }, "closed event missing")
}

func TestClientHandshakeAndDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, func(c *realtime.Client) {
		c.Send(v1.Subscribe("dev-1"))
	})
	h.client.Connect()
	h.client.Connect()
	h.waitOpen(t)

	frames := h.srv.WaitFrames(1)
	var sub v1.SubscribeAction
	if err := json.Unmarshal(frames[0], &sub); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	if sub.Action != v1.ActionSubscribe || sub.DeviceID != "dev-1" {
		t.Fatalf("handshake=%+v", sub)
	}
	if h.srv.Accepts() != 1 {
		t.Fatalf("second Connect opened another connection")
	}

	conn := h.srv.Last()
	if err := conn.PushRaw([]byte(`not json`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := conn.Push(map[string]any{"type": v1.TypeSubscribed, "deviceId": "dev-1"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return h.rec.count(v1.TypeSubscribed) == 1 }, "subscribed not dispatched")

	env, _ := h.rec.last(v1.TypeSubscribed)
	if env.DeviceID != "dev-1" {
		t.Fatalf("deviceId=%q", env.DeviceID)
	}
	if !h.client.IsConnected() {
		t.Fatalf("malformed frame closed the connection")
	}
}

func TestClientFoldsUnknownTypesInMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, nil)
	h.client.Connect()
	h.waitOpen(t)

	conn := h.srv.Last()
	for _, typ := range []string{"x-1", "x-2", v1.TypeSubscribed} {
		if err := conn.Push(map[string]any{"type": typ}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return h.rec.count(v1.TypeSubscribed) == 1 }, "subscribed not dispatched")

	if got := promtest.ToFloat64(h.metrics.EnvelopesReceived.WithLabelValues("test", "other")); got != 2 {
		t.Fatalf("other=%v want 2", got)
	}
	if got := promtest.ToFloat64(h.metrics.EnvelopesReceived.WithLabelValues("test", v1.TypeSubscribed)); got != 1 {
		t.Fatalf("subscribed=%v want 1", got)
	}
	if n := promtest.CollectAndCount(h.metrics.EnvelopesReceived); n != 2 {
		t.Fatalf("label sets=%d want 2", n)
	}
}

func TestClientReconnectsAfterAbnormalClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, nil)
	h.client.Connect()
	h.waitOpen(t)

	h.srv.Last().Drop()
	h.waitClosedCount(t, 1)
	closed, _ := h.rec.last(v1.TypeClosed)
	if closed.Status != int(websocket.StatusAbnormalClosure) {
		t.Fatalf("close status=%d", closed.Status)
	}
	if !h.client.ReconnectPending() || h.client.Attempts() != 1 {
		t.Fatalf("pending=%v attempts=%d", h.client.ReconnectPending(), h.client.Attempts())
	}

	h.clock.Advance(2999 * time.Millisecond)
	testutil.Flush(t, h.loop)
	if h.srv.Accepts() != 1 {
		t.Fatalf("reconnected before the delay elapsed")
	}

	h.clock.Advance(time.Millisecond)
	testutil.Eventually(t, 2*time.Second, func() bool { return h.srv.Accepts() == 2 }, "no reconnect")
	h.waitOpen(t)
	if h.client.Attempts() != 0 {
		t.Fatalf("open did not reset attempts: %d", h.client.Attempts())
	}
}

func TestClientNormalCloseByMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		mode      realtime.RetryMode
		wantRetry bool
	}{
		{"abnormal-only", realtime.RetryOnAbnormalClose, false},
		{"any-close", realtime.RetryOnAnyClose, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, tc.mode, nil)
			h.client.Connect()
			h.waitOpen(t)

			h.srv.Last().CloseWith(websocket.StatusNormalClosure, "done")
			h.waitClosedCount(t, 1)
			testutil.Flush(t, h.loop)

			if got := h.client.ReconnectPending(); got != tc.wantRetry {
				t.Fatalf("reconnect pending=%v want %v", got, tc.wantRetry)
			}
			if h.rec.count(v1.TypeError) != 0 {
				t.Fatalf("unexpected error event")
			}
		})
	}
}

func TestClientGivesUpAfterFiveAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, nil)
	h.client.Connect()
	h.waitOpen(t)

	h.srv.Reject(true)
	h.srv.Last().Drop()

	for attempt := 1; attempt <= realtime.DefaultReconnectMaxAttempts; attempt++ {
		testutil.Eventually(t, 2*time.Second, h.client.ReconnectPending, "reconnect not scheduled")
		if h.client.Attempts() != attempt {
			t.Fatalf("attempts=%d want %d", h.client.Attempts(), attempt)
		}
		h.clock.Advance(realtime.DefaultReconnectDelay)
		h.waitClosedCount(t, attempt+1)
	}
	testutil.Flush(t, h.loop)

	if h.client.ReconnectPending() {
		t.Fatalf("sixth attempt scheduled")
	}
	var exhausted int
	h.rec.mu.Lock()
	for _, e := range h.rec.events {
		if e.Type == v1.TypeError && e.Code == v1.ErrorCodeReconnectExhausted {
			exhausted++
			if e.Message != "Max reconnection attempts reached" {
				t.Fatalf("message=%q", e.Message)
			}
		}
	}
	h.rec.mu.Unlock()
	if exhausted != 1 {
		t.Fatalf("exhausted events=%d want 1", exhausted)
	}

	h.srv.Reject(false)
	h.client.Connect()
	h.waitOpen(t)
	if h.client.Attempts() != 0 {
		t.Fatalf("manual connect did not reset attempts")
	}
}

func TestClientDisconnectSuppressesReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAnyClose, nil)
	h.client.Connect()
	h.waitOpen(t)
	conn := h.srv.Last()

	h.client.Disconnect()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the close")
	}
	testutil.Flush(t, h.loop)

	if h.client.ReconnectPending() || h.clock.Pending() != 0 {
		t.Fatalf("reconnect scheduled after manual disconnect")
	}
	if h.client.Registry().Len() != 0 {
		t.Fatalf("registry not cleared")
	}
	if h.client.State() != realtime.StateDisconnected {
		t.Fatalf("state=%s", h.client.State())
	}
	if h.client.Send(v1.GetSessions()) {
		t.Fatalf("send on closed connection reported success")
	}
}

func TestClientDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, nil)
	h.client.Connect()
	h.waitOpen(t)

	h.srv.Last().Drop()
	testutil.Eventually(t, 2*time.Second, h.client.ReconnectPending, "reconnect not scheduled")

	h.client.Disconnect()
	h.clock.Advance(realtime.DefaultReconnectDelay)
	testutil.Flush(t, h.loop)
	time.Sleep(50 * time.Millisecond)
	if h.srv.Accepts() != 1 {
		t.Fatalf("cancelled reconnect still dialed")
	}
}

func TestClientConnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, nil)
	h.client.Connect()
	h.waitOpen(t)

	h.srv.Last().Drop()
	testutil.Eventually(t, 2*time.Second, h.client.ReconnectPending, "reconnect not scheduled")

	h.client.Connect()
	testutil.Eventually(t, 2*time.Second, func() bool { return h.srv.Accepts() == 2 }, "connect did not dial")
	h.waitOpen(t)
	if h.client.ReconnectPending() {
		t.Fatalf("reconnect still pending after connect")
	}

	h.clock.Advance(realtime.DefaultReconnectDelay)
	testutil.Flush(t, h.loop)
	time.Sleep(50 * time.Millisecond)
	if h.srv.Accepts() != 2 {
		t.Fatalf("accepts=%d want 2", h.srv.Accepts())
	}
	if h.client.ReconnectPending() || h.client.Attempts() != 0 {
		t.Fatalf("pending=%v attempts=%d", h.client.ReconnectPending(), h.client.Attempts())
	}
}

func TestClientSendPreservesOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, realtime.RetryOnAbnormalClose, nil)
	h.client.Connect()
	h.waitOpen(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		if !h.client.Send(v1.MarkRead(id)) {
			t.Fatalf("send %s dropped", id)
		}
	}
	frames := h.srv.WaitFrames(4)
	for i, id := range []string{"a", "b", "c", "d"} {
		var a v1.MarkReadAction
		if err := json.Unmarshal(frames[i], &a); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if a.UserID != id {
			t.Fatalf("frame %d userId=%q want %q", i, a.UserID, id)
		}
	}
}
