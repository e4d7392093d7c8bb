package chat

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"emconsole/cmd/internal/realtime"
	clocks "emconsole/cmd/internal/testutil"
	v1 "emconsole/shared/contracts/feed/v1"
)

type sentMessage struct {
	text   string
	target string
}

type fakeChannel struct {
	id  Identity
	reg *realtime.Registry

	mu          sync.Mutex
	connects    int
	disconnects int
	actions     []v1.Action
	messages    []sentMessage
}

func newFakeChannel(id Identity) *fakeChannel {
	return &fakeChannel{id: id, reg: realtime.NewRegistry(nil, FeedName, nil)}
}

func (f *fakeChannel) Identity() Identity { return f.id }

func (f *fakeChannel) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.reg.Clear()
}

func (f *fakeChannel) Send(a v1.Action) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return true
}

func (f *fakeChannel) SendMessage(text, target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{text: text, target: target})
	return true
}

func (f *fakeChannel) Subscribe(id string, fn realtime.Handler) *realtime.Subscription {
	return f.reg.Subscribe(id, fn)
}

func (f *fakeChannel) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.actions))
	for i, a := range f.actions {
		out[i] = a.ActionName()
	}
	return out
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	f.actions = nil
	f.messages = nil
	f.mu.Unlock()
}

func (f *fakeChannel) push(t *testing.T, typ string, data any) {
	t.Helper()
	env := v1.Envelope{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal %s: %v", typ, err)
		}
		env.Data = b
	}
	f.reg.Dispatch(typ, env)
}

var (
	admin  = Identity{UserID: "a1", Username: "alice", Role: v1.RoleAdmin}
	client = Identity{UserID: "u1", Username: "bob", Role: v1.RoleClient}
)

func newCoordinator(t *testing.T, id Identity) (*Coordinator, *fakeChannel, *clocks.FakeClock, *Metrics) {
	t.Helper()
	ch := newFakeChannel(id)
	clock := clocks.NewFakeClock(t0)
	m := NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(nil, clock, ch, m, Config{})
	c.Start()
	t.Cleanup(c.Close)
	return c, ch, clock, m
}

func equalNames(got, want []string) bool {
	return strings.Join(got, ",") == strings.Join(want, ",")
}

func TestModeFollowsRole(t *testing.T) {
	t.Parallel()

	a, ach, _, _ := newCoordinator(t, admin)
	c, cch, _, _ := newCoordinator(t, client)
	if a.Mode() != ModeAdmin || c.Mode() != ModeClient {
		t.Fatalf("modes=%v/%v", a.Mode(), c.Mode())
	}
	if ach.reg.Len() != 1 || cch.reg.Len() != 1 {
		t.Fatalf("coordinators must subscribe once")
	}
	if ach.connects != 1 || cch.connects != 1 {
		t.Fatalf("connects=%d/%d want 1/1", ach.connects, cch.connects)
	}
}

func TestAdminRegisteredRequestsSessions(t *testing.T) {
	t.Parallel()

	c, ch, _, _ := newCoordinator(t, admin)
	ch.push(t, v1.TypeRegistered, nil)

	if !c.State().Registered {
		t.Fatalf("not registered")
	}
	if got := ch.names(); !equalNames(got, []string{v1.ActionGetSessions}) {
		t.Fatalf("actions=%v", got)
	}
}

func TestAdminSelectSessionLoadsHistoryAndMarksRead(t *testing.T) {
	t.Parallel()

	c, ch, _, _ := newCoordinator(t, admin)
	ch.push(t, v1.TypeSessionsList, []v1.Session{
		{UserID: "u1", Username: "bob", SessionID: "s1", HumanHandoffRequested: true, UnreadAdminCount: 2},
		{UserID: "u2", Username: "carol", SessionID: "s2", HumanHandoffRequested: true, UnreadAdminCount: 1},
	})
	if c.UnreadCount() != 3 {
		t.Fatalf("unread=%d want 3", c.UnreadCount())
	}

	if !c.SelectSession("u1") {
		t.Fatalf("select failed")
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("unread after select=%d want 1", c.UnreadCount())
	}

	ch.push(t, v1.TypeConversationHistory, v1.Session{
		UserID: "u1", SessionID: "s1",
		ConversationHistory: []v1.Message{msg(v1.RoleClient, "u1", "help", t0.Add(-time.Minute))},
	})
	if got := ch.names(); !equalNames(got, []string{v1.ActionGetConversation, v1.ActionMarkRead}) {
		t.Fatalf("actions=%v", got)
	}
	if h := c.History(); len(h) != 1 || h[0].Message.Text != "help" {
		t.Fatalf("history=%+v", h)
	}

	ch.reset()
	ch.push(t, v1.TypeConversationHistory, v1.Session{
		UserID:              "u2",
		ConversationHistory: []v1.Message{msg(v1.RoleClient, "u2", "other", t0)},
	})
	if len(ch.names()) != 0 {
		t.Fatalf("stale history must not mark read: %v", ch.names())
	}
	if h := c.History(); len(h) != 1 || h[0].Message.Text != "help" {
		t.Fatalf("stale history replaced the view: %+v", h)
	}
}

func TestAdminOptimisticSendDeduplicatesEcho(t *testing.T) {
	t.Parallel()

	c, ch, clock, m := newCoordinator(t, admin)
	if c.SendMessage("hello") {
		t.Fatalf("admin without a selected session must not send")
	}
	c.SelectSession("u1")
	ch.reset()

	if !c.SendMessage("  on it  ") {
		t.Fatalf("send failed")
	}
	if len(ch.messages) != 1 || ch.messages[0] != (sentMessage{text: "on it", target: "u1"}) {
		t.Fatalf("messages=%+v", ch.messages)
	}
	h := c.History()
	if len(h) != 1 || h[0].State != EntryPending || h[0].LocalID == "" {
		t.Fatalf("history=%+v", h)
	}

	echo := msg(v1.RoleAdmin, "a1", "on it", clock.Now().Add(1200*time.Millisecond))
	ch.push(t, v1.TypeChatMessage, echo)
	ch.push(t, v1.TypeChatMessage, echo)

	h = c.History()
	if len(h) != 1 || h[0].State != EntryConfirmed {
		t.Fatalf("history=%+v", h)
	}
	if got := testutil.ToFloat64(m.Inbound.WithLabelValues("own_confirmed")); got != 1 {
		t.Fatalf("own_confirmed=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.Inbound.WithLabelValues("own_duplicate")); got != 1 {
		t.Fatalf("own_duplicate=%v want 1", got)
	}
	if got := ch.names(); !equalNames(got, []string{v1.ActionGetSessions, v1.ActionGetSessions}) {
		t.Fatalf("every chat message refreshes sessions: %v", got)
	}
}

func TestAdminMessagesOutsideSelectionCountUnread(t *testing.T) {
	t.Parallel()

	c, ch, _, _ := newCoordinator(t, admin)
	ch.push(t, v1.TypeSessionsList, []v1.Session{{UserID: "u1"}, {UserID: "u2"}})
	c.SelectSession("u1")

	ch.push(t, v1.TypeChatMessage, msg(v1.RoleClient, "u2", "anyone?", t0))
	ch.push(t, v1.TypeChatMessage, msg(v1.RoleClient, "u1", "thanks", t0))

	if h := c.History(); len(h) != 1 || h[0].Message.Text != "thanks" {
		t.Fatalf("history=%+v", h)
	}
	sessions := c.Sessions()
	if sessions[0].UnreadAdminCount != 0 || sessions[1].UnreadAdminCount != 1 {
		t.Fatalf("sessions=%+v", sessions)
	}
}

func TestAdminSelectedSessionStaysRead(t *testing.T) {
	t.Parallel()

	c, ch, _, _ := newCoordinator(t, admin)
	ch.push(t, v1.TypeSessionsList, []v1.Session{{UserID: "u1", SessionID: "s1"}, {UserID: "u2", SessionID: "s2"}})
	c.SelectSession("u1")
	ch.push(t, v1.TypeConversationHistory, v1.Session{UserID: "u1", SessionID: "s1"})
	ch.reset()

	ch.push(t, v1.TypeChatMessage, msg(v1.RoleClient, "u1", "still there?", t0))
	if got := ch.names(); !equalNames(got, []string{v1.ActionMarkRead, v1.ActionGetSessions}) {
		t.Fatalf("actions=%v", got)
	}
	if a, ok := ch.actions[0].(v1.MarkReadAction); !ok || a.UserID != "u1" {
		t.Fatalf("mark read=%+v", ch.actions[0])
	}

	// A refresh that raced the mark_read still reports the message as unread.
	ch.push(t, v1.TypeSessionsList, []v1.Session{
		{UserID: "u1", SessionID: "s1", UnreadAdminCount: 1},
		{UserID: "u2", SessionID: "s2", UnreadAdminCount: 2},
	})
	sessions := c.Sessions()
	if sessions[0].UnreadAdminCount != 0 || sessions[1].UnreadAdminCount != 2 {
		t.Fatalf("sessions=%+v", sessions)
	}
	if c.UnreadCount() != 2 {
		t.Fatalf("unread=%d want 2", c.UnreadCount())
	}
}

func TestClientWidgetUnread(t *testing.T) {
	t.Parallel()

	c, ch, clock, _ := newCoordinator(t, client)
	ch.push(t, v1.TypeRegistered, nil)
	if len(ch.names()) != 0 {
		t.Fatalf("client must not request sessions: %v", ch.names())
	}

	c.SendMessage("hi")
	ch.push(t, v1.TypeChatMessage, msg(v1.RoleClient, "u1", "hi", clock.Now()))
	ch.push(t, v1.TypeChatMessage, v1.Message{Username: "Support Bot", Role: v1.RoleBot, Text: "Hello!", Timestamp: v1.At(clock.Now())})
	ch.push(t, v1.TypeChatMessage, msg(v1.RoleAdmin, "a1", "on it", clock.Now()))

	if c.UnreadCount() != 2 {
		t.Fatalf("unread=%d want 2", c.UnreadCount())
	}
	if h := c.History(); len(h) != 3 || h[0].State != EntryConfirmed {
		t.Fatalf("history=%+v", h)
	}

	c.SetOpen(true)
	if c.UnreadCount() != 0 {
		t.Fatalf("unread after open=%d", c.UnreadCount())
	}
	ch.push(t, v1.TypeChatMessage, msg(v1.RoleAdmin, "a1", "anything else?", clock.Now()))
	if c.UnreadCount() != 0 {
		t.Fatalf("open widget must not count unread: %d", c.UnreadCount())
	}
}

func TestInvalidMessagesAndErrors(t *testing.T) {
	t.Parallel()

	c, ch, _, m := newCoordinator(t, client)
	ch.push(t, v1.TypeChatMessage, v1.Message{Role: "SYSTEM", Text: "x"})
	ch.push(t, v1.TypeChatMessage, v1.Message{Role: v1.RoleClient, Text: "no user"})
	if len(c.History()) != 0 {
		t.Fatalf("invalid messages reached history")
	}
	if got := testutil.ToFloat64(m.Inbound.WithLabelValues("invalid")); got != 2 {
		t.Fatalf("invalid=%v want 2", got)
	}

	ch.reg.Dispatch(v1.TypeError, v1.Envelope{Type: v1.TypeError, Code: v1.ErrorCodeReconnectExhausted, Message: "Max reconnection attempts reached"})
	if got := c.State().LastError; got != "Max reconnection attempts reached" {
		t.Fatalf("last error=%q", got)
	}
}

func TestCloseDisconnectsAndStopsHandling(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(client)
	c := NewCoordinator(nil, clocks.NewFakeClock(t0), ch, nil, Config{})
	var changes int
	c.OnChange(func(State) { changes++ })
	c.Start()
	c.Close()
	c.Close()

	if ch.disconnects != 1 {
		t.Fatalf("disconnects=%d want 1", ch.disconnects)
	}
	if ch.reg.Len() != 0 {
		t.Fatalf("subscription left behind")
	}
	if c.SendMessage("late") {
		t.Fatalf("send after close")
	}
	if changes != 0 {
		t.Fatalf("changes=%d", changes)
	}
}

func TestLastMessagePreview(t *testing.T) {
	t.Parallel()

	if got := LastMessagePreview(v1.Session{}); got != "No messages yet" {
		t.Fatalf("empty preview=%q", got)
	}
	long := strings.Repeat("é", 60)
	got := LastMessagePreview(v1.Session{ConversationHistory: []v1.Message{{Text: "first"}, {Text: long}}})
	if got != strings.Repeat("é", 50)+"..." {
		t.Fatalf("preview=%q", got)
	}
	if got := LastMessagePreview(v1.Session{ConversationHistory: []v1.Message{{Text: "short"}}}); got != "short" {
		t.Fatalf("preview=%q", got)
	}
}
