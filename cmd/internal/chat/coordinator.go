package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"emconsole/cmd/internal/ids"
	"emconsole/cmd/internal/realtime"
	v1 "emconsole/shared/contracts/feed/v1"
)

// Channel is the chat feed as the coordinator uses it.
type Channel interface {
	Identity() Identity
	Connect()
	Disconnect()
	Send(a v1.Action) bool
	SendMessage(text, targetUserID string) bool
	Subscribe(id string, fn realtime.Handler) *realtime.Subscription
}

// Mode selects the admin panel or the client widget behaviour.
type Mode int

const (
	ModeClient Mode = iota
	ModeAdmin
)

func (m Mode) String() string {
	if m == ModeAdmin {
		return "admin"
	}
	return "client"
}

// ModeFor returns the mode of a console user with role.
func ModeFor(role v1.Role) Mode {
	if role == v1.RoleAdmin {
		return ModeAdmin
	}
	return ModeClient
}

// Config tunes a Coordinator.
type Config struct {
	EchoTolerance time.Duration
}

// State is a snapshot of everything the chat views render.
type State struct {
	Mode       Mode
	Registered bool
	Connected  bool
	LastError  string

	Sessions       []v1.Session
	SelectedUserID string
	History        []Entry
	Open           bool
	UnreadCount    int
}

// Coordinator maintains chat sessions and the selected conversation.
//
// Admin mode re-queries the session index after every chat-relevant event and keeps
// the history of one selected session. Client mode keeps the user's own conversation
// and an unread counter for the closed widget. Both reconcile inbound messages against
// optimistic local sends through History.
type Coordinator struct {
	log     *slog.Logger
	clock   realtime.Clock
	channel Channel
	metrics *Metrics
	self    Identity
	mode    Mode

	mu                sync.Mutex
	sub               *realtime.Subscription
	registered        bool
	connected         bool
	lastError         string
	sessions          []v1.Session
	selected          string
	selectedSessionID string
	history           *History
	open              bool
	unread            int
	onChange          func(State)
	closed            bool
}

// NewCoordinator constructs a coordinator for the channel's identity.
func NewCoordinator(log *slog.Logger, clock realtime.Clock, channel Channel, m *Metrics, cfg Config) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = realtime.SystemClock()
	}
	self := channel.Identity()
	return &Coordinator{
		log:     log,
		clock:   clock,
		channel: channel,
		metrics: m,
		self:    self,
		mode:    ModeFor(self.Role),
		history: NewHistory(cfg.EchoTolerance),
	}
}

// Mode returns the coordinator mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// OnChange sets the callback invoked after every state change, outside the lock.
func (c *Coordinator) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Start subscribes to the feed and connects it.
func (c *Coordinator) Start() {
	id := "chat-widget"
	if c.mode == ModeAdmin {
		id = "admin-chat-panel"
	}

	c.mu.Lock()
	if c.closed || c.sub != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub := c.channel.Subscribe(id, c.handle)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.channel.Connect()
}

// Close releases the subscription and disconnects the feed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	sub.Close()
	c.channel.Disconnect()
}

// State returns a snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Sessions returns the last session index (admin mode).
func (c *Coordinator) Sessions() []v1.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Session(nil), c.sessions...)
}

// History returns the entries of the displayed conversation.
func (c *Coordinator) History() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Entries()
}

// UnreadCount is the widget counter in client mode and the sum of session
// counters in admin mode.
func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unreadLocked()
}

// SelectSession shows the conversation of userID and requests its history (admin mode).
func (c *Coordinator) SelectSession(userID string) bool {
	if c.mode != ModeAdmin || userID == "" {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.selected = userID
	c.selectedSessionID = ""
	for i := range c.sessions {
		if c.sessions[i].UserID == userID {
			c.selectedSessionID = c.sessions[i].SessionID
			c.sessions[i].UnreadAdminCount = 0
		}
	}
	c.history.Clear()
	c.mu.Unlock()

	c.log.Info("chat.session.select", "user_id", userID)
	sent := c.channel.Send(v1.GetConversation(userID))
	c.notify()
	return sent
}

// SendMessage appends text to the history as a pending entry and sends it.
// Admins need a selected session. It reports whether the frame was enqueued.
func (c *Coordinator) SendMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	c.mu.Lock()
	if c.closed || (c.mode == ModeAdmin && c.selected == "") {
		c.mu.Unlock()
		return false
	}
	now := c.clock.Now()
	target := ""
	if c.mode == ModeAdmin {
		target = c.selected
	}
	msg := v1.Message{
		UserID:       c.self.UserID,
		Username:     c.self.Username,
		Role:         c.self.Role,
		Text:         text,
		Timestamp:    v1.At(now),
		TargetUserID: target,
		SessionID:    c.selectedSessionID,
	}
	c.history.AddPending(ids.LocalID(now), msg)
	c.mu.Unlock()

	c.metrics.sent()
	sent := c.channel.SendMessage(text, target)
	c.notify()
	return sent
}

// SetOpen opens or closes the client widget. Opening resets the unread counter.
func (c *Coordinator) SetOpen(open bool) {
	c.mu.Lock()
	c.open = open
	if open {
		c.unread = 0
	}
	c.mu.Unlock()
	c.notify()
}

// handle is the feed subscriber. It runs on the loop.
func (c *Coordinator) handle(eventType string, env v1.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var changed bool
	switch eventType {
	case v1.TypeRegistered:
		changed = c.onRegistered()
	case v1.TypeSessionsList:
		changed = c.onSessionsList(env)
	case v1.TypeChatMessage:
		changed = c.onChatMessage(env)
	case v1.TypeConversationHistory:
		changed = c.onConversationHistory(env)
	case v1.TypeError:
		changed = c.onError(env)
	case v1.TypeClosed:
		c.mu.Lock()
		c.connected = false
		c.registered = false
		c.mu.Unlock()
		changed = true
	}
	if changed {
		c.notify()
	}
}

func (c *Coordinator) onRegistered() bool {
	c.mu.Lock()
	c.registered = true
	c.connected = true
	c.lastError = ""
	c.mu.Unlock()

	if c.mode == ModeAdmin {
		c.channel.Send(v1.GetSessions())
	}
	return true
}

func (c *Coordinator) onSessionsList(env v1.Envelope) bool {
	if c.mode != ModeAdmin {
		return false
	}
	var sessions []v1.Session
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := env.DecodeData(&sessions); err != nil {
			c.log.Debug("chat.sessions.invalid", "err", err)
			return false
		}
	}

	c.mu.Lock()
	c.sessions = sessions
	for i := range c.sessions {
		if c.selected == "" || c.sessions[i].UserID != c.selected {
			continue
		}
		// The open conversation is read as it arrives.
		c.sessions[i].UnreadAdminCount = 0
		if c.selectedSessionID == "" {
			c.selectedSessionID = c.sessions[i].SessionID
		}
	}
	c.mu.Unlock()
	return true
}

func (c *Coordinator) onChatMessage(env v1.Envelope) bool {
	var m v1.Message
	if err := env.DecodeData(&m); err != nil || m.Validate() != nil {
		c.metrics.inbound("invalid")
		c.log.Debug("chat.message.invalid", "err", err)
		return false
	}
	own := m.UserID == c.self.UserID && m.Role == c.self.Role

	if c.mode == ModeClient {
		c.mu.Lock()
		outcome := c.history.Reconcile(m, own)
		if outcome == Appended && !own && !c.open {
			c.unread++
		}
		c.mu.Unlock()
		c.recordOutcome(outcome, own)
		return true
	}

	c.mu.Lock()
	if own {
		outcome := c.history.Reconcile(m, true)
		c.mu.Unlock()
		c.recordOutcome(outcome, true)
		c.channel.Send(v1.GetSessions())
		return true
	}

	inSelected := c.selected != "" && (m.UserID == c.selected || m.TargetUserID == c.selected)
	if inSelected {
		selected := c.selected
		outcome := c.history.Reconcile(m, false)
		c.mu.Unlock()
		c.recordOutcome(outcome, false)
		c.channel.Send(v1.MarkRead(selected))
	} else {
		for i := range c.sessions {
			if c.sessions[i].UserID == m.UserID {
				c.sessions[i].UnreadAdminCount++
			}
		}
		c.mu.Unlock()
		c.metrics.inbound("other_session")
	}

	c.channel.Send(v1.GetSessions())
	return true
}

func (c *Coordinator) recordOutcome(o Outcome, own bool) {
	label := o.String()
	if own {
		label = "own_" + label
	}
	c.metrics.inbound(label)
	c.log.Debug("chat.message.reconcile", "outcome", label)
}

func (c *Coordinator) onConversationHistory(env v1.Envelope) bool {
	var s v1.Session
	if err := env.DecodeData(&s); err != nil {
		c.log.Debug("chat.history.invalid", "err", err)
		return false
	}

	c.mu.Lock()
	want := c.selected
	if c.mode == ModeClient {
		want = c.self.UserID
	}
	if s.UserID == "" || s.UserID != want {
		c.mu.Unlock()
		c.log.Info("chat.history.stale", "user_id", s.UserID, "selected_user_id", want)
		return false
	}
	c.history.Replace(s.ConversationHistory)
	if s.SessionID != "" {
		c.selectedSessionID = s.SessionID
	}
	for i := range c.sessions {
		if c.sessions[i].UserID == s.UserID {
			c.sessions[i].UnreadAdminCount = 0
		}
	}
	c.mu.Unlock()

	if c.mode == ModeAdmin {
		c.channel.Send(v1.MarkRead(s.UserID))
	}
	return true
}

func (c *Coordinator) onError(env v1.Envelope) bool {
	msg := env.Message
	if msg == "" {
		msg = "chat unavailable"
	}
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
	c.log.Info("chat.error", "code", env.Code, "message", msg)
	return true
}

func (c *Coordinator) unreadLocked() int {
	if c.mode == ModeClient {
		return c.unread
	}
	n := 0
	for _, s := range c.sessions {
		n += s.UnreadAdminCount
	}
	return n
}

func (c *Coordinator) snapshotLocked() State {
	return State{
		Mode:           c.mode,
		Registered:     c.registered,
		Connected:      c.connected,
		LastError:      c.lastError,
		Sessions:       append([]v1.Session(nil), c.sessions...),
		SelectedUserID: c.selected,
		History:        c.history.Entries(),
		Open:           c.open,
		UnreadCount:    c.unreadLocked(),
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fn := c.onChange
	s := c.snapshotLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// LastMessagePreview summarizes a session for the session list.
func LastMessagePreview(s v1.Session) string {
	if len(s.ConversationHistory) == 0 {
		return "No messages yet"
	}
	text := s.ConversationHistory[len(s.ConversationHistory)-1].Text
	if utf8.RuneCountInString(text) <= 50 {
		return text
	}
	return string([]rune(text)[:50]) + "..."
}
