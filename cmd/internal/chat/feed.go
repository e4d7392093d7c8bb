// Package chat consumes the support-chat feed: sessions, conversation history with
// optimistic sends, and read tracking for both the admin panel and the client widget.
package chat

import (
	"log/slog"
	"strings"

	"emconsole/cmd/internal/realtime"
	v1 "emconsole/shared/contracts/feed/v1"
)

// FeedName labels the chat client in logs and metrics.
const FeedName = "chat"

// Identity is who this console is on the chat feed.
type Identity struct {
	UserID   string
	Username string
	Role     v1.Role
}

// Feed is the chat channel client. It registers Identity on every open.
type Feed struct {
	log      *slog.Logger
	client   *realtime.Client
	identity Identity
}

// NewFeed constructs the chat feed. cfg.Feed and cfg.OnOpen are set by the feed.
func NewFeed(log *slog.Logger, loop *realtime.Loop, clock realtime.Clock, m *realtime.Metrics, cfg realtime.Config, id Identity) *Feed {
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{log: log, identity: id}
	cfg.Feed = FeedName
	cfg.OnOpen = f.register
	f.client = realtime.NewClient(log, loop, clock, m, cfg)
	return f
}

// Client exposes the underlying channel client.
func (f *Feed) Client() *realtime.Client { return f.client }

// Identity returns the registered identity.
func (f *Feed) Identity() Identity { return f.identity }

// Connect opens the connection (no-op while one is open or connecting).
func (f *Feed) Connect() { f.client.Connect() }

// Disconnect closes the connection and clears every subscriber.
func (f *Feed) Disconnect() { f.client.Disconnect() }

// Close releases the client for good.
func (f *Feed) Close() { f.client.Close() }

// Subscribe registers fn under id.
func (f *Feed) Subscribe(id string, fn realtime.Handler) *realtime.Subscription {
	return f.client.Subscribe(id, fn)
}

// Send enqueues a on the open connection.
func (f *Feed) Send(a v1.Action) bool { return f.client.Send(a) }

// SendMessage posts text as the registered identity. targetUserID addresses a
// client's session and is only meaningful for admins.
func (f *Feed) SendMessage(text, targetUserID string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return f.client.Send(v1.MessageAction{
		Action:       v1.ActionMessage,
		UserID:       f.identity.UserID,
		Username:     f.identity.Username,
		Role:         f.identity.Role,
		Message:      text,
		TargetUserID: targetUserID,
	})
}

func (f *Feed) register(c *realtime.Client) {
	f.log.Info("chat.register", "user_id", f.identity.UserID, "role", f.identity.Role)
	c.Send(v1.Register(f.identity.UserID, f.identity.Username, f.identity.Role))
}
