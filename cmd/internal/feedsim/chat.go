package feedsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"emconsole/cmd/internal/ids"
	v1 "emconsole/shared/contracts/feed/v1"
)

// ChatFeed is the feed name used in simulator logs and metrics.
const ChatFeed = "chat"

const botName = "Support Bot"

type chatMember struct {
	userID   string
	username string
	role     v1.Role
}

// Chat simulates the support-chat server.
//
// Client messages are echoed to the sender and answered by the rule bot when a rule
// matches; otherwise the session is handed off and the message forwarded to every
// admin. Admin messages are echoed and delivered to the target client. Every change
// to a session re-broadcasts the session index to admins.
type Chat struct {
	log      *slog.Logger
	sessions *SessionStore
	rules    *Rules
	metrics  *Metrics
	now      func() time.Time

	mu       sync.RWMutex
	peers    map[string]*peer
	members  map[string]chatMember // session id -> member
	admins   map[string]struct{}   // session ids
	userPeer map[string]string     // user id -> session id (clients)
}

// NewChat constructs the server. A nil rules disables the bot: every client message
// is handed off to admins.
func NewChat(log *slog.Logger, sessions *SessionStore, rules *Rules, m *Metrics) *Chat {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		sessions = NewSessionStore()
	}
	return &Chat{
		log:      log,
		sessions: sessions,
		rules:    rules,
		metrics:  m,
		now:      time.Now,
		peers:    make(map[string]*peer),
		members:  make(map[string]chatMember),
		admins:   make(map[string]struct{}),
		userPeer: make(map[string]string),
	}
}

// Handler returns the websocket endpoint.
func (s *Chat) Handler(cfg GatewayConfig) http.Handler {
	return newGateway(s.log, cfg, s, s.metrics, s.now)
}

// Sessions returns the session store.
func (s *Chat) Sessions() *SessionStore { return s.sessions }

// Admins returns the number of registered admin sessions.
func (s *Chat) Admins() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.admins)
}

func (s *Chat) feedName() string { return ChatFeed }

func (s *Chat) open(p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
}

func (s *Chat) closed(p *peer) {
	s.mu.Lock()
	m, ok := s.members[p.id]
	delete(s.peers, p.id)
	delete(s.members, p.id)
	delete(s.admins, p.id)
	if ok && s.userPeer[m.userID] == p.id {
		delete(s.userPeer, m.userID)
	}
	s.mu.Unlock()
	s.log.Info("sim.chat.closed", "session_id", p.id, "user_id", m.userID, "admin", m.role == v1.RoleAdmin)
}

func (s *Chat) reject(p *peer, err error) {
	s.sendError(p, "Failed to process message")
}

type chatFrame struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	Message      string `json:"message"`
	TargetUserID string `json:"targetUserId"`
}

func (s *Chat) route(p *peer, action string, raw []byte) error {
	var f chatFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("invalid %s: %w", action, err)
	}
	switch action {
	case v1.ActionRegister:
		return s.onRegister(p, f)
	case v1.ActionMessage:
		return s.onMessage(p, f)
	case v1.ActionGetSessions:
		s.sendSessions(p)
		return nil
	case v1.ActionGetConversation:
		return s.onGetConversation(p, f)
	case v1.ActionMarkRead:
		userID, err := ids.NormalizeUUID(f.UserID)
		if err != nil {
			return err
		}
		s.sessions.MarkRead(userID)
		s.broadcastSessions()
		return nil
	default:
		return fmt.Errorf("unsupported action: %s", action)
	}
}

func (s *Chat) onRegister(p *peer, f chatFrame) error {
	userID, err := ids.NormalizeUUID(f.UserID)
	if err != nil {
		return err
	}
	role, err := v1.ParseRole(f.Role)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.members[p.id] = chatMember{userID: userID, username: f.Username, role: role}
	if role == v1.RoleAdmin {
		s.admins[p.id] = struct{}{}
	} else {
		s.userPeer[userID] = p.id
	}
	s.mu.Unlock()

	s.log.Info("sim.chat.register", "session_id", p.id, "user_id", userID, "role", role)
	if role == v1.RoleAdmin {
		s.sendSessions(p)
	}
	deliver(p, encode(s.log, v1.Envelope{
		Type:    v1.TypeRegistered,
		Message: "Successfully registered for chat",
		Role:    string(role),
	}, nil))
	return nil
}

func (s *Chat) onMessage(p *peer, f chatFrame) error {
	userID, err := ids.NormalizeUUID(f.UserID)
	if err != nil {
		return err
	}
	role, err := v1.ParseRole(f.Role)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(f.Message)
	if text == "" {
		return errors.New("empty message")
	}

	now := s.now()
	msg := v1.Message{
		UserID:    userID,
		Username:  f.Username,
		Role:      role,
		Text:      text,
		Timestamp: v1.At(now),
		SessionID: p.id,
	}

	switch role {
	case v1.RoleClient:
		s.sendMessage(p, msg)
		s.sessions.GetOrCreate(userID, f.Username, p.id, now)
		s.sessions.Append(userID, msg, now)

		if reply, ok := s.rules.Match(text); ok {
			bot := v1.Message{Username: botName, Role: v1.RoleBot, Text: reply, Timestamp: v1.At(s.now()), SessionID: p.id}
			s.sendMessage(p, bot)
			s.sessions.Append(userID, bot, now)
			s.log.Info("sim.chat.bot.reply", "user_id", userID)
		} else {
			s.sessions.EnableHandoff(userID)
			s.forwardToAdmins(msg)
			s.log.Info("sim.chat.handoff", "user_id", userID)
		}
		s.broadcastSessions()

	case v1.RoleAdmin:
		target, err := ids.NormalizeUUID(f.TargetUserID)
		if err != nil {
			return fmt.Errorf("admin message target: %w", err)
		}
		msg.TargetUserID = target
		s.sendMessage(p, msg)
		s.sessions.Append(target, msg, now)
		if !s.sendToUser(target, msg) {
			s.log.Warn("sim.chat.target.offline", "user_id", target)
		}
		s.broadcastSessions()

	default:
		return fmt.Errorf("role %s cannot send messages", role)
	}
	return nil
}

func (s *Chat) onGetConversation(p *peer, f chatFrame) error {
	userID, err := ids.NormalizeUUID(f.UserID)
	if err != nil {
		return err
	}
	sess, ok := s.sessions.Get(userID)
	if !ok {
		s.sendError(p, "Session not found")
		return nil
	}
	deliver(p, encode(s.log, v1.Envelope{Type: v1.TypeConversationHistory}, sess))
	return nil
}

func (s *Chat) sendMessage(p *peer, m v1.Message) bool {
	return deliver(p, encode(s.log, v1.Envelope{Type: v1.TypeChatMessage}, m))
}

func (s *Chat) sendToUser(userID string, m v1.Message) bool {
	s.mu.RLock()
	p := s.peers[s.userPeer[userID]]
	s.mu.RUnlock()
	return s.sendMessage(p, m)
}

func (s *Chat) adminPeers() []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peer, 0, len(s.admins))
	for id := range s.admins {
		if p := s.peers[id]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (s *Chat) forwardToAdmins(m v1.Message) {
	b := encode(s.log, v1.Envelope{Type: v1.TypeChatMessage}, m)
	n := 0
	for _, p := range s.adminPeers() {
		if deliver(p, b) {
			n++
		}
	}
	s.metrics.published(ChatFeed, v1.TypeChatMessage, n)
}

func (s *Chat) sendSessions(p *peer) {
	deliver(p, encode(s.log, v1.Envelope{Type: v1.TypeSessionsList}, s.sessions.HandoffSessions()))
}

func (s *Chat) broadcastSessions() {
	b := encode(s.log, v1.Envelope{Type: v1.TypeSessionsList}, s.sessions.HandoffSessions())
	n := 0
	for _, p := range s.adminPeers() {
		if deliver(p, b) {
			n++
		}
	}
	s.metrics.published(ChatFeed, v1.TypeSessionsList, n)
}

func (s *Chat) sendError(p *peer, message string) {
	deliver(p, encode(s.log, v1.Envelope{Type: v1.TypeError, Message: message}, nil))
}
