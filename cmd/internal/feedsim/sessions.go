package feedsim

import (
	"sort"
	"sync"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"
)

const maxMessagesPerSession = 1000

// SessionStore keeps one support conversation per client user.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*v1.Session
}

// NewSessionStore constructs an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*v1.Session)}
}

// GetOrCreate returns the session of userID, creating it on first contact.
func (s *SessionStore) GetOrCreate(userID, username, sessionID string, now time.Time) v1.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.getOrCreateLocked(userID, username, sessionID, now))
}

func (s *SessionStore) getOrCreateLocked(userID, username, sessionID string, now time.Time) *v1.Session {
	sess := s.sessions[userID]
	if sess == nil {
		sess = &v1.Session{
			UserID:              userID,
			Username:            username,
			Role:                v1.RoleClient,
			SessionID:           sessionID,
			LastMessageTime:     v1.At(now),
			ConversationHistory: []v1.Message{},
		}
		s.sessions[userID] = sess
	}
	return sess
}

// Get returns a copy of the session of userID.
func (s *SessionStore) Get(userID string) (v1.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[userID]
	if sess == nil {
		return v1.Session{}, false
	}
	return clone(sess), true
}

// Append adds m to the session of userID. Client messages raise the admin unread count.
// It reports false when the session does not exist.
func (s *SessionStore) Append(userID string, m v1.Message, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[userID]
	if sess == nil {
		return false
	}
	sess.ConversationHistory = append(sess.ConversationHistory, m)
	if len(sess.ConversationHistory) > maxMessagesPerSession {
		sess.ConversationHistory = sess.ConversationHistory[len(sess.ConversationHistory)-maxMessagesPerSession:]
	}
	sess.LastMessageTime = v1.At(now)
	if m.Role == v1.RoleClient {
		sess.UnreadAdminCount++
	}
	return true
}

// EnableHandoff routes the session of userID to human admins.
func (s *SessionStore) EnableHandoff(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[userID]; sess != nil {
		sess.HumanHandoffRequested = true
	}
}

// HandoffSessions lists sessions awaiting a human, most recent activity first.
func (s *SessionStore) HandoffSessions() []v1.Session {
	s.mu.Lock()
	out := make([]v1.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.HumanHandoffRequested {
			out = append(out, clone(sess))
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime.Time)
	})
	return out
}

// MarkRead clears the admin unread count of userID.
func (s *SessionStore) MarkRead(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[userID]; sess != nil {
		sess.UnreadAdminCount = 0
	}
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func clone(s *v1.Session) v1.Session {
	out := *s
	out.ConversationHistory = append([]v1.Message{}, s.ConversationHistory...)
	return out
}
