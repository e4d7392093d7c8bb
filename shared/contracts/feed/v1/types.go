package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the chat role of a participant.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleAdmin  Role = "ADMIN"
	RoleBot    Role = "BOT"
)

// ParseRole normalizes a role name. Unknown names are rejected.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleClient, RoleAdmin, RoleBot:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// DateLayout is the calendar-date form used by the metering REST API and sample comparison.
const DateLayout = "2006-01-02"

// zone-less layouts produced by the servers' LocalDateTime serialization.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Timestamp is a point in time as the feed servers encode it.
//
// Accepted forms: RFC3339, zone-less ISO-8601 (interpreted in local time, as a browser would),
// and the array form [year, month, day, hour, minute, second, nanos].
// The parsed location is kept, so CalendarDate() reports the calendar date the server meant.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// ParseTimestamp parses the string form.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: t}, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unsupported timestamp: %q", s)
}

// CalendarDate returns the calendar date (YYYY-MM-DD) in the timestamp's own location.
func (t Timestamp) CalendarDate() string {
	if t.IsZero() {
		return ""
	}
	return t.Time.Format(DateLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	case '[':
		var parts []int
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		if len(parts) < 3 {
			return fmt.Errorf("timestamp array too short: %d", len(parts))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		*t = Timestamp{Time: time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.Local)}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp encoding: %s", string(b))
	}
}

// ---- Payloads ----

// Sample is one hourly aggregate of a device's consumption.
type Sample struct {
	DeviceID         string    `json:"deviceId,omitempty"`
	Hour             Timestamp `json:"hour"`
	TotalConsumption float64   `json:"totalConsumption"`
}

// Validate checks the fields the monitoring view relies on.
func (s Sample) Validate() error {
	if s.Hour.IsZero() {
		return errors.New("missing field: hour")
	}
	if s.TotalConsumption < 0 {
		return fmt.Errorf("negative totalConsumption: %v", s.TotalConsumption)
	}
	return nil
}

// AlertOverconsumption is the only alert kind the metering server emits.
const AlertOverconsumption = "OVERCONSUMPTION"

// Alert reports a device that exceeded its maximum hourly consumption.
type Alert struct {
	Kind           string    `json:"type"`
	DeviceID       string    `json:"deviceId"`
	DeviceName     string    `json:"deviceName"`
	CurrentValue   float64   `json:"currentValue"`
	MaxConsumption float64   `json:"maxConsumption"`
	Timestamp      Timestamp `json:"timestamp"`
	Message        string    `json:"message"`
}

// Validate checks the fields the alert toast relies on.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.DeviceID) == "" {
		return errors.New("missing field: deviceId")
	}
	if strings.TrimSpace(a.Message) == "" {
		return errors.New("missing field: message")
	}
	return nil
}

// Message is one chat message. It is immutable once created.
type Message struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	Text         string    `json:"message"`
	Timestamp    Timestamp `json:"timestamp"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
}

// Validate checks the fields the chat view relies on.
// Bot replies carry no userId.
func (m Message) Validate() error {
	role, err := ParseRole(string(m.Role))
	if err != nil {
		return err
	}
	if role != RoleBot && strings.TrimSpace(m.UserID) == "" {
		return errors.New("missing field: userId")
	}
	return nil
}

// Session is a per-user support conversation as reported by the chat server.
type Session struct {
	UserID                string    `json:"userId"`
	Username              string    `json:"username"`
	Role                  Role      `json:"role,omitempty"`
	SessionID             string    `json:"sessionId,omitempty"`
	HumanHandoffRequested bool      `json:"humanHandoffRequested"`
	LastMessageTime       Timestamp `json:"lastMessageTime"`
	ConversationHistory   []Message `json:"conversationHistory"`
	UnreadAdminCount      int       `json:"unreadAdminCount"`
}
