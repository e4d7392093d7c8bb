// Package v1 defines the wire contract of the two push feeds consumed by the console:
// the metering feed (device measurements) and the support-chat feed.
//
// This package is intentionally stable and dependency-light.
// It is shared between the console clients and the feed simulator so both sides agree on the wire.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
)

// Inbound envelope types (server -> client).
const (
	TypeRegistered          = "registered"
	TypeSubscribed          = "subscribed"
	TypeNewMeasurement      = "newMeasurement"
	TypeSessionsList        = "sessions_list"
	TypeChatMessage         = "chat_message"
	TypeConversationHistory = "conversation_history"
	TypeError               = "error"
	TypeAlert               = "alert"
)

// KnownType reports whether typ is one of the inbound or local envelope types above.
func KnownType(typ string) bool {
	switch typ {
	case TypeRegistered, TypeSubscribed, TypeNewMeasurement, TypeSessionsList,
		TypeChatMessage, TypeConversationHistory, TypeError, TypeAlert, TypeClosed:
		return true
	}
	return false
}

// Local event types. They never travel on the wire; the client synthesizes them
// and dispatches them to subscribers next to server envelopes.
const (
	TypeClosed = "closed"
)

// Error codes carried by TypeError envelopes synthesized by the client.
const (
	ErrorCodeTransport          = "transport"
	ErrorCodeReconnectExhausted = "reconnect_exhausted"
	ErrorCodeServer             = "server"
)

// Outbound action names (client -> server).
const (
	ActionSubscribe       = "subscribe"
	ActionRegister        = "register"
	ActionMessage         = "message"
	ActionGetSessions     = "get_sessions"
	ActionGetConversation = "get_conversation"
	ActionMarkRead        = "mark_read"
)

// Envelope is the tagged unit pushed by a feed server.
//
// Data holds the type-specific payload. The remaining fields are feed-specific extras
// the servers attach next to it (subscribed carries deviceId, registered carries role).
type Envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	DeviceID string          `json:"deviceId,omitempty"`
	Message  string          `json:"message,omitempty"`
	Role     string          `json:"role,omitempty"`

	// Client-side extras for local events.
	Code   string `json:"code,omitempty"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Validate performs structural validation for an inbound Envelope.
// Unknown types are allowed: subscribers ignore what they do not understand.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into dst.
func (e Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return errors.New("missing field: data")
	}
	return json.Unmarshal(e.Data, dst)
}

// ---- Outbound actions ----

// Action is implemented by every outbound message.
type Action interface {
	ActionName() string
}

// SubscribeAction scopes a metering connection to one device.
type SubscribeAction struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

func (SubscribeAction) ActionName() string { return ActionSubscribe }

// RegisterAction announces the chat identity of this connection.
type RegisterAction struct {
	Action   string `json:"action"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (RegisterAction) ActionName() string { return ActionRegister }

// MessageAction posts a chat message. TargetUserID is set by admins only.
type MessageAction struct {
	Action       string `json:"action"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Role         Role   `json:"role"`
	Message      string `json:"message"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

func (MessageAction) ActionName() string { return ActionMessage }

// GetSessionsAction requests the session index.
type GetSessionsAction struct {
	Action string `json:"action"`
}

func (GetSessionsAction) ActionName() string { return ActionGetSessions }

// GetConversationAction requests one session with its full history.
type GetConversationAction struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
}

func (GetConversationAction) ActionName() string { return ActionGetConversation }

// MarkReadAction clears the unread counter of one session.
type MarkReadAction struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
}

func (MarkReadAction) ActionName() string { return ActionMarkRead }

// Subscribe builds a subscribe action.
func Subscribe(deviceID string) SubscribeAction {
	return SubscribeAction{Action: ActionSubscribe, DeviceID: deviceID}
}

// Register builds a register action.
func Register(userID, username string, role Role) RegisterAction {
	return RegisterAction{Action: ActionRegister, UserID: userID, Username: username, Role: role}
}

// GetSessions builds a get_sessions action.
func GetSessions() GetSessionsAction {
	return GetSessionsAction{Action: ActionGetSessions}
}

// GetConversation builds a get_conversation action.
func GetConversation(userID string) GetConversationAction {
	return GetConversationAction{Action: ActionGetConversation, UserID: userID}
}

// MarkRead builds a mark_read action.
func MarkRead(userID string) MarkReadAction {
	return MarkReadAction{Action: ActionMarkRead, UserID: userID}
}

// DecodeAction reads only the action name of an outbound frame (used by the simulator).
func DecodeAction(b []byte) (string, error) {
	var peek struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return "", err
	}
	if strings.TrimSpace(peek.Action) == "" {
		return "", errors.New("missing field: action")
	}
	return peek.Action, nil
}
