// Package relay implements the session relay: a WebSocket endpoint where
// authenticated devices join sessions and exchange membership events and
// relayed messages.
package relay

import (
	"encoding/json"
	"time"

	"github.com/devmesh-labs/devmesh/internal/models"
)

// Message types. Clients send AUTH, SUBSCRIBE, UNSUBSCRIBE, HEARTBEAT and
// SESSION_MESSAGE; everything else flows server to client.
const (
	TypeAuth           = "AUTH"
	TypeAuthResult     = "AUTH_RESULT"
	TypeSubscribe      = "SUBSCRIBE"
	TypeSubscribed     = "SUBSCRIBED"
	TypeUnsubscribe    = "UNSUBSCRIBE"
	TypeUnsubscribed   = "UNSUBSCRIBED"
	TypeMemberJoined   = "MEMBER_JOINED"
	TypeMemberLeft     = "MEMBER_LEFT"
	TypeHeartbeat      = "HEARTBEAT"
	TypeHeartbeatAck   = "HEARTBEAT_ACK"
	TypeSessionMessage = "SESSION_MESSAGE"
	TypeDeliveryFailed = "DELIVERY_FAILED"
	TypeError          = "ERROR"
)

// Stable error codes carried in ERROR payloads.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeNotInSession     = "NOT_IN_SESSION"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeInvalidMessage   = "INVALID_MESSAGE"
)

// Message is the relay envelope. Payload stays raw until the type is known.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Error     string          `json:"error,omitempty"`
	Success   *bool           `json:"success,omitempty"`
}

type AuthPayload struct {
	DeviceToken string `json:"deviceToken"`
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName,omitempty"`
}

// SubscribePayload optionally re-asserts the caller's role and permission.
type SubscribePayload struct {
	Role       models.SessionRole       `json:"role,omitempty"`
	Permission models.SessionPermission `json:"permission,omitempty"`
}

type MembersPayload struct {
	Members []models.SessionParticipant `json:"members"`
}

type MemberLeftPayload struct {
	DeviceID string `json:"deviceId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DeliveryFailedPayload struct {
	Reason   string `json:"reason"`
	DeviceID string `json:"deviceId,omitempty"`
}

func newMessage(msgType string) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func newEvent(msgType, sessionID string, payload any) Message {
	msg := newMessage(msgType)
	msg.SessionID = sessionID
	if payload != nil {
		msg.Payload = encodePayload(payload)
	}
	return msg
}

func authResultMessage(ok bool, errMsg string) Message {
	msg := newMessage(TypeAuthResult)
	msg.Success = &ok
	msg.Error = errMsg
	return msg
}

func errorMessage(code, text string) Message {
	msg := newMessage(TypeError)
	msg.Payload = encodePayload(ErrorPayload{Code: code, Message: text})
	msg.Error = text
	return msg
}

// encodePayload marshals a known payload struct. All payload types marshal
// without error, so a nil result only occurs for values callers never pass.
func encodePayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
