// Package protocol defines the newline-delimited JSON frame protocol spoken
// on the local bridge socket. Every frame is a single JSON object terminated
// by '\n'; binary payloads travel base64-encoded.
package protocol

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Frame operations. Requests flow client to bridge, message frames flow back.
const (
	OpPublish     = "publish.v1"
	OpPublishAck  = "publish.ack.v1"
	OpObjectSet   = "object.set.v1"
	OpSubscribe   = "subscribe.v1"
	OpUnsubscribe = "unsubscribe.v1"
	OpMessage     = "message.v1"
	OpAck         = "ack.v1"
)

// Envelope is the first-pass decode of any frame, just enough to dispatch
// and to echo the request id back on error acks.
type Envelope struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
}

// Ack answers exactly one request, matched by RequestID. Error is set only
// when OK is false.
type Ack struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// PublishRequest carries op publish.v1 (fire-and-forget) or publish.ack.v1
// (confirmed delivery).
type PublishRequest struct {
	Op         string `json:"op"`
	RequestID  string `json:"request_id"`
	Channel    string `json:"channel"`
	Event      string `json:"event"`
	PayloadB64 string `json:"payload_b64"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
}

// ObjectSetRequest sets a last-write-wins keyed value scoped to a channel.
type ObjectSetRequest struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
	Key       string `json:"key"`
	ValueB64  string `json:"value_b64"`
}

type SubscribeRequest struct {
	Op             string `json:"op"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
	Channel        string `json:"channel"`
	Event          string `json:"event,omitempty"`
}

type UnsubscribeRequest struct {
	Op             string `json:"op"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
}

// MessageFrame delivers one inbound channel message to the local client,
// tagged with the subscription that produced it.
type MessageFrame struct {
	Op             string `json:"op"`
	SubscriptionID string `json:"subscription_id"`
	MessageID      string `json:"message_id"`
	Channel        string `json:"channel"`
	Event          string `json:"event"`
	PayloadB64     string `json:"payload_b64"`
	ReceivedAtMS   int64  `json:"received_at_ms"`
}

// EncodeFrame marshals v and appends the frame terminator.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodePayload validates and decodes a base64 payload field. Callers must
// reject the request before any side effect when this fails.
func DecodePayload(field, value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be valid base64", field)
	}
	return data, nil
}

// NewFrameScanner returns a line scanner whose buffer is capped at
// maxFrameBytes. A longer frame surfaces bufio.ErrTooLong, which the server
// treats as fatal to the connection.
func NewFrameScanner(r io.Reader, maxFrameBytes int) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	initial := 64 * 1024
	if maxFrameBytes < initial {
		initial = maxFrameBytes
	}
	scanner.Buffer(make([]byte, 0, initial), maxFrameBytes)
	return scanner
}
