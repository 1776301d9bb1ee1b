// Package bridge implements the local daemon that turns in-process
// publish/subscribe calls into traffic on the external real-time channel
// service: the subscription registry with heartbeat and reconnect replay,
// the local socket server, and the channel transport.
package bridge

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed transport or registry.
	ErrClosed = errors.New("bridge: closed")
	// ErrNotRunning is returned when the registry is asked to do work
	// outside its Running state.
	ErrNotRunning = errors.New("bridge: registry not running")
)

// InboundMessage is one message received from a channel subscription.
type InboundMessage struct {
	Channel      string
	Event        string
	Payload      []byte
	MessageID    string
	ReceivedAtMS int64
}

// Transport is the injectable delivery layer beneath the registry. Publish is
// the fire-and-forget path; PublishWithAck does not return until the channel
// service has confirmed the command. Subscribe returns a typed channel that
// closes when the subscription stops.
type Transport interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
	PublishWithAck(ctx context.Context, channel, event string, payload []byte) error
	SetObject(ctx context.Context, channel, key string, value []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan InboundMessage, func() error, error)
	// Reconnected signals each time the transport re-establishes its link
	// after an outage. The initial connection does not signal.
	Reconnected() <-chan struct{}
	Close() error
}
