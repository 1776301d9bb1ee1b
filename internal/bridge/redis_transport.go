package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	publishQueueSize    = 256
	healthCheckInterval = 3 * time.Second
	objectHashKeyFormat = "channelobj:%s"
)

// channelEnvelope is the JSON body of every pub/sub message so binary
// payloads survive the text transport.
type channelEnvelope struct {
	MessageID  string `json:"message_id"`
	Event      string `json:"event"`
	PayloadB64 string `json:"payload_b64"`
	SentAtMS   int64  `json:"sent_at_ms"`
}

// RedisTransport delivers channel traffic over Redis pub/sub and keeps
// last-write-wins channel objects in per-channel hashes. Fire-and-forget
// publishes go through a bounded queue drained by one worker; saturation
// drops the message with a warning rather than blocking the caller.
//
// Reconnects are detected by a PING watchdog instead of the client's
// OnConnect hook: pooled clients open connections continuously, so the hook
// cannot distinguish an outage from ordinary pool growth.
type RedisTransport struct {
	client         *redis.Client
	logger         *zap.Logger
	publishTimeout time.Duration

	queue       chan queuedPublish
	reconnected chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type queuedPublish struct {
	channel string
	event   string
	payload []byte
}

func NewRedisTransport(ctx context.Context, redisURL string, publishTimeout time.Duration, logger *zap.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	t := &RedisTransport{
		client:         client,
		logger:         logger,
		publishTimeout: publishTimeout,
		queue:          make(chan queuedPublish, publishQueueSize),
		reconnected:    make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}

	t.wg.Add(2)
	go t.publishWorker()
	go t.healthLoop()

	return t, nil
}

func (t *RedisTransport) Publish(_ context.Context, channel, event string, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	select {
	case t.queue <- queuedPublish{channel: channel, event: event, payload: payload}:
		return nil
	default:
		t.logger.Warn("publish queue saturated, dropping message",
			zap.String("channel", channel),
			zap.String("event", event),
		)
		return fmt.Errorf("publish queue full for channel %s", channel)
	}
}

func (t *RedisTransport) PublishWithAck(ctx context.Context, channel, event string, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	return t.publish(ctx, channel, event, payload)
}

func (t *RedisTransport) SetObject(ctx context.Context, channel, key string, value []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	hashKey := fmt.Sprintf(objectHashKeyFormat, channel)
	if err := t.client.HSet(ctx, hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set channel object %s/%s: %w", channel, key, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (<-chan InboundMessage, func() error, error) {
	select {
	case <-t.closed:
		return nil, nil, ErrClosed
	default:
	}

	pubsub := t.client.Subscribe(ctx, channel)
	// Force the subscribe onto the wire so attach failures surface here,
	// not on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	raw := pubsub.Channel()
	out := make(chan InboundMessage, 64)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(out)
		for msg := range raw {
			var envelope channelEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				t.logger.Warn("discarding malformed channel message",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(envelope.PayloadB64)
			if err != nil {
				t.logger.Warn("discarding channel message with invalid payload",
					zap.String("channel", msg.Channel),
					zap.String("message_id", envelope.MessageID),
				)
				continue
			}
			out <- InboundMessage{
				Channel:      msg.Channel,
				Event:        envelope.Event,
				Payload:      payload,
				MessageID:    envelope.MessageID,
				ReceivedAtMS: time.Now().UnixMilli(),
			}
		}
	}()

	stop := func() error {
		return pubsub.Close()
	}
	return out, stop, nil
}

func (t *RedisTransport) Reconnected() <-chan struct{} {
	return t.reconnected
}

func (t *RedisTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	err := t.client.Close()
	t.wg.Wait()
	return err
}

func (t *RedisTransport) publish(ctx context.Context, channel, event string, payload []byte) error {
	envelope := channelEnvelope{
		MessageID:  uuid.New().String(),
		Event:      event,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		SentAtMS:   time.Now().UnixMilli(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal channel envelope: %w", err)
	}
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (t *RedisTransport) publishWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closed:
			return
		case item := <-t.queue:
			ctx, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
			if err := t.publish(ctx, item.channel, item.event, item.payload); err != nil {
				t.logger.Warn("async publish failed",
					zap.String("channel", item.channel),
					zap.String("event", item.event),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// healthLoop pings on an interval and signals Reconnected on the first
// successful ping after a failure.
func (t *RedisTransport) healthLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	down := false
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckInterval)
			err := t.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				if !down {
					t.logger.Warn("channel transport unreachable", zap.Error(err))
				}
				down = true
				continue
			}
			if down {
				down = false
				t.logger.Info("channel transport reconnected")
				select {
				case t.reconnected <- struct{}{}:
				default:
				}
			}
		}
	}
}
