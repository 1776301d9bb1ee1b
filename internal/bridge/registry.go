package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/models"
)

// Presence channel naming shared with every client of the channel service.
const (
	PresenceChannelFormat = "presence:%s"
	PresenceEvent         = "device.presence.v1"
)

const (
	stateIdle = iota
	stateRunning
	stateClosing
	stateClosed
)

// Delivery is one inbound message handed from the registry to a connection
// handler, tagged with the subscription that produced it.
type Delivery struct {
	SubscriptionID string
	MessageID      string
	Channel        string
	Event          string
	Payload        []byte
	ReceivedAtMS   int64
}

type subscription struct {
	id      string
	channel string
	event   string
	out     chan<- Delivery
	stop    func() error
}

// RegistryConfig carries the identity and cadence settings for one registry
// instance. User and device ids are normalized at construction.
type RegistryConfig struct {
	UserID            string
	DeviceID          string
	Source            string
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	OpTimeout         time.Duration
	ShutdownTimeout   time.Duration
}

// Registry holds the authoritative in-memory subscription list, replays it
// after transport reconnects, and runs the presence heartbeat loop. Delivery
// is delegated to the injected Transport.
type Registry struct {
	transport Transport
	ingest    *IngestClient
	logger    *zap.Logger
	cfg       RegistryConfig

	presenceChannel string

	mu      sync.Mutex
	state   int
	subs    map[string]*subscription
	lastSeq uint64

	stop     chan struct{}
	loopDone chan struct{}

	// Test hook: overrides the whole presence publish step when set.
	publishOverride func(ctx context.Context, payload models.HeartbeatPayload) error
}

// NewRegistry wires a registry. ingest may be nil when heartbeat ingestion is
// not configured; heartbeats then flow only over the channel transport.
func NewRegistry(transport Transport, ingest *IngestClient, cfg RegistryConfig, logger *zap.Logger) *Registry {
	cfg.UserID = models.NormalizeID(cfg.UserID)
	cfg.DeviceID = models.NormalizeID(cfg.DeviceID)
	if cfg.Source == "" {
		cfg.Source = "bridge"
	}
	return &Registry{
		transport:       transport,
		ingest:          ingest,
		logger:          logger,
		cfg:             cfg,
		presenceChannel: fmt.Sprintf(PresenceChannelFormat, cfg.UserID),
		subs:            make(map[string]*subscription),
		stop:            make(chan struct{}),
		loopDone:        make(chan struct{}),
	}
}

// Start moves Idle to Running and begins the heartbeat and reconnect loops.
func (r *Registry) Start() error {
	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return fmt.Errorf("registry already started")
	}
	r.state = stateRunning
	r.mu.Unlock()

	go r.run()
	return nil
}

func (r *Registry) run() {
	defer close(r.loopDone)

	// First heartbeat immediately so peers learn about this device without
	// waiting a full interval.
	r.heartbeat(models.StatusOnline)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.heartbeat(models.StatusOnline)
		case _, ok := <-r.transport.Reconnected():
			if !ok {
				return
			}
			attached, err := r.ReplaySubscriptions(context.Background())
			if err != nil {
				r.logger.Warn("subscription replay incomplete",
					zap.Int("attached", attached),
					zap.Error(err),
				)
				continue
			}
			r.logger.Info("subscriptions replayed after reconnect", zap.Int("attached", attached))
		}
	}
}

// Publish sends on the fire-and-forget path.
func (r *Registry) Publish(ctx context.Context, channel, event string, payload []byte) error {
	if !r.running() {
		return ErrNotRunning
	}
	return r.transport.Publish(ctx, channel, event, payload)
}

// PublishWithAck sends on the confirmed path and does not return until the
// channel service acknowledged the message or ctx expires.
func (r *Registry) PublishWithAck(ctx context.Context, channel, event string, payload []byte) error {
	if !r.running() {
		return ErrNotRunning
	}
	return r.transport.PublishWithAck(ctx, channel, event, payload)
}

// SetObject writes a last-write-wins keyed value scoped to a channel.
func (r *Registry) SetObject(ctx context.Context, channel, key string, value []byte) error {
	if !r.running() {
		return ErrNotRunning
	}
	return r.transport.SetObject(ctx, channel, key, value)
}

// Subscribe registers a subscription and attaches it to the transport.
// Deliveries for it are sent to out; a full out channel drops the delivery
// rather than stalling the registry.
func (r *Registry) Subscribe(id, channel, event string, out chan<- Delivery) error {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if _, exists := r.subs[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("subscription %s already exists", id)
	}
	sub := &subscription{id: id, channel: channel, event: event, out: out}
	r.subs[id] = sub
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()
	if err := r.attach(ctx, sub); err != nil {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe stops and removes a subscription. Returns false when the id is
// unknown, which callers report as a soft not-found.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.stopSubscription(sub)
	return true
}

// ReplaySubscriptions reattaches every registered subscription exactly once.
// One failed attach does not prevent the rest; the aggregate success count is
// returned alongside an error summarizing any failures.
func (r *Registry) ReplaySubscriptions(ctx context.Context) (int, error) {
	r.mu.Lock()
	snapshot := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	attached := 0
	failed := 0
	for _, sub := range snapshot {
		r.stopSubscription(sub)

		attachCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		err := r.attach(attachCtx, sub)
		cancel()
		if err != nil {
			failed++
			r.logger.Warn("failed to replay subscription",
				zap.String("subscription_id", sub.id),
				zap.String("channel", sub.channel),
				zap.Error(err),
			)
			continue
		}
		attached++
	}

	if failed > 0 {
		return attached, fmt.Errorf("replayed %d of %d subscriptions, %d failed", attached, len(snapshot), failed)
	}
	return attached, nil
}

// Close publishes one final offline heartbeat, detaches all subscriptions and
// shuts the transport, all bounded by the shutdown timeout.
func (r *Registry) Close() error {
	r.mu.Lock()
	switch r.state {
	case stateClosed:
		r.mu.Unlock()
		return nil
	case stateIdle:
		r.state = stateClosed
		r.mu.Unlock()
		return r.transport.Close()
	}
	r.state = stateClosing
	r.mu.Unlock()

	close(r.stop)
	select {
	case <-r.loopDone:
	case <-time.After(500 * time.Millisecond):
		r.logger.Warn("heartbeat loop did not stop in time")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	if err := r.publishPresence(ctx, models.StatusOffline); err != nil {
		r.logger.Warn("failed to publish final offline heartbeat", zap.Error(err))
	}

	r.mu.Lock()
	snapshot := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.subs = make(map[string]*subscription)
	r.state = stateClosed
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.stopSubscription(sub)
	}

	return r.transport.Close()
}

func (r *Registry) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}

// attach subscribes on the transport and pumps inbound messages into the
// subscription's delivery channel, filtered by event.
func (r *Registry) attach(ctx context.Context, sub *subscription) error {
	inbound, stop, err := r.transport.Subscribe(ctx, sub.channel)
	if err != nil {
		return fmt.Errorf("attach %s: %w", sub.channel, err)
	}
	sub.stop = stop

	go func() {
		for msg := range inbound {
			if sub.event != "" && msg.Event != sub.event {
				continue
			}
			delivery := Delivery{
				SubscriptionID: sub.id,
				MessageID:      msg.MessageID,
				Channel:        msg.Channel,
				Event:          msg.Event,
				Payload:        msg.Payload,
				ReceivedAtMS:   msg.ReceivedAtMS,
			}
			select {
			case sub.out <- delivery:
			default:
				r.logger.Warn("dropping delivery for slow consumer",
					zap.String("subscription_id", sub.id),
					zap.String("channel", sub.channel),
					zap.String("message_id", msg.MessageID),
				)
			}
		}
	}()
	return nil
}

func (r *Registry) stopSubscription(sub *subscription) {
	if sub.stop == nil {
		return
	}
	if err := sub.stop(); err != nil {
		r.logger.Warn("error detaching subscription",
			zap.String("subscription_id", sub.id),
			zap.Error(err),
		)
	}
	sub.stop = nil
}

func (r *Registry) heartbeat(status models.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()
	if err := r.publishPresence(ctx, status); err != nil {
		r.logger.Warn("failed publishing periodic heartbeat", zap.Error(err))
	}
}

func (r *Registry) publishPresence(ctx context.Context, status models.PresenceStatus) error {
	payload := models.HeartbeatPayload{
		SchemaVersion: models.SchemaVersion,
		UserID:        r.cfg.UserID,
		DeviceID:      r.cfg.DeviceID,
		Status:        status,
		Source:        r.cfg.Source,
		SentAtMS:      time.Now().UnixMilli(),
		Seq:           r.nextSeq(),
		TTLMS:         r.cfg.PresenceTTL.Milliseconds(),
	}

	if r.publishOverride != nil {
		return r.publishOverride(ctx, payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := r.transport.Publish(ctx, r.presenceChannel, PresenceEvent, data); err != nil {
		return err
	}

	if r.ingest != nil {
		err := r.ingest.PostHeartbeat(ctx, payload)
		switch {
		case errors.Is(err, ErrStaleHeartbeat):
			// Routine during catch-up after reconnects; a newer beat is
			// already stored.
			r.logger.Debug("heartbeat superseded", zap.Uint64("seq", payload.Seq))
		case err != nil:
			return fmt.Errorf("heartbeat ingestion: %w", err)
		}
	}
	return nil
}

// nextSeq issues a strictly increasing sequence anchored to wall-clock
// milliseconds so restarts cannot regress below previously sent values.
func (r *Registry) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := uint64(time.Now().UnixMilli())
	if now <= r.lastSeq {
		r.lastSeq++
	} else {
		r.lastSeq = now
	}
	return r.lastSeq
}
