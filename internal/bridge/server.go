package bridge

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/protocol"
)

const (
	outboundQueueSize = 256
	deliveryQueueSize = 64
)

// serverRegistry is the slice of the registry the frame server needs.
type serverRegistry interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
	PublishWithAck(ctx context.Context, channel, event string, payload []byte) error
	SetObject(ctx context.Context, channel, key string, value []byte) error
	Subscribe(id, channel, event string, out chan<- Delivery) error
	Unsubscribe(id string) bool
}

// ServerConfig bounds frame size and the default timeout applied to publish
// requests that do not carry their own.
type ServerConfig struct {
	MaxFrameBytes  int
	PublishTimeout time.Duration
}

// Server accepts local clients on a Unix socket and speaks the line-delimited
// frame protocol with each of them. All channel operations are forwarded to
// the registry.
type Server struct {
	registry serverRegistry
	cfg      ServerConfig
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

func NewServer(registry serverRegistry, cfg ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}
}

// Serve accepts connections until the listener is closed. It always returns a
// non-nil error; after Close that error is net.ErrClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	for {
		netConn, err := l.Accept()
		if err != nil {
			return err
		}
		c := s.newConn(netConn)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			netConn.Close()
			return net.ErrClosed
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			c.readLoop()
			s.removeConn(c)
		}()
	}
}

// Close stops accepting, tears down every live connection and waits for their
// loops to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) removeConn(c *conn) {
	c.close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type subEntry struct {
	registryID string
	ch         chan Delivery
	done       chan struct{}
}

// conn is one local client. A single writer goroutine drains outbound, so
// frame writes never interleave; acks enqueue blocking to preserve their
// ordering while message frames drop when the queue is full.
type conn struct {
	id      string
	netConn net.Conn
	server  *Server
	logger  *zap.Logger

	outbound chan []byte
	done     chan struct{}

	mu   sync.Mutex
	subs map[string]*subEntry

	closeOnce sync.Once
}

func (s *Server) newConn(netConn net.Conn) *conn {
	id := uuid.New().String()
	return &conn{
		id:       id,
		netConn:  netConn,
		server:   s,
		logger:   s.logger.With(zap.String("conn_id", id)),
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
		subs:     make(map[string]*subEntry),
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case frame := <-c.outbound:
			if _, err := c.netConn.Write(frame); err != nil {
				c.logger.Debug("write failed, dropping connection", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) readLoop() {
	scanner := protocol.NewFrameScanner(c.netConn, c.server.cfg.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleFrame(line)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.logger.Warn("frame exceeds size limit, closing connection",
				zap.Int("max_frame_bytes", c.server.cfg.MaxFrameBytes),
			)
		} else if !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("read failed", zap.Error(err))
		}
	}
}

// close tears down the connection and releases every subscription it owns.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := make([]*subEntry, 0, len(c.subs))
		for _, entry := range c.subs {
			subs = append(subs, entry)
		}
		c.subs = make(map[string]*subEntry)
		c.mu.Unlock()

		for _, entry := range subs {
			c.server.registry.Unsubscribe(entry.registryID)
			close(entry.done)
		}

		close(c.done)
		c.netConn.Close()
	})
}

func (c *conn) handleFrame(line []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.sendAck("", fmt.Errorf("malformed frame: invalid JSON"))
		return
	}

	switch env.Op {
	case protocol.OpPublish, protocol.OpPublishAck:
		c.handlePublish(line, env)
	case protocol.OpObjectSet:
		c.handleObjectSet(line, env)
	case protocol.OpSubscribe:
		c.handleSubscribe(line, env)
	case protocol.OpUnsubscribe:
		c.handleUnsubscribe(line, env)
	default:
		c.sendAck(env.RequestID, fmt.Errorf("unknown op %q", env.Op))
	}
}

func (c *conn) handlePublish(line []byte, env protocol.Envelope) {
	var req protocol.PublishRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendAck(env.RequestID, fmt.Errorf("malformed %s frame", env.Op))
		return
	}
	if req.RequestID == "" {
		c.sendAck("", fmt.Errorf("request_id is required"))
		return
	}
	if req.Channel == "" || req.Event == "" {
		c.sendAck(req.RequestID, fmt.Errorf("channel and event are required"))
		return
	}
	payload, err := protocol.DecodePayload("payload_b64", req.PayloadB64)
	if err != nil {
		c.sendAck(req.RequestID, err)
		return
	}

	timeout := c.server.cfg.PublishTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if env.Op == protocol.OpPublishAck {
		err = c.server.registry.PublishWithAck(ctx, req.Channel, req.Event, payload)
	} else {
		err = c.server.registry.Publish(ctx, req.Channel, req.Event, payload)
	}
	c.sendAck(req.RequestID, err)
}

func (c *conn) handleObjectSet(line []byte, env protocol.Envelope) {
	var req protocol.ObjectSetRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendAck(env.RequestID, fmt.Errorf("malformed %s frame", env.Op))
		return
	}
	if req.RequestID == "" {
		c.sendAck("", fmt.Errorf("request_id is required"))
		return
	}
	if req.Channel == "" || req.Key == "" {
		c.sendAck(req.RequestID, fmt.Errorf("channel and key are required"))
		return
	}
	value, err := protocol.DecodePayload("value_b64", req.ValueB64)
	if err != nil {
		c.sendAck(req.RequestID, err)
		return
	}
	if !json.Valid(value) {
		c.sendAck(req.RequestID, fmt.Errorf("value must decode to valid JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.PublishTimeout)
	defer cancel()
	c.sendAck(req.RequestID, c.server.registry.SetObject(ctx, req.Channel, req.Key, value))
}

func (c *conn) handleSubscribe(line []byte, env protocol.Envelope) {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendAck(env.RequestID, fmt.Errorf("malformed %s frame", env.Op))
		return
	}
	if req.RequestID == "" {
		c.sendAck("", fmt.Errorf("request_id is required"))
		return
	}
	if req.SubscriptionID == "" || req.Channel == "" {
		c.sendAck(req.RequestID, fmt.Errorf("subscription_id and channel are required"))
		return
	}

	entry := &subEntry{
		registryID: c.id + ":" + req.SubscriptionID,
		ch:         make(chan Delivery, deliveryQueueSize),
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.subs[req.SubscriptionID]; exists {
		c.mu.Unlock()
		c.sendAck(req.RequestID, fmt.Errorf("subscription %s already exists", req.SubscriptionID))
		return
	}
	c.subs[req.SubscriptionID] = entry
	c.mu.Unlock()

	if err := c.server.registry.Subscribe(entry.registryID, req.Channel, req.Event, entry.ch); err != nil {
		c.mu.Lock()
		delete(c.subs, req.SubscriptionID)
		c.mu.Unlock()
		c.sendAck(req.RequestID, err)
		return
	}

	// The ack goes out before the pump starts, so no message frame for this
	// subscription can precede it.
	c.sendAck(req.RequestID, nil)
	go c.pumpSubscription(req.SubscriptionID, entry)
}

func (c *conn) handleUnsubscribe(line []byte, env protocol.Envelope) {
	var req protocol.UnsubscribeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendAck(env.RequestID, fmt.Errorf("malformed %s frame", env.Op))
		return
	}
	if req.RequestID == "" {
		c.sendAck("", fmt.Errorf("request_id is required"))
		return
	}
	if req.SubscriptionID == "" {
		c.sendAck(req.RequestID, fmt.Errorf("subscription_id is required"))
		return
	}

	c.mu.Lock()
	entry, ok := c.subs[req.SubscriptionID]
	if ok {
		delete(c.subs, req.SubscriptionID)
	}
	c.mu.Unlock()

	if !ok {
		c.sendAck(req.RequestID, fmt.Errorf("subscription %s not found", req.SubscriptionID))
		return
	}

	c.server.registry.Unsubscribe(entry.registryID)
	close(entry.done)
	c.sendAck(req.RequestID, nil)
}

// pumpSubscription forwards deliveries for one subscription as message
// frames until the subscription or the connection is torn down.
func (c *conn) pumpSubscription(localID string, entry *subEntry) {
	for {
		select {
		case delivery := <-entry.ch:
			frame, err := protocol.EncodeFrame(protocol.MessageFrame{
				Op:             protocol.OpMessage,
				SubscriptionID: localID,
				MessageID:      delivery.MessageID,
				Channel:        delivery.Channel,
				Event:          delivery.Event,
				PayloadB64:     base64.StdEncoding.EncodeToString(delivery.Payload),
				ReceivedAtMS:   delivery.ReceivedAtMS,
			})
			if err != nil {
				c.logger.Warn("failed to encode message frame", zap.Error(err))
				continue
			}
			select {
			case c.outbound <- frame:
			default:
				c.logger.Warn("outbound queue full, dropping message frame",
					zap.String("subscription_id", localID),
					zap.String("message_id", delivery.MessageID),
				)
			}
		case <-entry.done:
			return
		case <-c.done:
			return
		}
	}
}

// sendAck enqueues exactly one ack for a request. err == nil acks success;
// otherwise the error text travels to the client.
func (c *conn) sendAck(requestID string, err error) {
	ack := protocol.Ack{Op: protocol.OpAck, RequestID: requestID, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	frame, encErr := protocol.EncodeFrame(ack)
	if encErr != nil {
		c.logger.Error("failed to encode ack", zap.Error(encErr))
		return
	}
	select {
	case c.outbound <- frame:
	case <-c.done:
	}
}
