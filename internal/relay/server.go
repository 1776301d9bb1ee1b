package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/auth"
	"github.com/devmesh-labs/devmesh/internal/metrics"
	"github.com/devmesh-labs/devmesh/internal/models"
	"github.com/devmesh-labs/devmesh/internal/repositories"
)

const registryTimeout = 5 * time.Second

// Server owns the relay WebSocket endpoint. Each connection must AUTH with a
// device token before any session command is honored.
type Server struct {
	hub     *Hub
	tokens  *auth.Service
	devices repositories.DeviceRepository
	metrics *metrics.RelayMetrics
	logger  *zap.Logger

	upgrader websocket.Upgrader
}

// NewServer wires the relay. devices may be nil when no registry is
// configured; AUTH then skips the registry touch.
func NewServer(hub *Hub, tokens *auth.Service, devices repositories.DeviceRepository, m *metrics.RelayMetrics, logger *zap.Logger) *Server {
	return &Server{
		hub:     hub,
		tokens:  tokens,
		devices: devices,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Device clients are native processes, not browsers; they send
			// no Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.New().String(), conn)
	s.metrics.ConnectionOpened()

	go c.writePump()
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.teardown(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("relay read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendMessage(c, errorMessage(CodeInvalidMessage, "message must be a JSON envelope"))
			continue
		}
		s.handleMessage(c, msg)
	}
}

// teardown removes the client from every session, broadcasts the leaves and
// releases the connection. The send channel closes only after DropAll, when
// no broadcast can reach this client anymore.
func (s *Server) teardown(c *client) {
	sessionIDs := s.hub.DropAll(c)
	for _, sessionID := range sessionIDs {
		s.hub.Broadcast(sessionID, newEvent(TypeMemberLeft, sessionID, MemberLeftPayload{DeviceID: c.deviceID}), nil)
	}

	close(c.done)
	close(c.send)
	c.conn.Close()
	s.metrics.ConnectionClosed()

	if c.authenticated {
		s.logger.Info("relay connection closed",
			zap.String("device_id", c.deviceID),
			zap.Int("sessions_left", len(sessionIDs)),
		)
	}
}

func (s *Server) handleMessage(c *client, msg Message) {
	s.metrics.Command(commandLabel(msg.Type))

	switch msg.Type {
	case TypeAuth:
		s.handleAuth(c, msg)
	case TypeSubscribe:
		s.handleSubscribe(c, msg)
	case TypeUnsubscribe:
		s.handleUnsubscribe(c, msg)
	case TypeHeartbeat:
		s.handleHeartbeat(c)
	case TypeSessionMessage:
		s.handleSessionMessage(c, msg)
	default:
		s.sendMessage(c, errorMessage(CodeUnknownCommand, fmt.Sprintf("unknown command %q", msg.Type)))
	}
}

func (s *Server) handleAuth(c *client, msg Message) {
	if c.authenticated {
		s.sendMessage(c, errorMessage(CodeInvalidMessage, "connection is already authenticated"))
		return
	}

	var payload AuthPayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &payload) != nil || payload.DeviceToken == "" {
		s.sendMessage(c, authResultMessage(false, "auth payload must carry deviceToken"))
		return
	}

	claims, err := s.tokens.VerifyDeviceToken(payload.DeviceToken)
	if err != nil {
		s.sendMessage(c, authResultMessage(false, "invalid device token"))
		return
	}
	if payload.DeviceID != "" && models.NormalizeID(payload.DeviceID) != claims.DeviceID {
		s.sendMessage(c, authResultMessage(false, "deviceId does not match token"))
		return
	}

	c.authenticated = true
	c.userID = claims.UserID
	c.deviceID = claims.DeviceID
	c.deviceName = claims.DeviceName
	if c.deviceName == "" {
		c.deviceName = payload.DeviceName
	}

	s.touchDevice(c)
	s.sendMessage(c, authResultMessage(true, ""))
	s.logger.Info("relay connection authenticated",
		zap.String("user_id", c.userID),
		zap.String("device_id", c.deviceID),
	)
}

// touchDevice upserts the device row and backfills the display name from the
// registry when the token carried none. Registry failures are logged, never
// fatal to the connection.
func (s *Server) touchDevice(c *client) {
	if s.devices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	device := models.Device{ID: c.deviceID, UserID: c.userID, Name: c.deviceName}
	if err := s.devices.Touch(ctx, &device); err != nil {
		s.logger.Warn("failed to update device registry",
			zap.String("device_id", c.deviceID),
			zap.Error(err),
		)
		return
	}
	if c.deviceName == "" {
		c.deviceName = device.Name
	}
}

func (s *Server) handleSubscribe(c *client, msg Message) {
	if !s.requireAuth(c) {
		return
	}
	if msg.SessionID == "" {
		s.sendMessage(c, errorMessage(CodeInvalidMessage, "sessionId is required"))
		return
	}

	var payload SubscribePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.sendMessage(c, errorMessage(CodeInvalidMessage, "subscribe payload is not valid JSON"))
			return
		}
	}
	if payload.Role == "" {
		payload.Role = models.RoleViewer
	}
	if payload.Permission == "" {
		payload.Permission = models.PermissionViewOnly
	}
	if !payload.Role.Valid() || !payload.Permission.Valid() {
		s.sendMessage(c, errorMessage(CodeInvalidMessage, "unknown role or permission"))
		return
	}

	participant := models.SessionParticipant{
		DeviceID:   c.deviceID,
		DeviceName: c.deviceName,
		Role:       payload.Role,
		Permission: payload.Permission,
		JoinedAt:   time.Now().UTC(),
		IsActive:   true,
	}

	members, rejoined := s.hub.Join(msg.SessionID, c, participant)
	s.sendMessage(c, newEvent(TypeSubscribed, msg.SessionID, MembersPayload{Members: members}))

	if !rejoined {
		s.hub.Broadcast(msg.SessionID, newEvent(TypeMemberJoined, msg.SessionID, participant), c)
		s.logger.Info("device joined session",
			zap.String("session_id", msg.SessionID),
			zap.String("device_id", c.deviceID),
			zap.Int("members", len(members)),
		)
	}
}

func (s *Server) handleUnsubscribe(c *client, msg Message) {
	if !s.requireAuth(c) {
		return
	}
	if msg.SessionID == "" {
		s.sendMessage(c, errorMessage(CodeInvalidMessage, "sessionId is required"))
		return
	}

	if !s.hub.Leave(msg.SessionID, c) {
		s.sendMessage(c, errorMessage(CodeNotInSession, fmt.Sprintf("not a member of session %s", msg.SessionID)))
		return
	}

	s.sendMessage(c, newEvent(TypeUnsubscribed, msg.SessionID, nil))
	s.hub.Broadcast(msg.SessionID, newEvent(TypeMemberLeft, msg.SessionID, MemberLeftPayload{DeviceID: c.deviceID}), c)
	s.logger.Info("device left session",
		zap.String("session_id", msg.SessionID),
		zap.String("device_id", c.deviceID),
	)
}

func (s *Server) handleHeartbeat(c *client) {
	if !s.requireAuth(c) {
		return
	}
	s.sendMessage(c, newMessage(TypeHeartbeatAck))
}

// handleSessionMessage relays the payload verbatim to every other member.
// Each recipient whose queue rejected the message earns the sender one
// DELIVERY_FAILED event.
func (s *Server) handleSessionMessage(c *client, msg Message) {
	if !s.requireAuth(c) {
		return
	}
	if msg.SessionID == "" || len(msg.Payload) == 0 {
		s.sendMessage(c, errorMessage(CodeInvalidMessage, "sessionId and payload are required"))
		return
	}
	if !s.hub.IsMember(msg.SessionID, c) {
		s.sendMessage(c, errorMessage(CodeNotInSession, fmt.Sprintf("not a member of session %s", msg.SessionID)))
		return
	}

	relayed := newMessage(TypeSessionMessage)
	relayed.SessionID = msg.SessionID
	relayed.Payload = msg.Payload

	failed := s.hub.Broadcast(msg.SessionID, relayed, c)
	for _, deviceID := range failed {
		s.metrics.DeliveryFailure()
		s.sendMessage(c, newEvent(TypeDeliveryFailed, msg.SessionID, DeliveryFailedPayload{
			Reason:   "recipient queue full",
			DeviceID: deviceID,
		}))
	}
}

func (s *Server) requireAuth(c *client) bool {
	if c.authenticated {
		return true
	}
	s.sendMessage(c, errorMessage(CodeNotAuthenticated, "authenticate before session commands"))
	return false
}

// sendMessage enqueues one message for the client. A queue that cannot take
// it means the peer stopped draining; the connection is closed so the pumps
// unwind.
func (s *Server) sendMessage(c *client, msg Message) {
	data, err := encodeMessage(msg)
	if err != nil {
		s.logger.Error("failed to encode relay message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.conn.Close()
	}
}

func commandLabel(msgType string) string {
	switch msgType {
	case TypeAuth, TypeSubscribe, TypeUnsubscribe, TypeHeartbeat, TypeSessionMessage:
		return msgType
	}
	return "UNKNOWN"
}
