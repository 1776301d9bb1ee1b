package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devmesh-labs/devmesh/internal/auth"
	"github.com/devmesh-labs/devmesh/internal/models"
	"github.com/devmesh-labs/devmesh/internal/repositories"
)

type fakeDeviceRepository struct {
	mu      sync.Mutex
	touched []models.Device
}

func (f *fakeDeviceRepository) Touch(_ context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, *device)
	return nil
}

func (f *fakeDeviceRepository) GetByID(context.Context, string) (*models.Device, error) {
	return nil, repositories.ErrNotFound
}

func (f *fakeDeviceRepository) ListByUser(context.Context, string) ([]*models.Device, error) {
	return nil, nil
}

func (f *fakeDeviceRepository) snapshot() []models.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Device, len(f.touched))
	copy(out, f.touched)
	return out
}

type relayFixture struct {
	tokens  *auth.Service
	devices *fakeDeviceRepository
	server  *httptest.Server
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	tokens := auth.NewService("relay-test-secret")
	devices := &fakeDeviceRepository{}
	relay := NewServer(hub, tokens, devices, nil, zaptest.NewLogger(t))

	server := httptest.NewServer(http.HandlerFunc(relay.HandleWS))
	t.Cleanup(server.Close)

	return &relayFixture{tokens: tokens, devices: devices, server: server}
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func (f *relayFixture) authedConn(t *testing.T, userID, deviceID string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)

	token, err := f.tokens.IssueDeviceToken(userID, deviceID, deviceID+" name", 0)
	require.NoError(t, err)
	sendMsg(t, conn, Message{Type: TypeAuth, Payload: mustPayload(t, AuthPayload{DeviceToken: token})})

	result := recvMsg(t, conn)
	require.Equal(t, TypeAuthResult, result.Type)
	require.NotNil(t, result.Success)
	require.True(t, *result.Success)
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func recvMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func errorCode(t *testing.T, msg Message) string {
	t.Helper()
	require.Equal(t, TypeError, msg.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload.Code
}

// expectSilence asserts no frame arrives within the grace window. It consumes
// the connection's read state, so it must be the last read on that conn.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "expected silence, got a frame or a hard error: %v", err)
}

func subscribe(t *testing.T, conn *websocket.Conn, sessionID string) MembersPayload {
	t.Helper()
	sendMsg(t, conn, Message{Type: TypeSubscribe, SessionID: sessionID})
	msg := recvMsg(t, conn)
	require.Equal(t, TypeSubscribed, msg.Type)
	require.Equal(t, sessionID, msg.SessionID)
	var members MembersPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &members))
	return members
}

func TestRelayAuthSuccess(t *testing.T) {
	fixture := newRelayFixture(t)

	conn := fixture.authedConn(t, "User-1", "Device-A")
	defer conn.Close()

	touched := fixture.devices.snapshot()
	require.Len(t, touched, 1)
	assert.Equal(t, "device-a", touched[0].ID, "registry rows use normalized ids")
	assert.Equal(t, "user-1", touched[0].UserID)
	assert.Equal(t, "Device-A name", touched[0].Name)
}

func TestRelayAuthInvalidToken(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.dial(t)

	sendMsg(t, conn, Message{Type: TypeAuth, Payload: mustPayload(t, AuthPayload{DeviceToken: "garbage"})})

	result := recvMsg(t, conn)
	require.Equal(t, TypeAuthResult, result.Type)
	require.NotNil(t, result.Success)
	assert.False(t, *result.Success)
	assert.Contains(t, result.Error, "invalid device token")
}

func TestRelayAuthRequiresToken(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.dial(t)

	sendMsg(t, conn, Message{Type: TypeAuth})

	result := recvMsg(t, conn)
	require.Equal(t, TypeAuthResult, result.Type)
	require.NotNil(t, result.Success)
	assert.False(t, *result.Success)
	assert.Contains(t, result.Error, "deviceToken")
}

func TestRelayAuthRejectsMismatchedDeviceID(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.dial(t)

	token, err := fixture.tokens.IssueDeviceToken("user-1", "device-a", "", 0)
	require.NoError(t, err)
	sendMsg(t, conn, Message{Type: TypeAuth, Payload: mustPayload(t, AuthPayload{
		DeviceToken: token,
		DeviceID:    "device-b",
	})})

	result := recvMsg(t, conn)
	require.NotNil(t, result.Success)
	assert.False(t, *result.Success)
	assert.Contains(t, result.Error, "does not match")
}

func TestRelayRepeatedAuthRejected(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-a")

	token, err := fixture.tokens.IssueDeviceToken("user-1", "device-a", "", 0)
	require.NoError(t, err)
	sendMsg(t, conn, Message{Type: TypeAuth, Payload: mustPayload(t, AuthPayload{DeviceToken: token})})

	msg := recvMsg(t, conn)
	assert.Equal(t, CodeInvalidMessage, errorCode(t, msg))
	assert.Contains(t, msg.Error, "already authenticated")
}

func TestRelayCommandsRequireAuth(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.dial(t)

	sendMsg(t, conn, Message{Type: TypeSubscribe, SessionID: "sess-1"})
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, recvMsg(t, conn)))

	sendMsg(t, conn, Message{Type: TypeHeartbeat})
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, recvMsg(t, conn)))

	sendMsg(t, conn, Message{Type: TypeSessionMessage, SessionID: "sess-1", Payload: mustPayload(t, map[string]string{"k": "v"})})
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, recvMsg(t, conn)))
}

func TestRelayUnknownCommand(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-a")

	sendMsg(t, conn, Message{Type: "TELEPORT"})

	msg := recvMsg(t, conn)
	assert.Equal(t, CodeUnknownCommand, errorCode(t, msg))
	assert.Contains(t, msg.Error, "TELEPORT")
}

func TestRelayMalformedFrameKeepsConnectionAlive(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, CodeInvalidMessage, errorCode(t, recvMsg(t, conn)))

	// The connection still accepts a proper AUTH afterwards.
	token, err := fixture.tokens.IssueDeviceToken("user-1", "device-a", "", 0)
	require.NoError(t, err)
	sendMsg(t, conn, Message{Type: TypeAuth, Payload: mustPayload(t, AuthPayload{DeviceToken: token})})
	result := recvMsg(t, conn)
	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)
}

func TestRelaySubscribeListsMembersInJoinOrder(t *testing.T) {
	fixture := newRelayFixture(t)

	connA := fixture.authedConn(t, "user-1", "device-a")
	members := subscribe(t, connA, "sess-1")
	require.Len(t, members.Members, 1, "the caller sees itself in the member list")
	assert.Equal(t, "device-a", members.Members[0].DeviceID)
	assert.Equal(t, models.RoleViewer, members.Members[0].Role, "role defaults to viewer")
	assert.Equal(t, models.PermissionViewOnly, members.Members[0].Permission)

	connB := fixture.authedConn(t, "user-1", "device-b")
	members = subscribe(t, connB, "sess-1")
	require.Len(t, members.Members, 2)
	assert.Equal(t, "device-a", members.Members[0].DeviceID)
	assert.Equal(t, "device-b", members.Members[1].DeviceID)

	// The earlier member hears about the join; the joiner itself does not.
	joined := recvMsg(t, connA)
	require.Equal(t, TypeMemberJoined, joined.Type)
	assert.Equal(t, "sess-1", joined.SessionID)
	var participant models.SessionParticipant
	require.NoError(t, json.Unmarshal(joined.Payload, &participant))
	assert.Equal(t, "device-b", participant.DeviceID)

	expectSilence(t, connB)
}

func TestRelaySubscribeRequiresSessionID(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-a")

	sendMsg(t, conn, Message{Type: TypeSubscribe})

	msg := recvMsg(t, conn)
	assert.Equal(t, CodeInvalidMessage, errorCode(t, msg))
	assert.Contains(t, msg.Error, "sessionId")
}

func TestRelaySubscribeRejectsUnknownRole(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-a")

	sendMsg(t, conn, Message{
		Type:      TypeSubscribe,
		SessionID: "sess-1",
		Payload:   mustPayload(t, map[string]string{"role": "pirate"}),
	})

	msg := recvMsg(t, conn)
	assert.Equal(t, CodeInvalidMessage, errorCode(t, msg))
	assert.Contains(t, msg.Error, "unknown role or permission")
}

func TestRelayRejoinUpdatesRoleWithoutBroadcast(t *testing.T) {
	fixture := newRelayFixture(t)

	connA := fixture.authedConn(t, "user-1", "device-a")
	subscribe(t, connA, "sess-1")
	connB := fixture.authedConn(t, "user-1", "device-b")
	subscribe(t, connB, "sess-1")
	require.Equal(t, TypeMemberJoined, recvMsg(t, connA).Type)

	// device-b re-subscribes with elevated role; membership must not grow.
	sendMsg(t, connB, Message{
		Type:      TypeSubscribe,
		SessionID: "sess-1",
		Payload:   mustPayload(t, SubscribePayload{Role: models.RoleController, Permission: models.PermissionInteract}),
	})
	msg := recvMsg(t, connB)
	require.Equal(t, TypeSubscribed, msg.Type)
	var members MembersPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &members))
	require.Len(t, members.Members, 2)
	assert.Equal(t, models.RoleController, members.Members[1].Role)
	assert.Equal(t, models.PermissionInteract, members.Members[1].Permission)

	// No second MEMBER_JOINED reaches the other member.
	expectSilence(t, connA)
}

func TestRelayUnsubscribe(t *testing.T) {
	fixture := newRelayFixture(t)

	connA := fixture.authedConn(t, "user-1", "device-a")
	subscribe(t, connA, "sess-1")
	connB := fixture.authedConn(t, "user-1", "device-b")
	subscribe(t, connB, "sess-1")
	require.Equal(t, TypeMemberJoined, recvMsg(t, connA).Type)

	sendMsg(t, connB, Message{Type: TypeUnsubscribe, SessionID: "sess-1"})

	msg := recvMsg(t, connB)
	assert.Equal(t, TypeUnsubscribed, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)

	left := recvMsg(t, connA)
	require.Equal(t, TypeMemberLeft, left.Type)
	var payload MemberLeftPayload
	require.NoError(t, json.Unmarshal(left.Payload, &payload))
	assert.Equal(t, "device-b", payload.DeviceID)

	// Leaving again reports non-membership.
	sendMsg(t, connB, Message{Type: TypeUnsubscribe, SessionID: "sess-1"})
	assert.Equal(t, CodeNotInSession, errorCode(t, recvMsg(t, connB)))
}

func TestRelayHeartbeatAck(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-a")

	sendMsg(t, conn, Message{Type: TypeHeartbeat})

	ack := recvMsg(t, conn)
	assert.Equal(t, TypeHeartbeatAck, ack.Type)
	_, err := time.Parse(time.RFC3339, ack.Timestamp)
	assert.NoError(t, err, "timestamps are RFC3339")
}

func TestRelaySessionMessageRelayedToOtherMembers(t *testing.T) {
	fixture := newRelayFixture(t)

	connA := fixture.authedConn(t, "user-1", "device-a")
	subscribe(t, connA, "sess-1")
	connB := fixture.authedConn(t, "user-1", "device-b")
	subscribe(t, connB, "sess-1")
	require.Equal(t, TypeMemberJoined, recvMsg(t, connA).Type)

	payload := json.RawMessage(`{"kind":"cursor","x":12,"y":7}`)
	sendMsg(t, connA, Message{Type: TypeSessionMessage, SessionID: "sess-1", Payload: payload})

	relayed := recvMsg(t, connB)
	require.Equal(t, TypeSessionMessage, relayed.Type)
	assert.Equal(t, "sess-1", relayed.SessionID)
	assert.JSONEq(t, string(payload), string(relayed.Payload), "the payload relays verbatim")
	assert.NotEmpty(t, relayed.Timestamp)

	// The sender gets no echo of its own message.
	expectSilence(t, connA)
}

func TestRelaySessionMessageRequiresMembership(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-c")

	sendMsg(t, conn, Message{
		Type:      TypeSessionMessage,
		SessionID: "sess-1",
		Payload:   mustPayload(t, map[string]string{"k": "v"}),
	})

	msg := recvMsg(t, conn)
	assert.Equal(t, CodeNotInSession, errorCode(t, msg))
}

func TestRelaySessionMessageRequiresPayload(t *testing.T) {
	fixture := newRelayFixture(t)
	conn := fixture.authedConn(t, "user-1", "device-a")
	subscribe(t, conn, "sess-1")

	sendMsg(t, conn, Message{Type: TypeSessionMessage, SessionID: "sess-1"})

	msg := recvMsg(t, conn)
	assert.Equal(t, CodeInvalidMessage, errorCode(t, msg))
}

func TestRelayDisconnectBroadcastsMemberLeft(t *testing.T) {
	fixture := newRelayFixture(t)

	connA := fixture.authedConn(t, "user-1", "device-a")
	subscribe(t, connA, "sess-1")
	connB := fixture.authedConn(t, "user-1", "device-b")
	subscribe(t, connB, "sess-1")
	require.Equal(t, TypeMemberJoined, recvMsg(t, connA).Type)

	require.NoError(t, connB.Close())

	left := recvMsg(t, connA)
	require.Equal(t, TypeMemberLeft, left.Type)
	var payload MemberLeftPayload
	require.NoError(t, json.Unmarshal(left.Payload, &payload))
	assert.Equal(t, "device-b", payload.DeviceID)
}
