package presence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devmesh-labs/devmesh/internal/auth"
	"github.com/devmesh-labs/devmesh/internal/httpx"
	"github.com/devmesh-labs/devmesh/internal/models"
	"github.com/devmesh-labs/devmesh/internal/repositories"
)

const handlerTestSecret = "handler-test-secret"

type handlerFixture struct {
	store  *Store
	tokens *auth.Service
	server *httptest.Server
}

func newHandlerFixture(t *testing.T, production bool) *handlerFixture {
	t.Helper()
	store := NewStore(repositories.NewMemoryPresenceRepository(), nil, zaptest.NewLogger(t))
	t.Cleanup(store.Close)

	tokens := auth.NewService(handlerTestSecret)
	handler := NewHandler(store, tokens, nil, production, zaptest.NewLogger(t))
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &handlerFixture{store: store, tokens: tokens, server: server}
}

func (f *handlerFixture) deviceToken(t *testing.T, userID, deviceID string) string {
	t.Helper()
	token, err := f.tokens.IssueDeviceToken(userID, deviceID, "Laptop", 0)
	require.NoError(t, err)
	return token
}

func (f *handlerFixture) postHeartbeat(t *testing.T, token string, payload models.HeartbeatPayload) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/heartbeat", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeErrorBody(t *testing.T, resp *http.Response) httpx.ErrorBody {
	t.Helper()
	defer resp.Body.Close()
	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHandlerHeartbeatAccepted(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	token := fixture.deviceToken(t, "user-1", "device-a")

	resp := fixture.postHeartbeat(t, token, heartbeat("user-1", "device-a", models.StatusOnline, 1, 90000))
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	state, err := fixture.store.Debug(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, state.Records, 1)
	assert.Equal(t, models.StatusOnline, state.Records[0].Status)
}

func TestHandlerHeartbeatNormalizesCasedIdentity(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	token := fixture.deviceToken(t, "User-1", "Device-A")

	// Token and payload disagree only in case; both normalize to the same ids.
	resp := fixture.postHeartbeat(t, token, heartbeat("USER-1", "DEVICE-A", models.StatusOnline, 1, 90000))
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHandlerHeartbeatRequiresToken(t *testing.T) {
	fixture := newHandlerFixture(t, false)

	resp := fixture.postHeartbeat(t, "", heartbeat("user-1", "device-a", models.StatusOnline, 1, 90000))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", decodeErrorBody(t, resp).Code)
}

func TestHandlerHeartbeatRejectsStreamToken(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	streamToken, err := fixture.tokens.IssueStreamToken("user-1", time.Hour)
	require.NoError(t, err)

	resp := fixture.postHeartbeat(t, streamToken, heartbeat("user-1", "device-a", models.StatusOnline, 1, 90000))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", decodeErrorBody(t, resp).Code)
}

func TestHandlerHeartbeatRejectsIdentityMismatch(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	token := fixture.deviceToken(t, "user-1", "device-a")

	resp := fixture.postHeartbeat(t, token, heartbeat("user-2", "device-a", models.StatusOnline, 1, 90000))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "identity_mismatch", decodeErrorBody(t, resp).Code)

	state, err := fixture.store.Debug(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Empty(t, state.Records, "a rejected heartbeat must not be stored")
}

func TestHandlerHeartbeatRejectsMalformedBody(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	token := fixture.deviceToken(t, "user-1", "device-a")

	req, err := http.NewRequest(http.MethodPost, fixture.server.URL+"/heartbeat", strings.NewReader("not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_body", decodeErrorBody(t, resp).Code)
}

func TestHandlerHeartbeatRejectsInvalidPayload(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	token := fixture.deviceToken(t, "user-1", "device-a")

	payload := heartbeat("user-1", "device-a", models.StatusOnline, 1, 90000)
	payload.Seq = 0

	resp := fixture.postHeartbeat(t, token, payload)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_payload", decodeErrorBody(t, resp).Code)
}

func TestHandlerHeartbeatConflictOnStaleSequence(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	token := fixture.deviceToken(t, "user-1", "device-a")

	resp := fixture.postHeartbeat(t, token, heartbeat("user-1", "device-a", models.StatusOnline, 5, 90000))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = fixture.postHeartbeat(t, token, heartbeat("user-1", "device-a", models.StatusOnline, 5, 90000))

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_sequence", decodeErrorBody(t, resp).Code)
}

func TestHandlerStreamRequiresUserID(t *testing.T) {
	fixture := newHandlerFixture(t, false)

	resp, err := http.Get(fixture.server.URL + "/stream")
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_user_id", decodeErrorBody(t, resp).Code)
}

func TestHandlerStreamRejectsInvalidToken(t *testing.T) {
	fixture := newHandlerFixture(t, false)

	resp, err := http.Get(fixture.server.URL + "/stream?user_id=user-1&token=garbage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", decodeErrorBody(t, resp).Code)

	// A valid token for a different user is rejected the same way.
	otherToken, err := fixture.tokens.IssueStreamToken("user-2", time.Hour)
	require.NoError(t, err)
	resp, err = http.Get(fixture.server.URL + "/stream?user_id=user-1&token=" + otherToken)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// A device token never opens a stream.
	deviceToken := fixture.deviceToken(t, "user-1", "device-a")
	resp, err = http.Get(fixture.server.URL + "/stream?user_id=user-1&token=" + deviceToken)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

// readSSEEvent consumes one "event:"/"data:" pair, skipping keepalive comments.
func readSSEEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHandlerStreamSnapshotThenUpdates(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	ctx := context.Background()

	require.NoError(t, fixture.store.Ingest(ctx, heartbeat("user-1", "device-a", models.StatusOnline, 1, 90000)))

	streamToken, err := fixture.tokens.IssueStreamToken("user-1", time.Hour)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/stream?user_id=user-1&token=%s", fixture.server.URL, streamToken))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	event, data := readSSEEvent(t, reader)
	assert.Equal(t, "snapshot", event)
	var snapshot []models.PresenceRecord
	require.NoError(t, json.Unmarshal([]byte(data), &snapshot))
	require.Len(t, snapshot, 1)
	assert.Equal(t, "device-a", snapshot[0].DeviceID)

	require.NoError(t, fixture.store.Ingest(ctx, heartbeat("user-1", "device-b", models.StatusOnline, 1, 90000)))

	event, data = readSSEEvent(t, reader)
	assert.Equal(t, "presence", event)
	var update models.PresenceRecord
	require.NoError(t, json.Unmarshal([]byte(data), &update))
	assert.Equal(t, "device-b", update.DeviceID)
}

func TestHandlerDebugDisabledInProduction(t *testing.T) {
	fixture := newHandlerFixture(t, true)

	resp, err := http.Get(fixture.server.URL + "/debug?user_id=user-1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "debug_disabled", decodeErrorBody(t, resp).Code)
}

func TestHandlerDebugReportsState(t *testing.T) {
	fixture := newHandlerFixture(t, false)
	require.NoError(t, fixture.store.Ingest(context.Background(), heartbeat("user-1", "device-a", models.StatusOnline, 1, 90000)))

	resp, err := http.Get(fixture.server.URL + "/debug?user_id=user-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state DebugState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "user-1", state.UserID)
	require.Len(t, state.Records, 1)
	assert.Equal(t, uint64(1), state.Records[0].Seq)
	assert.NotZero(t, state.NextWakeAtMS)
}
