package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/models"
)

// ErrStaleHeartbeat reports that the presence service rejected a heartbeat
// because a newer sequence was already stored. Harmless during catch-up after
// clock skew or replays.
var ErrStaleHeartbeat = errors.New("heartbeat rejected as stale")

const ingestBodyLimit = 4096

// IngestClient posts heartbeats to the presence service in addition to the
// channel publish, so presence survives even when no peer is subscribed.
type IngestClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewIngestClient(baseURL, token string, logger *zap.Logger) *IngestClient {
	return &IngestClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// PostHeartbeat submits one heartbeat. A 409 maps to ErrStaleHeartbeat so
// callers can treat it as non-fatal.
func (c *IngestClient) PostHeartbeat(ctx context.Context, payload models.HeartbeatPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/presence/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return ErrStaleHeartbeat
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, ingestBodyLimit))
	return fmt.Errorf("heartbeat ingestion returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}
