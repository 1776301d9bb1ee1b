package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

const brokerTokenOp = "token.device.v1"

type brokerRequest struct {
	Op         string `json:"op"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

type brokerResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// TokenBrokerClient fetches device tokens from a local broker daemon over a
// Unix socket, for hosts where credentials are not provisioned by env.
type TokenBrokerClient struct {
	socketPath string
}

func NewTokenBrokerClient(socketPath string) *TokenBrokerClient {
	return &TokenBrokerClient{socketPath: socketPath}
}

// FetchDeviceToken performs one request/response exchange. The device name
// rides along so the broker can embed it in the minted token. The write side
// is half-closed after the request so the broker sees EOF and can answer with
// a single JSON object.
func (c *TokenBrokerClient) FetchDeviceToken(ctx context.Context, deviceID, deviceName string) (string, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return "", fmt.Errorf("dial token broker: %w", err)
	}
	defer netConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			return "", fmt.Errorf("set broker deadline: %w", err)
		}
	}

	req, err := json.Marshal(brokerRequest{Op: brokerTokenOp, DeviceID: deviceID, DeviceName: deviceName})
	if err != nil {
		return "", fmt.Errorf("encode broker request: %w", err)
	}
	if _, err := netConn.Write(append(req, '\n')); err != nil {
		return "", fmt.Errorf("write broker request: %w", err)
	}
	if uc, ok := netConn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return "", fmt.Errorf("half-close broker socket: %w", err)
		}
	}

	raw, err := io.ReadAll(netConn)
	if err != nil {
		return "", fmt.Errorf("read broker response: %w", err)
	}

	var resp brokerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode broker response: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "broker refused request"
		}
		return "", fmt.Errorf("token broker: %s", resp.Error)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("token broker returned empty token")
	}
	return resp.Token, nil
}
