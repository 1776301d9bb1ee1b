// Command bridge is the local daemon other processes on this device talk to
// over a Unix socket. It forwards channel publishes, maintains subscriptions
// across reconnects and emits the device presence heartbeat.
//
// Usage:
//
//	bridge --user-id <user_id> --device-id <device_id>
//
// Flags override USER_ID, DEVICE_ID and BRIDGE_SOCKET from the environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/bridge"
	"github.com/devmesh-labs/devmesh/internal/config"
	"github.com/devmesh-labs/devmesh/internal/logging"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.String("socket", "", "Unix socket path (overrides BRIDGE_SOCKET)")
	userID := flag.String("user-id", "", "User ID (overrides USER_ID)")
	deviceID := flag.String("device-id", "", "Device ID (overrides DEVICE_ID)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridge version %s\n", version)
		return nil
	}

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.ValidateBridge(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New("bridge", cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting bridge",
		zap.String("version", version),
		zap.String("user_id", cfg.UserID),
		zap.String("device_id", cfg.DeviceID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	transport, err := bridge.NewRedisTransport(ctx, cfg.RedisURL, cfg.PublishTimeout, logger.Named("transport"))
	if err != nil {
		return fmt.Errorf("failed to connect channel transport: %w", err)
	}

	ingest, err := buildIngestClient(ctx, cfg, logger.Named("ingest"))
	if err != nil {
		return err
	}

	registry := bridge.NewRegistry(transport, ingest, bridge.RegistryConfig{
		UserID:            cfg.UserID,
		DeviceID:          cfg.DeviceID,
		Source:            "bridge",
		HeartbeatInterval: cfg.HeartbeatInterval,
		PresenceTTL:       cfg.PresenceTTL,
		OpTimeout:         cfg.PublishTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, logger.Named("registry"))
	if err := registry.Start(); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	defer registry.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("failed ensuring socket directory: %w", err)
	}
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.SocketPath, err)
	}
	// Local clients authenticate by being the same user; nobody else gets the
	// socket.
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		return fmt.Errorf("failed restricting socket permissions: %w", err)
	}

	server := bridge.NewServer(registry, bridge.ServerConfig{
		MaxFrameBytes:  cfg.MaxFrameBytes,
		PublishTimeout: cfg.PublishTimeout,
	}, logger.Named("server"))
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	logger.Info("bridge ready", zap.String("socket", cfg.SocketPath))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("socket server failed: %w", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// buildIngestClient resolves the heartbeat ingestion credential: DEVICE_TOKEN
// when provisioned, otherwise a fetch from the local token broker. Returns
// nil when no ingest URL is configured.
func buildIngestClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*bridge.IngestClient, error) {
	if cfg.IngestURL == "" {
		return nil, nil
	}

	token := cfg.DeviceToken
	if token == "" {
		broker := bridge.NewTokenBrokerClient(cfg.BrokerSocketPath)
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		fetched, err := broker.FetchDeviceToken(fetchCtx, cfg.DeviceID, cfg.DeviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch device token from broker: %w", err)
		}
		token = fetched
		logger.Info("device token fetched from broker")
	}

	return bridge.NewIngestClient(cfg.IngestURL, token, logger), nil
}
