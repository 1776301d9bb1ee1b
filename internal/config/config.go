package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries settings for all three binaries. Load never requires fields;
// each binary validates the subset it actually needs.
type Config struct {
	Environment string
	LogLevel    string

	ServerPort string
	RelayPort  string

	DatabaseURL string
	RedisURL    string

	JWTSecret      string
	StreamTokenTTL time.Duration

	SocketPath        string
	MaxFrameBytes     int
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
	ShutdownTimeout   time.Duration
	PresenceTTL       time.Duration

	IngestURL        string
	DeviceToken      string
	BrokerSocketPath string

	UserID     string
	DeviceID   string
	DeviceName string
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		RelayPort:   getEnv("RELAY_PORT", "8081"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		SocketPath:  getEnv("BRIDGE_SOCKET", "/tmp/devmesh-bridge.sock"),

		IngestURL:        os.Getenv("PRESENCE_INGEST_URL"),
		DeviceToken:      os.Getenv("DEVICE_TOKEN"),
		BrokerSocketPath: os.Getenv("BROKER_SOCKET"),

		UserID:     os.Getenv("USER_ID"),
		DeviceID:   os.Getenv("DEVICE_ID"),
		DeviceName: os.Getenv("DEVICE_NAME"),
	}

	var err error
	if cfg.MaxFrameBytes, err = getEnvInt("BRIDGE_MAX_FRAME_BYTES", 2<<20); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout, err = getEnvDuration("PUBLISH_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.PresenceTTL, err = getEnvDuration("PRESENCE_TTL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StreamTokenTTL, err = getEnvDuration("STREAM_TOKEN_TTL", time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction gates surfaces that must never be reachable in production,
// such as the presence debug endpoint.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ValidatePresence checks the fields the presence service needs.
func (c *Config) ValidatePresence() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// ValidateRelay checks the fields the session relay needs.
func (c *Config) ValidateRelay() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// ValidateBridge checks the fields the local bridge daemon needs.
func (c *Config) ValidateBridge() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.SocketPath == "" {
		return errors.New("BRIDGE_SOCKET is required")
	}
	if c.UserID == "" {
		return errors.New("USER_ID is required")
	}
	if c.DeviceID == "" {
		return errors.New("DEVICE_ID is required")
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("BRIDGE_MAX_FRAME_BYTES must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if c.PresenceTTL < c.HeartbeatInterval {
		return errors.New("PRESENCE_TTL must be at least HEARTBEAT_INTERVAL")
	}
	if c.IngestURL != "" && c.DeviceToken == "" && c.BrokerSocketPath == "" {
		return errors.New("PRESENCE_INGEST_URL requires DEVICE_TOKEN or BROKER_SOCKET")
	}
	return nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
