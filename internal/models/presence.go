package models

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the heartbeat payload schema this build understands.
const SchemaVersion = 1

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// PresenceRecord is the per-device liveness state owned by the presence store.
// Seq is strictly increasing per device; a record is never deleted, only
// superseded in place.
type PresenceRecord struct {
	SchemaVersion   int            `json:"schema_version"`
	UserID          string         `json:"user_id"`
	DeviceID        string         `json:"device_id"`
	Status          PresenceStatus `json:"status"`
	Source          string         `json:"source"`
	SentAtMS        int64          `json:"sent_at_ms"`
	Seq             uint64         `json:"seq"`
	TTLMS           int64          `json:"ttl_ms"`
	LastHeartbeatMS int64          `json:"last_heartbeat_ms"`
	LastOfflineMS   *int64         `json:"last_offline_ms,omitempty"`
	UpdatedAtMS     int64          `json:"updated_at_ms"`
}

// ExpiresAtMS is the instant this record goes stale absent a newer heartbeat.
func (r *PresenceRecord) ExpiresAtMS() int64 {
	return r.LastHeartbeatMS + r.TTLMS
}

// HeartbeatPayload is the wire form of one device heartbeat, posted to the
// ingestion endpoint and published on the presence channel.
type HeartbeatPayload struct {
	SchemaVersion int            `json:"schema_version"`
	UserID        string         `json:"user_id"`
	DeviceID      string         `json:"device_id"`
	Status        PresenceStatus `json:"status"`
	Source        string         `json:"source"`
	SentAtMS      int64          `json:"sent_at_ms"`
	Seq           uint64         `json:"seq"`
	TTLMS         int64          `json:"ttl_ms"`
}

func (p *HeartbeatPayload) Validate() error {
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", p.SchemaVersion)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("status must be %q or %q", StatusOnline, StatusOffline)
	}
	if strings.TrimSpace(p.Source) == "" {
		return errors.New("source is required")
	}
	if p.SentAtMS <= 0 {
		return errors.New("sent_at_ms must be positive")
	}
	if p.Seq == 0 {
		return errors.New("seq must be positive")
	}
	if p.TTLMS <= 0 {
		return errors.New("ttl_ms must be positive")
	}
	return nil
}

// NormalizeID canonicalizes user and device identifiers for comparison.
// Identifiers arrive from tokens, payloads and flags with inconsistent
// casing; every store key and equality check goes through this.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
