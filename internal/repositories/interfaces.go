package repositories

import (
	"context"
	"errors"

	"github.com/devmesh-labs/devmesh/internal/models"
)

var ErrNotFound = errors.New("not found")

// PresenceRepository persists presence records durably. Records are keyed by
// (userID, deviceID) and are only ever superseded, never deleted; offline
// transitions are state changes, not removals.
type PresenceRepository interface {
	Upsert(ctx context.Context, record *models.PresenceRecord) error
	Get(ctx context.Context, userID, deviceID string) (*models.PresenceRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*models.PresenceRecord, error)
}

// DeviceRepository is the relational device registry the relay touches on
// every successful AUTH.
type DeviceRepository interface {
	Touch(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Device, error)
}
