package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devmesh-labs/devmesh/internal/models"
)

// PostgresDeviceRepository backs the device registry.
//
// Expected schema:
//
//	CREATE TABLE devices (
//	    id           TEXT PRIMARY KEY,
//	    user_id      TEXT NOT NULL,
//	    name         TEXT NOT NULL DEFAULT '',
//	    platform     TEXT NOT NULL DEFAULT '',
//	    last_seen_at TIMESTAMPTZ,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX devices_user_id_idx ON devices (user_id);
type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

// Touch upserts the device and stamps last_seen_at. An empty name never
// overwrites a previously recorded one.
func (r *PostgresDeviceRepository) Touch(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (id, user_id, name, platform, last_seen_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          ON CONFLICT (id) DO UPDATE
	          SET user_id      = EXCLUDED.user_id,
	              name         = COALESCE(NULLIF(EXCLUDED.name, ''), devices.name),
	              platform     = COALESCE(NULLIF(EXCLUDED.platform, ''), devices.platform),
	              last_seen_at = NOW(),
	              updated_at   = NOW()
	          RETURNING name, platform, last_seen_at, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.Name,
		device.Platform,
	).Scan(&device.Name, &device.Platform, &device.LastSeenAt, &device.CreatedAt, &device.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT id, user_id, name, platform, last_seen_at, created_at, updated_at
	          FROM devices
	          WHERE id = $1`

	var device models.Device
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.UserID,
		&device.Name,
		&device.Platform,
		&device.LastSeenAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	query := `SELECT id, user_id, name, platform, last_seen_at, created_at, updated_at
	          FROM devices
	          WHERE user_id = $1
	          ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var device models.Device
		err := rows.Scan(
			&device.ID,
			&device.UserID,
			&device.Name,
			&device.Platform,
			&device.LastSeenAt,
			&device.CreatedAt,
			&device.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}
