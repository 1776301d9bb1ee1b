package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/devmesh-labs/devmesh/internal/models"
)

const (
	presenceRecordKey = "presence:%s:%s"
	presenceIndexKey  = "presence:%s:devices"
)

// RedisPresenceRepository stores one JSON record per (user, device) plus a
// per-user index set of device ids. Records carry no redis TTL: staleness is
// the store's wake-up timer's job, and offline records must survive to keep
// the monotonic sequence check intact.
type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client}
}

func (r *RedisPresenceRepository) Upsert(ctx context.Context, record *models.PresenceRecord) error {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	key := fmt.Sprintf(presenceRecordKey, record.UserID, record.DeviceID)
	if err := r.client.Set(ctx, key, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set presence record: %w", err)
	}

	indexKey := fmt.Sprintf(presenceIndexKey, record.UserID)
	if err := r.client.SAdd(ctx, indexKey, record.DeviceID).Err(); err != nil {
		return fmt.Errorf("failed to index presence record: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Get(ctx context.Context, userID, deviceID string) (*models.PresenceRecord, error) {
	key := fmt.Sprintf(presenceRecordKey, userID, deviceID)

	jsonData, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence record: %w", err)
	}

	var record models.PresenceRecord
	if err := json.Unmarshal([]byte(jsonData), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &record, nil
}

func (r *RedisPresenceRepository) ListByUser(ctx context.Context, userID string) ([]*models.PresenceRecord, error) {
	indexKey := fmt.Sprintf(presenceIndexKey, userID)
	deviceIDs, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user devices: %w", err)
	}

	var records []*models.PresenceRecord
	var danglingIDs []interface{}

	for _, deviceID := range deviceIDs {
		record, err := r.Get(ctx, userID, deviceID)
		if err == ErrNotFound {
			// Index entry without a record, e.g. after a manual flush.
			danglingIDs = append(danglingIDs, deviceID)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if len(danglingIDs) > 0 {
		if err := r.client.SRem(ctx, indexKey, danglingIDs...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune presence index: %w", err)
		}
	}
	return records, nil
}
