package repositories

import (
	"context"
	"sync"

	"github.com/devmesh-labs/devmesh/internal/models"
)

// MemoryPresenceRepository is the in-process PresenceRepository used by unit
// tests. It copies records on the way in and out so callers never alias the
// stored state.
type MemoryPresenceRepository struct {
	mu      sync.RWMutex
	records map[string]map[string]models.PresenceRecord
}

func NewMemoryPresenceRepository() *MemoryPresenceRepository {
	return &MemoryPresenceRepository{
		records: make(map[string]map[string]models.PresenceRecord),
	}
}

func (r *MemoryPresenceRepository) Upsert(_ context.Context, record *models.PresenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.records[record.UserID]
	if !ok {
		devices = make(map[string]models.PresenceRecord)
		r.records[record.UserID] = devices
	}
	devices[record.DeviceID] = cloneRecord(*record)
	return nil
}

func (r *MemoryPresenceRepository) Get(_ context.Context, userID, deviceID string) (*models.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[userID][deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(record)
	return &out, nil
}

func (r *MemoryPresenceRepository) ListByUser(_ context.Context, userID string) ([]*models.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var records []*models.PresenceRecord
	for _, record := range r.records[userID] {
		out := cloneRecord(record)
		records = append(records, &out)
	}
	return records, nil
}

func cloneRecord(record models.PresenceRecord) models.PresenceRecord {
	if record.LastOfflineMS != nil {
		ms := *record.LastOfflineMS
		record.LastOfflineMS = &ms
	}
	return record
}
