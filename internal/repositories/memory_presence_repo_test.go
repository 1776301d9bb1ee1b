package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh-labs/devmesh/internal/models"
)

// TestMemoryPresenceRepository_RoundTrip tests basic storage plus the
// not-found path
func TestMemoryPresenceRepository_RoundTrip(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	record := testPresenceRecord("user-1", "device-a", models.StatusOnline, 5)
	require.NoError(t, repo.Upsert(ctx, record))

	retrieved, err := repo.Get(ctx, "user-1", "device-a")
	require.NoError(t, err)
	assert.Equal(t, record, retrieved)

	_, err = repo.Get(ctx, "user-1", "device-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := repo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// TestMemoryPresenceRepository_CopiesOnReadAndWrite tests that callers can
// never mutate stored state through records they passed in or got back, the
// LastOfflineMS pointer included
func TestMemoryPresenceRepository_CopiesOnReadAndWrite(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	lastOffline := int64(1000)
	record := testPresenceRecord("user-1", "device-a", models.StatusOnline, 5)
	record.LastOfflineMS = &lastOffline
	require.NoError(t, repo.Upsert(ctx, record))

	// ACT: Mutate the record the caller still holds
	record.Seq = 99
	*record.LastOfflineMS = 2000

	// ASSERT: The stored copy is untouched
	stored, err := repo.Get(ctx, "user-1", "device-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stored.Seq)
	require.NotNil(t, stored.LastOfflineMS)
	assert.Equal(t, int64(1000), *stored.LastOfflineMS)

	// ACT: Mutate a record handed out by Get
	stored.Seq = 42
	*stored.LastOfflineMS = 3000

	// ASSERT: A fresh read still sees the original values
	again, err := repo.Get(ctx, "user-1", "device-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), again.Seq)
	assert.Equal(t, int64(1000), *again.LastOfflineMS)
}
