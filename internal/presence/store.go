package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/metrics"
	"github.com/devmesh-labs/devmesh/internal/models"
	"github.com/devmesh-labs/devmesh/internal/repositories"
)

// ErrStaleSequence reports a heartbeat whose seq does not advance the stored
// record. Nothing is mutated in that case.
var ErrStaleSequence = errors.New("heartbeat sequence is not newer than stored")

const (
	streamBufferSize = 16
	wakePersistBound = 5 * time.Second
)

// Store tracks presence records grouped by user. Each user's state belongs to
// one actor; mutations for a user serialize on that actor while different
// users proceed independently.
type Store struct {
	repo    repositories.PresenceRepository
	metrics *metrics.PresenceMetrics
	logger  *zap.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu     sync.Mutex
	actors map[string]*userActor
}

func NewStore(repo repositories.PresenceRepository, m *metrics.PresenceMetrics, logger *zap.Logger) *Store {
	return &Store{
		repo:    repo,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		actors:  make(map[string]*userActor),
	}
}

// Ingest applies one heartbeat. Identifiers are normalized before lookup, so
// differently cased ids address the same record.
func (s *Store) Ingest(ctx context.Context, hb models.HeartbeatPayload) error {
	hb.UserID = models.NormalizeID(hb.UserID)
	hb.DeviceID = models.NormalizeID(hb.DeviceID)
	return s.actor(hb.UserID).ingest(ctx, hb)
}

// Subscribe registers a live stream for a user. It returns a snapshot of all
// known records together with the update channel; both are produced under the
// actor lock, so no update between them is lost or duplicated. The cancel
// func unregisters the stream and is safe to call more than once.
func (s *Store) Subscribe(ctx context.Context, userID string) ([]models.PresenceRecord, <-chan models.PresenceRecord, func(), error) {
	return s.actor(models.NormalizeID(userID)).subscribe(ctx)
}

// DebugState is the introspection view served on the debug endpoint.
type DebugState struct {
	UserID       string                  `json:"user_id"`
	Records      []models.PresenceRecord `json:"records"`
	Streams      int                     `json:"streams"`
	Wakeups      uint64                  `json:"wakeups"`
	NextWakeAtMS int64                   `json:"next_wake_at_ms,omitempty"`
}

func (s *Store) Debug(ctx context.Context, userID string) (DebugState, error) {
	return s.actor(models.NormalizeID(userID)).debug(ctx)
}

// Close stops every wake-up timer and closes all subscriber streams.
func (s *Store) Close() {
	s.mu.Lock()
	actors := make([]*userActor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.shutdown()
	}
}

func (s *Store) actor(userID string) *userActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[userID]; ok {
		return a
	}
	a := &userActor{
		store:   s,
		userID:  userID,
		records: make(map[string]models.PresenceRecord),
		streams: make(map[string]chan models.PresenceRecord),
	}
	a.timer = newWakeupTimer(a.onWake)
	s.actors[userID] = a
	return a
}

type userActor struct {
	store  *Store
	userID string

	mu       sync.Mutex
	hydrated bool
	records  map[string]models.PresenceRecord
	streams  map[string]chan models.PresenceRecord
	timer    *wakeupTimer
	wakeups  uint64
}

func (a *userActor) ingest(ctx context.Context, hb models.HeartbeatPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.hydrateLocked(ctx); err != nil {
		return err
	}

	prev, exists := a.records[hb.DeviceID]
	if exists && hb.Seq <= prev.Seq {
		return ErrStaleSequence
	}

	now := a.store.now().UnixMilli()
	record := models.PresenceRecord{
		SchemaVersion:   hb.SchemaVersion,
		UserID:          hb.UserID,
		DeviceID:        hb.DeviceID,
		Status:          hb.Status,
		Source:          hb.Source,
		SentAtMS:        hb.SentAtMS,
		Seq:             hb.Seq,
		TTLMS:           hb.TTLMS,
		LastHeartbeatMS: now,
		UpdatedAtMS:     now,
	}
	if exists {
		record.LastOfflineMS = prev.LastOfflineMS
	}
	if hb.Status == models.StatusOffline {
		offlineAt := now
		record.LastOfflineMS = &offlineAt
	}

	if err := a.store.repo.Upsert(ctx, &record); err != nil {
		return fmt.Errorf("persist presence record: %w", err)
	}
	a.records[hb.DeviceID] = record
	a.broadcastLocked(record)
	a.rescheduleLocked()
	return nil
}

func (a *userActor) subscribe(ctx context.Context) ([]models.PresenceRecord, <-chan models.PresenceRecord, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.hydrateLocked(ctx); err != nil {
		return nil, nil, nil, err
	}

	snapshot := a.snapshotLocked()
	id := uuid.New().String()
	ch := make(chan models.PresenceRecord, streamBufferSize)
	a.streams[id] = ch
	a.store.metrics.StreamOpened()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.dropStreamLocked(id)
	}
	return snapshot, ch, cancel, nil
}

func (a *userActor) debug(ctx context.Context) (DebugState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.hydrateLocked(ctx); err != nil {
		return DebugState{}, err
	}
	state := DebugState{
		UserID:  a.userID,
		Records: a.snapshotLocked(),
		Streams: len(a.streams),
		Wakeups: a.wakeups,
	}
	if at := a.timer.ScheduledAt(); !at.IsZero() {
		state.NextWakeAtMS = at.UnixMilli()
	}
	return state, nil
}

func (a *userActor) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer.Stop()
	for id := range a.streams {
		a.dropStreamLocked(id)
	}
}

// hydrateLocked loads the user's records from the repository on first touch.
// After a restart this also recomputes the wake-up schedule, so devices that
// expired while the service was down transition promptly.
func (a *userActor) hydrateLocked(ctx context.Context) error {
	if a.hydrated {
		return nil
	}
	records, err := a.store.repo.ListByUser(ctx, a.userID)
	if err != nil {
		return fmt.Errorf("hydrate presence for %s: %w", a.userID, err)
	}
	for _, r := range records {
		a.records[r.DeviceID] = *r
	}
	a.hydrated = true
	a.rescheduleLocked()
	return nil
}

// onWake transitions every expired online device to offline. Fires on the
// timer goroutine.
func (a *userActor) onWake() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wakeups++
	a.store.metrics.Wakeup()

	ctx, cancel := context.WithTimeout(context.Background(), wakePersistBound)
	defer cancel()

	now := a.store.now().UnixMilli()
	for deviceID, r := range a.records {
		if r.Status != models.StatusOnline || r.ExpiresAtMS() > now {
			continue
		}
		offlineAt := now
		r.Status = models.StatusOffline
		r.LastOfflineMS = &offlineAt
		r.UpdatedAtMS = now
		if err := a.store.repo.Upsert(ctx, &r); err != nil {
			// The in-memory transition still applies; the next heartbeat
			// rewrites the stored record.
			a.store.logger.Warn("failed to persist expiry transition",
				zap.String("user_id", a.userID),
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		a.records[deviceID] = r
		a.broadcastLocked(r)
	}
	a.rescheduleLocked()
}

// rescheduleLocked points the wake-up timer at the earliest expiry among
// online devices, or clears it when none remain.
func (a *userActor) rescheduleLocked() {
	var earliest int64
	for _, r := range a.records {
		if r.Status != models.StatusOnline {
			continue
		}
		if exp := r.ExpiresAtMS(); earliest == 0 || exp < earliest {
			earliest = exp
		}
	}
	if earliest == 0 {
		a.timer.Stop()
		return
	}
	a.timer.Reschedule(time.UnixMilli(earliest))
}

// broadcastLocked fans one record out to every stream. A stream that cannot
// keep up is unregistered and closed; the client reconnects for a fresh
// snapshot.
func (a *userActor) broadcastLocked(record models.PresenceRecord) {
	for id, ch := range a.streams {
		select {
		case ch <- record:
		default:
			a.store.logger.Warn("unregistering slow presence stream",
				zap.String("user_id", a.userID),
				zap.String("stream_id", id),
			)
			a.dropStreamLocked(id)
		}
	}
}

func (a *userActor) dropStreamLocked(id string) {
	ch, ok := a.streams[id]
	if !ok {
		return
	}
	delete(a.streams, id)
	close(ch)
	a.store.metrics.StreamClosed()
}

func (a *userActor) snapshotLocked() []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
