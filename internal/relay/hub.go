package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/models"
)

type memberEntry struct {
	participant models.SessionParticipant
	client      *client
}

type session struct {
	members map[string]*memberEntry
	order   []string
}

func (s *session) memberList() []models.SessionParticipant {
	out := make([]models.SessionParticipant, 0, len(s.order))
	for _, deviceID := range s.order {
		out = append(out, s.members[deviceID].participant)
	}
	return out
}

// Hub holds every session's membership. One mutex guards all sessions; the
// client send channels it touches never block, so the critical sections stay
// short.
type Hub struct {
	logger *zap.Logger

	mu          sync.RWMutex
	sessions    map[string]*session
	memberships map[*client]map[string]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:      logger,
		sessions:    make(map[string]*session),
		memberships: make(map[*client]map[string]struct{}),
	}
}

// Join adds c to a session, creating it on first use. A device already in
// the session has its role and permission re-asserted instead of gaining a
// second entry; rejoined reports which case occurred. The returned member
// list is in join order and includes the caller.
func (h *Hub) Join(sessionID string, c *client, p models.SessionParticipant) (members []models.SessionParticipant, rejoined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &session{members: make(map[string]*memberEntry)}
		h.sessions[sessionID] = sess
	}

	if entry, exists := sess.members[p.DeviceID]; exists {
		entry.participant.Role = p.Role
		entry.participant.Permission = p.Permission
		entry.participant.IsActive = true
		entry.client = c
		rejoined = true
	} else {
		sess.members[p.DeviceID] = &memberEntry{participant: p, client: c}
		sess.order = append(sess.order, p.DeviceID)
	}

	if h.memberships[c] == nil {
		h.memberships[c] = make(map[string]struct{})
	}
	h.memberships[c][sessionID] = struct{}{}

	return sess.memberList(), rejoined
}

// Leave removes c's device from a session. Returns false when the device was
// not a member.
func (h *Hub) Leave(sessionID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(sessionID, c)
}

func (h *Hub) leaveLocked(sessionID string, c *client) bool {
	sess, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	entry, ok := sess.members[c.deviceID]
	if !ok || entry.client != c {
		return false
	}

	delete(sess.members, c.deviceID)
	for i, id := range sess.order {
		if id == c.deviceID {
			sess.order = append(sess.order[:i], sess.order[i+1:]...)
			break
		}
	}
	if len(sess.members) == 0 {
		delete(h.sessions, sessionID)
	}

	if set := h.memberships[c]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.memberships, c)
		}
	}
	return true
}

// DropAll removes c from every session it joined and returns those session
// ids. After it returns no broadcast can reach c, so the caller may close
// the client's send channel.
func (h *Hub) DropAll(c *client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.memberships[c]
	if len(set) == 0 {
		delete(h.memberships, c)
		return nil
	}
	sessionIDs := make([]string, 0, len(set))
	for sessionID := range set {
		sessionIDs = append(sessionIDs, sessionID)
	}
	for _, sessionID := range sessionIDs {
		h.leaveLocked(sessionID, c)
	}
	return sessionIDs
}

// IsMember reports whether c's device currently belongs to the session.
func (h *Hub) IsMember(sessionID string, c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	entry, ok := sess.members[c.deviceID]
	return ok && entry.client == c
}

// Broadcast fans msg out to every session member except exclude. Device ids
// whose send queue rejected the message are returned so the caller can
// surface delivery failures.
func (h *Hub) Broadcast(sessionID string, msg Message, exclude *client) (failed []string) {
	data, err := encodeMessage(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.String("type", msg.Type), zap.Error(err))
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	for _, deviceID := range sess.order {
		entry := sess.members[deviceID]
		if entry.client == exclude {
			continue
		}
		if !entry.client.trySend(data) {
			failed = append(failed, deviceID)
		}
	}
	return failed
}
