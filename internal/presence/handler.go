package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/devmesh-labs/devmesh/internal/auth"
	"github.com/devmesh-labs/devmesh/internal/httpx"
	"github.com/devmesh-labs/devmesh/internal/metrics"
	"github.com/devmesh-labs/devmesh/internal/models"
)

const (
	heartbeatRateLimit = 120
	keepaliveInterval  = 15 * time.Second
)

// Handler serves the presence HTTP surface: heartbeat ingestion, the live
// SSE stream and the non-production debug view.
type Handler struct {
	store      *Store
	tokens     *auth.Service
	metrics    *metrics.PresenceMetrics
	logger     *zap.Logger
	production bool
}

func NewHandler(store *Store, tokens *auth.Service, m *metrics.PresenceMetrics, production bool, logger *zap.Logger) *Handler {
	return &Handler{
		store:      store,
		tokens:     tokens,
		metrics:    m,
		logger:     logger,
		production: production,
	}
}

// Routes returns the subrouter mounted at /v1/presence.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httprate.LimitByIP(heartbeatRateLimit, time.Minute)).Post("/heartbeat", h.handleHeartbeat)
	r.Get("/stream", h.handleStream)
	r.Get("/debug", h.handleDebug)
	return r
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, err := h.deviceClaims(r)
	if err != nil {
		h.metrics.Heartbeat("unauthorized")
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "missing or invalid device token")
		return
	}

	var payload models.HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.metrics.Heartbeat("invalid")
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", "request body must be a heartbeat JSON object")
		return
	}
	if err := payload.Validate(); err != nil {
		h.metrics.Heartbeat("invalid")
		httpx.WriteError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	// The token decides identity; the payload must agree with it.
	if models.NormalizeID(payload.UserID) != claims.UserID ||
		models.NormalizeID(payload.DeviceID) != claims.DeviceID {
		h.metrics.Heartbeat("unauthorized")
		httpx.WriteError(w, http.StatusUnauthorized, "identity_mismatch", "token does not match heartbeat identity")
		return
	}

	if err := h.store.Ingest(r.Context(), payload); err != nil {
		if errors.Is(err, ErrStaleSequence) {
			h.metrics.Heartbeat("stale")
			httpx.WriteError(w, http.StatusConflict, "stale_sequence", "a newer heartbeat is already stored")
			return
		}
		h.metrics.Heartbeat("error")
		h.logger.Error("heartbeat ingestion failed",
			zap.String("user_id", claims.UserID),
			zap.String("device_id", claims.DeviceID),
			zap.Error(err),
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to store heartbeat")
		return
	}

	h.metrics.Heartbeat("accepted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := models.NormalizeID(r.URL.Query().Get("user_id"))
	if userID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_user_id", "user_id query parameter is required")
		return
	}

	tokenString := bearerToken(r)
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	subject, err := h.tokens.VerifyStreamToken(tokenString)
	if err != nil || subject != userID {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "missing or invalid stream token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	snapshot, updates, cancel, err := h.store.Subscribe(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to open presence stream", zap.String("user_id", userID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to open presence stream")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", snapshot); err != nil {
		return
	}
	flusher.Flush()
	h.logger.Debug("presence stream opened", zap.String("user_id", userID))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case record, open := <-updates:
			if !open {
				return
			}
			if err := writeSSE(w, "presence", record); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request) {
	if h.production {
		httpx.WriteError(w, http.StatusForbidden, "debug_disabled", "debug endpoint is disabled")
		return
	}

	userID := models.NormalizeID(r.URL.Query().Get("user_id"))
	if userID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_user_id", "user_id query parameter is required")
		return
	}

	state, err := h.store.Debug(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to read debug state", zap.String("user_id", userID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to read presence state")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, state)
}

func (h *Handler) deviceClaims(r *http.Request) (*auth.DeviceClaims, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return nil, auth.ErrInvalidToken
	}
	return h.tokens.VerifyDeviceToken(tokenString)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
