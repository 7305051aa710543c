// Package session implements the realtime signaling hub: admission
// control with a waiting room, WebRTC signal relay, room-scoped fanout,
// and live transcription aggregation over WebSocket connections.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/auth"
	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
	"github.com/mymeet/signaling/internal/v1/ratelimit"
	"github.com/mymeet/signaling/internal/v1/store"
)

// TokenValidator authenticates the JWT presented during the WebSocket
// handshake. Production uses the Auth0 validator; tests and dev mode use
// a mock.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// MeetingStore is the slice of the meeting database the hub depends on.
// A nil MeetingStore runs the hub fully in-memory: rooms use default
// settings and nothing is mirrored out.
type MeetingStore interface {
	GetMeeting(ctx context.Context, roomID string) (*store.MeetingRecord, error)
	SaveTranscript(ctx context.Context, roomID string, entries []store.TranscriptEntry) error
	SaveRecordingStatus(ctx context.Context, roomID string, meta store.RecordingMeta) error
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
}

// connEntry records which user and room a live connection belongs to.
type connEntry struct {
	userID UserIdType
	roomID RoomIdType
}

// Hub is the central coordinator. It authenticates and upgrades incoming
// connections, routes them to rooms, and owns room lifecycle: creation on
// first contact, delayed cleanup when a room drains, immediate teardown
// when a meeting ends.
type Hub struct {
	rooms               map[RoomIdType]*Room
	conns               map[ConnIdType]connEntry
	mu                  sync.Mutex
	validator           TokenValidator
	store               MeetingStore
	rateLimiter         *ratelimit.RateLimiter
	pendingRoomCleanups map[RoomIdType]*time.Timer
	cleanupGracePeriod  time.Duration
	devMode             bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a Hub and starts its background sweeper, which expires
// stale join requests across all rooms. Call Shutdown to stop it.
func NewHub(validator TokenValidator, meetingStore MeetingStore, rateLimiter *ratelimit.RateLimiter, devMode bool) *Hub {
	h := &Hub{
		rooms:               make(map[RoomIdType]*Room),
		conns:               make(map[ConnIdType]connEntry),
		validator:           validator,
		store:               meetingStore,
		rateLimiter:         rateLimiter,
		pendingRoomCleanups: make(map[RoomIdType]*time.Timer),
		cleanupGracePeriod:  cleanupGracePeriod,
		devMode:             devMode,
		done:                make(chan struct{}),
	}

	go h.sweepLoop()
	return h
}

// sweepLoop periodically expires pending join requests that outlived
// their TTL. One sweeper serves all rooms.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweepRooms(time.Now())
		}
	}
}

// sweepRooms runs one expiry pass over a snapshot of the room registry.
func (h *Hub) sweepRooms(now time.Time) {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	expired := 0
	for _, r := range rooms {
		expired += r.sweepExpiredRequests(now)
	}
	if expired > 0 {
		logging.Info(context.Background(), "Expired stale join requests",
			zap.Int("count", expired),
		)
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection bound to the room in the path.
func (h *Hub) ServeWs(c *gin.Context) {
	// IP rate limit first, before any token work.
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(401, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(c.Request.Context(), tokenResult.Token)
	if err != nil {
		c.JSON(401, gin.H{"error": "invalid token"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(429, gin.H{"error": "too many connections"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(403, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection takes an established WebSocket connection and attaches
// it to its room, then starts the read and write pumps.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	roomID := RoomIdType(c.Param("roomId"))
	username := c.Query("username")

	ctx := logging.WithRoomID(context.Background(), string(roomID))

	client, room := h.setupClientConnection(ctx, &clientSetupParams{
		RoomID:   roomID,
		UserID:   UserIdType(claims.Subject),
		Username: username,
		Claims:   claims,
		DevMode:  h.devMode,
		Conn:     conn,
	})

	metrics.IncConnection()
	h.registerConn(client, roomID)

	ctx = logging.WithUserID(ctx, string(client.UserID))
	room.handleClientConnect(ctx, client)

	go client.writePump()
	go client.readPump()
}

// registerConn adds the connection to the hub's reverse index and arms the
// client's unregister hook. The hook runs from the read pump's teardown.
func (h *Hub) registerConn(client *Client, roomID RoomIdType) {
	h.mu.Lock()
	h.conns[client.ConnID] = connEntry{userID: client.UserID, roomID: roomID}
	h.mu.Unlock()

	client.unregister = func() {
		h.mu.Lock()
		delete(h.conns, client.ConnID)
		h.mu.Unlock()
	}
}

// scheduleRoomCleanup arms a delayed teardown for a drained room. The
// grace period lets a refreshing client reconnect without losing room
// state, such as the host identity and the deny list.
func (h *Hub) scheduleRoomCleanup(roomID RoomIdType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	h.pendingRoomCleanups[roomID] = time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.pendingRoomCleanups, roomID)

		// Double-check before deleting; a client may have reconnected
		// while the timer was pending.
		room, ok := h.rooms[roomID]
		if !ok {
			return
		}
		if !room.IsRemovable() {
			logging.Info(context.Background(), "Cancelled room cleanup, room is active",
				zap.String("roomId", string(roomID)),
			)
			return
		}

		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(roomID))
		logging.Info(context.Background(), "Removed room after grace period",
			zap.String("roomId", string(roomID)),
		)
	})
}

// dropRoom removes a room immediately. Rooms call this after a meeting
// ends or a handler panic poisons them; their state is already cleared.
func (h *Hub) dropRoom(roomID RoomIdType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingRoomCleanups[roomID]; ok {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	if _, ok := h.rooms[roomID]; !ok {
		return
	}
	delete(h.rooms, roomID)
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	logging.Info(context.Background(), "Room destroyed",
		zap.String("roomId", string(roomID)),
	)
}

// getOrCreateRoom returns the room for an id, creating it on first
// contact. Settings come from the meeting store when one is configured;
// lookup failures fall back to defaults rather than blocking the join.
func (h *Hub) getOrCreateRoom(ctx context.Context, roomID RoomIdType) *Room {
	h.mu.Lock()
	if room, ok := h.rooms[roomID]; ok {
		h.cancelPendingCleanupLocked(ctx, roomID)
		h.mu.Unlock()
		return room
	}
	h.mu.Unlock()

	// Store lookup happens outside the hub lock.
	settings := h.roomSettings(ctx, roomID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		h.cancelPendingCleanupLocked(ctx, roomID)
		return room
	}

	logging.Info(ctx, "Creating room",
		zap.String("roomId", string(roomID)),
		zap.Bool("waitingRoomEnabled", settings.WaitingRoomEnabled),
	)
	room := NewRoom(roomID, settings, h.store, h.scheduleRoomCleanup, h.dropRoom)
	h.rooms[roomID] = room
	metrics.ActiveRooms.Inc()
	return room
}

// cancelPendingCleanupLocked stops a grace-period timer when a connection
// arrives for a room that was about to be removed.
func (h *Hub) cancelPendingCleanupLocked(ctx context.Context, roomID RoomIdType) {
	timer, ok := h.pendingRoomCleanups[roomID]
	if !ok {
		return
	}
	timer.Stop()
	delete(h.pendingRoomCleanups, roomID)
	logging.Info(ctx, "Cancelled pending room cleanup due to reconnection",
		zap.String("roomId", string(roomID)),
	)
}

// roomSettings resolves room settings from the meeting store, defaulting
// to a waiting room when no store or no record exists.
func (h *Hub) roomSettings(ctx context.Context, roomID RoomIdType) RoomSettings {
	settings := defaultRoomSettings()
	if h.store == nil {
		return settings
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	record, err := h.store.GetMeeting(lookupCtx, string(roomID))
	if err != nil {
		logging.Warn(ctx, "Meeting lookup failed, using default room settings",
			zap.String("roomId", string(roomID)),
			zap.Error(err),
		)
		return settings
	}
	if record != nil {
		settings.WaitingRoomEnabled = record.WaitingRoomEnabled
	}
	return settings
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ConnectionCount returns the number of live connections across rooms.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown stops the sweeper, cancels pending cleanups, and closes every
// room. Members receive meeting-ended before their sockets close.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close(ctx, "server shutdown")
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
