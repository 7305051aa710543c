package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
	"github.com/mymeet/signaling/internal/v1/store"
)

// Room is the authoritative state for one meeting. Every field is guarded
// by mu; handlers run their critical sections under it, so events for one
// room are serialized while distinct rooms proceed in parallel.
//
// Two maps track connections. clients holds every live socket attached to
// the room, including guests still waiting for admission. participants is
// the admitted subset that takes part in signaling and fanout.
type Room struct {
	ID RoomIdType

	mu        sync.RWMutex
	createdAt time.Time
	settings  RoomSettings

	// hostUserID never changes after the first join request claims the
	// room. hostConnID tracks the host's current socket and may be stale
	// while the host is reconnecting.
	hostUserID UserIdType
	hostConnID ConnIdType

	// meetingStartTime is the RFC3339 instant the host published. Set
	// once; later writes are ignored.
	meetingStartTime string

	clients      map[ConnIdType]*Client
	participants map[ConnIdType]*Client

	approvedUsers   set.Set[UserIdType]
	deniedUsers     map[UserIdType]DenyRecord
	pendingRequests map[UserIdType]*PendingRequest
	// pendingOrder preserves queue positions; pendingRequests alone is
	// unordered.
	pendingOrder []UserIdType

	transcriptLog  []TranscriptEntry
	transcriptSeen map[string]struct{}
	interimByUser  map[UserIdType]InterimEntry

	// poisoned is set when a handler panics or the meeting ends. A
	// poisoned room drops all further frames.
	poisoned bool

	store MeetingStore

	// onEmpty asks the hub to schedule teardown after a grace period.
	// onEnded asks for immediate removal (end-meeting, poison).
	onEmpty func(RoomIdType)
	onEnded func(RoomIdType)
}

// NewRoom constructs an empty room. The first join request claims it and
// becomes host.
func NewRoom(id RoomIdType, settings RoomSettings, st MeetingStore, onEmpty, onEnded func(RoomIdType)) *Room {
	return &Room{
		ID:              id,
		createdAt:       time.Now(),
		settings:        settings,
		clients:         make(map[ConnIdType]*Client),
		participants:    make(map[ConnIdType]*Client),
		approvedUsers:   set.New[UserIdType](),
		deniedUsers:     make(map[UserIdType]DenyRecord),
		pendingRequests: make(map[UserIdType]*PendingRequest),
		transcriptSeen:  make(map[string]struct{}),
		interimByUser:   make(map[UserIdType]InterimEntry),
		store:           st,
		onEmpty:         onEmpty,
		onEnded:         onEnded,
	}
}

// router dispatches one frame to its handler. A panic in any handler
// poisons the room: remaining members get meeting-ended and the room is
// torn down, leaving other rooms untouched.
func (r *Room) router(ctx context.Context, client *Client, msg Message) {
	if r.isPoisoned() {
		return
	}

	ctx = logging.WithRoomID(ctx, string(r.ID))
	start := time.Now()
	status := "ok"

	defer func() {
		if rec := recover(); rec != nil {
			status = "panic"
			logging.Error(ctx, "Handler panicked, poisoning room",
				zap.String("event", string(msg.Event)),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			r.poison(ctx)
		}
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), status).Inc()
	}()

	switch msg.Event {
	case EventRequestJoinRoom:
		r.handleRequestJoin(ctx, client, msg)
	case EventUpdateWaitingSocket:
		r.handleUpdateWaitingSocket(ctx, client, msg)
	case EventApproveJoinRequest:
		r.handleApprove(ctx, client, msg)
	case EventDenyJoinRequest:
		r.handleDeny(ctx, client, msg)
	case EventAdmitAllWaiting:
		r.handleAdmitAll(ctx, client, msg)
	case EventJoinRoom:
		r.handleJoinRoom(ctx, client, msg)
	case EventLeaveRoom:
		r.handleLeaveRoom(ctx, client, msg)
	case EventEndMeeting:
		r.handleEndMeeting(ctx, client, msg)
	case EventOffer, EventAnswer, EventIceCandidate, EventRequestRenegotiation:
		r.handleSignal(ctx, client, msg)
	case EventToggleMedia:
		r.handleToggleMedia(ctx, client, msg)
	case EventRecordingStatus:
		r.handleRecordingStatus(ctx, client, msg)
	case EventSendMessage:
		r.handleChatMessage(ctx, client, msg)
	case EventTranscriptionEntry:
		r.handleTranscriptionEntry(ctx, client, msg)
	case EventTranscriptionInterim:
		r.handleTranscriptionInterim(ctx, client, msg)
	case EventRequestTranscription:
		r.handleTranscriptionHistory(ctx, client, msg)
	case EventSetMeetingStartTime:
		r.handleSetMeetingStartTime(ctx, client, msg)
	case EventGetMeetingStartTime:
		r.handleGetMeetingStartTime(ctx, client, msg)
	default:
		status = "unknown"
		logging.Warn(ctx, "Unknown event type",
			zap.String("event", string(msg.Event)),
			zap.String("connId", string(client.ConnID)),
		)
	}
}

// handleClientConnect attaches an authenticated connection to the room.
// The connection starts in the waiting role; admission and join-room move
// it forward.
func (r *Room) handleClientConnect(ctx context.Context, client *Client) {
	r.mu.Lock()
	r.clients[client.ConnID] = client
	total := len(r.clients)
	r.mu.Unlock()

	logging.Info(ctx, "Client connected",
		zap.String("connId", string(client.ConnID)),
		zap.String("userId", string(client.UserID)),
		zap.Int("roomConnections", total),
	)
}

// handleClientDisconnect is invoked exactly once per connection, from the
// connection's own read pump. A pending join request left behind keeps its
// queue slot with a cleared conn id so the guest can reattach after a
// reconnect.
func (r *Room) handleClientDisconnect(client *Client) {
	ctx := logging.WithRoomID(context.Background(), string(r.ID))

	r.mu.Lock()
	if _, ok := r.clients[client.ConnID]; !ok {
		// Already detached, e.g. the room was destroyed.
		r.mu.Unlock()
		return
	}
	delete(r.clients, client.ConnID)

	if pending, ok := r.pendingRequests[client.UserID]; ok && pending.ConnID == client.ConnID {
		pending.ConnID = ""
	}

	r.removeParticipantLocked(ctx, client)
	empty := r.removableLocked()
	r.mu.Unlock()

	logging.Info(ctx, "Client disconnected",
		zap.String("connId", string(client.ConnID)),
		zap.String("userId", string(client.UserID)),
	)

	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// isPoisoned reports whether the room stopped accepting frames.
func (r *Room) isPoisoned() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.poisoned
}

// removableLocked reports whether nothing keeps the room alive: no
// admitted participants, no queued join requests, no attached sockets.
func (r *Room) removableLocked() bool {
	return len(r.participants) == 0 && len(r.pendingRequests) == 0 && len(r.clients) == 0
}

// IsRemovable reports whether the room can be torn down. Used by the hub
// when a cleanup grace period elapses.
func (r *Room) IsRemovable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.poisoned || r.removableLocked()
}

// poison destroys the room after a handler panic.
func (r *Room) poison(ctx context.Context) {
	r.mu.Lock()
	if r.poisoned {
		r.mu.Unlock()
		return
	}
	targets, transcript := r.endMeetingLocked(ctx, "internal error")
	r.mu.Unlock()

	r.finishDestroy(ctx, targets, transcript)
}

// Close ends the meeting from outside the event loop, e.g. on server
// shutdown. Members receive meeting-ended with the given reason.
func (r *Room) Close(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.poisoned {
		r.mu.Unlock()
		return
	}
	targets, transcript := r.endMeetingLocked(ctx, reason)
	r.mu.Unlock()

	r.finishDestroy(ctx, targets, transcript)
}

// endMeetingLocked broadcasts meeting-ended to every attached socket,
// including waiting guests and pending requesters, then clears all state.
// Callers must hold r.mu and pass the returned snapshots to finishDestroy
// after releasing it.
func (r *Room) endMeetingLocked(ctx context.Context, reason string) ([]*Client, []TranscriptEntry) {
	r.poisoned = true

	payload := MeetingEndedPayload{RoomID: r.ID, Reason: reason}
	r.broadcastAllLocked(ctx, EventMeetingEnded, payload, "")

	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	transcript := r.transcriptLog

	r.clients = make(map[ConnIdType]*Client)
	r.participants = make(map[ConnIdType]*Client)
	r.approvedUsers = set.New[UserIdType]()
	r.deniedUsers = make(map[UserIdType]DenyRecord)
	r.pendingRequests = make(map[UserIdType]*PendingRequest)
	r.pendingOrder = nil
	r.transcriptLog = nil
	r.transcriptSeen = make(map[string]struct{})
	r.interimByUser = make(map[UserIdType]InterimEntry)
	r.hostConnID = ""

	metrics.RoomParticipants.DeleteLabelValues(string(r.ID))

	return targets, transcript
}

// finishDestroy completes a teardown outside the room lock: closes the
// remaining sockets, hands the transcript to the store, and tells the hub
// to drop the room.
func (r *Room) finishDestroy(ctx context.Context, targets []*Client, transcript []TranscriptEntry) {
	for _, c := range targets {
		c.Disconnect()
	}

	if r.store != nil && len(transcript) > 0 {
		go r.persistTranscript(ctx, transcript)
	}

	if r.onEnded != nil {
		r.onEnded(r.ID)
	}
}

// persistTranscript snapshots the final transcript into the meeting store.
// Best effort; the authoritative copy is POSTed by the host client.
func (r *Room) persistTranscript(ctx context.Context, transcript []TranscriptEntry) {
	entries := make([]store.TranscriptEntry, 0, len(transcript))
	for _, e := range transcript {
		entries = append(entries, store.TranscriptEntry{
			EntryID:            e.EntryID,
			UserID:             string(e.UserID),
			DisplayName:        string(e.DisplayName),
			Text:               e.Text,
			Timestamp:          e.Timestamp,
			SecondsIntoMeeting: e.SecondsIntoMeeting,
			Confidence:         e.Confidence,
		})
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveTranscript(saveCtx, string(r.ID), entries); err != nil {
		logging.Warn(ctx, "Failed to persist transcript snapshot",
			zap.Int("entries", len(entries)),
			zap.Error(err),
		)
	}
}

// checkRoomRef validates the room id a frame asserts against the room the
// connection is actually bound to.
func (r *Room) checkRoomRef(ctx context.Context, client *Client, roomID RoomIdType) bool {
	if roomID == "" || roomID == r.ID {
		return true
	}
	client.sendError(ctx, errCodeUnknownRoom, fmt.Sprintf("unknown room %q", string(roomID)))
	return false
}

// frameWithinLimit enforces the per-message size cap on signaling and
// transcription frames.
func (r *Room) frameWithinLimit(ctx context.Context, client *Client, msg Message) bool {
	if len(msg.Payload) <= maxSignalBytes {
		return true
	}
	logging.Warn(ctx, "Dropping oversized frame",
		zap.String("event", string(msg.Event)),
		zap.String("connId", string(client.ConnID)),
		zap.Int("bytes", len(msg.Payload)),
	)
	client.sendError(ctx, errCodePayloadTooLarge, fmt.Sprintf("%s payload exceeds %d byte limit", string(msg.Event), maxSignalBytes))
	return false
}

// HostUserID returns the immutable owner of the room, or empty if the room
// is still unclaimed.
func (r *Room) HostUserID() UserIdType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostUserID
}

// ParticipantCount returns the number of admitted participants.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// PendingCount returns the number of queued join requests.
func (r *Room) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pendingRequests)
}
