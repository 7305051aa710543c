package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/store"
)

// Fanout handlers: media session membership, device toggles, recording
// state and ephemeral chat. Broadcasts run under the room lock so every
// recipient observes the same ordering.

// handleJoinRoom enters an approved user into the media session. A rejoin
// on a fresh socket supersedes the old one, which peers learn about via a
// user-disconnected hint.
func (r *Room) handleJoinRoom(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[JoinRoomPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	name := client.DisplayName
	if name == "" {
		name = payload.UserName
	}

	r.mu.Lock()
	if !r.approvedUsers.Has(client.UserID) {
		r.mu.Unlock()
		client.sendError(ctx, errCodeAuthorization, "not admitted to this room")
		return
	}
	if _, already := r.participants[client.ConnID]; already {
		r.mu.Unlock()
		return
	}

	if stale := r.participantByUserLocked(client.UserID); stale != nil {
		r.dropStaleParticipantLocked(ctx, stale)
	}

	media := MediaState{Audio: true, Video: true}
	if payload.MediaState != nil {
		media = *payload.MediaState
	}
	r.addParticipantLocked(ctx, client, media)

	r.broadcastLocked(ctx, EventUserJoined, UserJoinedPayload{
		RoomID:     r.ID,
		ConnID:     client.ConnID,
		UserID:     client.UserID,
		UserName:   name,
		MediaState: media,
	}, client.ConnID)

	existing := r.snapshotParticipantsLocked(client.ConnID)
	r.mu.Unlock()

	client.sendEvent(ctx, EventExistingParticipants, ExistingParticipantsPayload{
		RoomID:       r.ID,
		Participants: existing,
	})
	logging.Info(ctx, "User joined room",
		zap.String("userId", string(client.UserID)),
		zap.String("connId", string(client.ConnID)),
		zap.Int("existingParticipants", len(existing)),
	)
}

// handleLeaveRoom exits the media session without dropping the socket.
// Approval is kept, so the user can rejoin without host involvement.
func (r *Room) handleLeaveRoom(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[LeaveRoomPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	if !r.isParticipantLocked(client) {
		r.mu.Unlock()
		return
	}
	r.removeParticipantLocked(ctx, client)
	empty := r.removableLocked()
	r.mu.Unlock()

	logging.Info(ctx, "User left room",
		zap.String("userId", string(client.UserID)),
		zap.String("connId", string(client.ConnID)),
	)
	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// handleEndMeeting lets the host end the meeting for everyone. All
// attached sockets, pending requesters included, receive meeting-ended
// before the room is destroyed.
func (r *Room) handleEndMeeting(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[RoomRefPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	if r.hostUserID == "" || client.UserID != r.hostUserID {
		r.mu.Unlock()
		client.sendError(ctx, errCodeAuthorization, "only the host can end the meeting")
		return
	}
	targets, transcript := r.endMeetingLocked(ctx, "")
	r.mu.Unlock()

	r.finishDestroy(ctx, targets, transcript)
	logging.Info(ctx, "Meeting ended by host",
		zap.String("hostUserId", string(client.UserID)),
	)
}

// handleToggleMedia flips one of the sender's tracks and announces it.
func (r *Room) handleToggleMedia(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[ToggleMediaPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isParticipantLocked(client) {
		client.sendError(ctx, errCodeInvalidState, "not a participant in this room")
		return
	}
	if !client.setMediaKind(payload.Kind, payload.Enabled) {
		client.sendError(ctx, errCodeInvalidState, "media type must be audio or video")
		return
	}

	r.broadcastLocked(ctx, EventUserMediaToggle, MediaTogglePayload{
		RoomID:  r.ID,
		ConnID:  client.ConnID,
		UserID:  client.UserID,
		Kind:    payload.Kind,
		Enabled: payload.Enabled,
	}, "")
}

// handleRecordingStatus announces a recording state change and mirrors it
// into the meeting store for the REST layer.
func (r *Room) handleRecordingStatus(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[RecordingStatusPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	name := client.DisplayName
	if name == "" {
		name = payload.UserName
	}

	r.mu.Lock()
	if !r.isParticipantLocked(client) {
		r.mu.Unlock()
		client.sendError(ctx, errCodeInvalidState, "not a participant in this room")
		return
	}
	r.broadcastLocked(ctx, EventRecordingChanged, RecordingStatusPayload{
		RoomID:      r.ID,
		IsRecording: payload.IsRecording,
		UserName:    name,
	}, "")
	r.mu.Unlock()

	if r.store != nil {
		meta := store.RecordingMeta{
			RoomID:    string(r.ID),
			StartedBy: string(name),
			Recording: payload.IsRecording,
			ChangedAt: time.Now(),
		}
		go func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.store.SaveRecordingStatus(saveCtx, meta.RoomID, meta); err != nil {
				logging.Warn(ctx, "Failed to persist recording status", zap.Error(err))
			}
		}()
	}
}

// handleChatMessage echoes an ephemeral chat message roomwide. Durable
// chat history is a REST concern; the hub only relays.
func (r *Room) handleChatMessage(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[ChatMessagePayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	text := strings.TrimSpace(payload.Message)
	if text == "" {
		return
	}
	if len(text) > maxChatLength {
		client.sendError(ctx, errCodeInvalidState, fmt.Sprintf("chat message exceeds %d characters", maxChatLength))
		return
	}

	name := client.DisplayName
	if name == "" {
		name = payload.UserName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isParticipantLocked(client) {
		client.sendError(ctx, errCodeInvalidState, "not a participant in this room")
		return
	}
	r.broadcastLocked(ctx, EventReceiveMessage, ChatEchoPayload{
		RoomID:    r.ID,
		Message:   text,
		UserName:  name,
		Timestamp: millis(time.Now()),
	}, "")
}
