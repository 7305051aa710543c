package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
)

// TranscriptionUpdatePayload is the roomwide fanout of one finalized
// entry. The embedded entry flattens into the frame.
type TranscriptionUpdatePayload struct {
	RoomID RoomIdType `json:"room_id"`
	TranscriptEntry
}

// handleTranscriptionEntry appends a finalized utterance to the room's
// transcript. Entries are deduplicated by entry id, clear the speaker's
// interim slot, and fan out to everyone except the speaker, who already
// has the text locally.
func (r *Room) handleTranscriptionEntry(ctx context.Context, client *Client, msg Message) {
	if !r.frameWithinLimit(ctx, client, msg) {
		return
	}
	payload, ok := assertPayload[TranscriptionEntryPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}
	if payload.EntryID == "" {
		client.sendError(ctx, errCodeInvalidState, "transcription-entry requires entry_id")
		return
	}
	// Spoofed speaker ids are rejected outright; the transcript is an
	// attributed record.
	if payload.UserID != client.UserID {
		logging.Warn(ctx, "Rejecting transcription entry with mismatched user id",
			zap.String("assertedUserId", string(payload.UserID)),
			zap.String("authenticatedUserId", string(client.UserID)),
		)
		client.sendError(ctx, errCodeAuthorization, "transcription user_id does not match authenticated user")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isParticipantLocked(client) {
		client.sendError(ctx, errCodeInvalidState, "not a participant in this room")
		return
	}
	if _, seen := r.transcriptSeen[payload.EntryID]; seen {
		return
	}

	entry := TranscriptEntry{
		EntryID:            payload.EntryID,
		UserID:             client.UserID,
		DisplayName:        client.DisplayName,
		Text:               payload.Text,
		Timestamp:          payload.Timestamp,
		SecondsIntoMeeting: payload.SecondsIntoMeeting,
		Confidence:         payload.Confidence,
		IsFinal:            true,
	}
	if entry.DisplayName == "" {
		entry.DisplayName = payload.UserName
	}

	r.transcriptLog = append(r.transcriptLog, entry)
	r.transcriptSeen[payload.EntryID] = struct{}{}
	delete(r.interimByUser, client.UserID)
	metrics.TranscriptEntries.Inc()

	r.broadcastLocked(ctx, EventTranscriptionUpdate, TranscriptionUpdatePayload{
		RoomID:          r.ID,
		TranscriptEntry: entry,
	}, client.ConnID)
}

// handleTranscriptionInterim overwrites the speaker's live caption slot
// and fans it out. Empty text clears the slot; the broadcast still goes
// out so clients drop the caption. Nothing here is persisted.
func (r *Room) handleTranscriptionInterim(ctx context.Context, client *Client, msg Message) {
	if !r.frameWithinLimit(ctx, client, msg) {
		return
	}
	payload, ok := assertPayload[TranscriptionInterimPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}
	if payload.UserID != client.UserID {
		client.sendError(ctx, errCodeAuthorization, "transcription user_id does not match authenticated user")
		return
	}

	name := client.DisplayName
	if name == "" {
		name = payload.UserName
	}
	text := strings.TrimSpace(payload.Text)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isParticipantLocked(client) {
		client.sendError(ctx, errCodeInvalidState, "not a participant in this room")
		return
	}

	if text == "" {
		delete(r.interimByUser, client.UserID)
	} else {
		r.interimByUser[client.UserID] = InterimEntry{
			UserID:      client.UserID,
			DisplayName: name,
			Text:        text,
			Timestamp:   payload.Timestamp,
			LastUpdate:  time.Now(),
		}
	}

	r.broadcastLocked(ctx, EventTranscriptionInterim, TranscriptionInterimPayload{
		RoomID:    r.ID,
		UserID:    client.UserID,
		UserName:  name,
		Text:      text,
		Timestamp: payload.Timestamp,
	}, client.ConnID)
}

// handleTranscriptionHistory serves the full transcript log, typically to
// a late joiner. Entries are immutable once appended, so a snapshot under
// the read lock is always consistent.
func (r *Room) handleTranscriptionHistory(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[RoomRefPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.RLock()
	admitted := r.isParticipantLocked(client)
	entries := append([]TranscriptEntry(nil), r.transcriptLog...)
	r.mu.RUnlock()

	if !admitted {
		client.sendError(ctx, errCodeInvalidState, "not a participant in this room")
		return
	}

	client.sendEvent(ctx, EventTranscriptionHistory, TranscriptionHistoryPayload{
		RoomID:  r.ID,
		Entries: entries,
		Count:   len(entries),
	})
}

// handleSetMeetingStartTime records the shared meeting clock. Host-only
// and write-once; repeated writes are ignored so retries are harmless.
func (r *Room) handleSetMeetingStartTime(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[MeetingStartTimePayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hostUserID == "" || client.UserID != r.hostUserID {
		client.sendError(ctx, errCodeAuthorization, "only the host can set the meeting start time")
		return
	}
	if payload.StartTime == "" {
		client.sendError(ctx, errCodeInvalidState, "set-meeting-start-time requires start_time")
		return
	}
	if r.meetingStartTime != "" {
		return
	}
	if _, err := time.Parse(time.RFC3339, payload.StartTime); err != nil {
		client.sendError(ctx, errCodeInvalidState, "start_time must be RFC3339")
		return
	}

	r.meetingStartTime = payload.StartTime
	logging.Info(ctx, "Meeting start time set",
		zap.String("startTime", payload.StartTime),
	)
}

// handleGetMeetingStartTime replies with the meeting clock once it has
// been set. Before that there is nothing to report and no reply is sent;
// clients ask again after the host publishes it.
func (r *Room) handleGetMeetingStartTime(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[RoomRefPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.RLock()
	startTime := r.meetingStartTime
	r.mu.RUnlock()

	if startTime == "" {
		return
	}
	client.sendEvent(ctx, EventMeetingStartTime, MeetingStartTimePayload{
		RoomID:    r.ID,
		StartTime: startTime,
	})
}
