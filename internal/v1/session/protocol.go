package session

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
)

// Event is the string discriminator carried in every wire frame.
type Event string

// Inbound events.
const (
	EventRequestJoinRoom      Event = "request-join-room"
	EventUpdateWaitingSocket  Event = "update-waiting-socket"
	EventApproveJoinRequest   Event = "approve-join-request"
	EventDenyJoinRequest      Event = "deny-join-request"
	EventAdmitAllWaiting      Event = "admit-all-waiting"
	EventJoinRoom             Event = "join-room"
	EventLeaveRoom            Event = "leave-room"
	EventEndMeeting           Event = "end-meeting"
	EventOffer                Event = "offer"
	EventAnswer               Event = "answer"
	EventIceCandidate         Event = "ice-candidate"
	EventRequestRenegotiation Event = "request-renegotiation"
	EventToggleMedia          Event = "toggle-media"
	EventRecordingStatus      Event = "recording-status"
	EventSendMessage          Event = "send-message"
	EventTranscriptionEntry   Event = "transcription-entry"
	EventTranscriptionInterim Event = "transcription-interim"
	EventRequestTranscription Event = "request-transcription-history"
	EventSetMeetingStartTime  Event = "set-meeting-start-time"
	EventGetMeetingStartTime  Event = "request-meeting-start-time"
)

// Outbound events.
const (
	EventJoinApproved         Event = "join-approved"
	EventJoinDenied           Event = "join-denied"
	EventWaitingForApproval   Event = "waiting-for-approval"
	EventJoinRequest          Event = "join-request"
	EventJoinRequestProcessed Event = "join-request-processed"
	EventJoinRequestExpired   Event = "join-request-expired"
	EventPendingJoinRequests  Event = "pending-join-requests"
	EventExistingParticipants Event = "existing-participants"
	EventUserJoined           Event = "user-joined"
	EventUserLeft             Event = "user-left"
	EventUserDisconnected     Event = "user-disconnected"
	EventUserMediaToggle      Event = "user-media-toggle"
	EventRenegotiationNeeded  Event = "renegotiation-needed"
	EventRecordingChanged     Event = "recording-status-changed"
	EventReceiveMessage       Event = "receive-message"
	EventTranscriptionUpdate  Event = "transcription-update"
	EventTranscriptionHistory Event = "transcription-history"
	EventMeetingStartTime     Event = "meeting-start-time"
	EventMeetingEnded         Event = "meeting-ended"
	EventHostLeft             Event = "host-left"
	EventError                Event = "error"
)

// Error codes carried in error frames.
const (
	errCodeAuthorization   = "authorization_error"
	errCodeUnknownRoom     = "unknown_room"
	errCodeInvalidState    = "invalid_state"
	errCodePayloadTooLarge = "payload_too_large"
	errCodeInternal        = "internal_error"
)

// Message is one decoded wire frame. Payload keeps the raw frame bytes so
// each handler can unmarshal into its own typed payload; the protocol is
// flat, so the frame and the payload are the same JSON object.
type Message struct {
	Event   Event
	Payload json.RawMessage
}

// decodeMessage extracts the event discriminator from a raw frame.
func decodeMessage(data []byte) (Message, error) {
	var header struct {
		Type Event `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return Message{}, err
	}
	if header.Type == "" {
		return Message{}, errors.New("frame missing type field")
	}
	return Message{Event: header.Type, Payload: data}, nil
}

// marshalFrame flattens payload fields into a single JSON object carrying
// the "type" discriminator alongside them.
func marshalFrame(event Event, payload any) ([]byte, error) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = string(event)
	return json.Marshal(fields)
}

// assertPayload unmarshals a frame into the typed payload a handler
// expects. Returns false on malformed input so handlers can bail without
// touching room state.
func assertPayload[T any](ctx context.Context, event Event, raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		logging.Warn(ctx, "Dropping frame with malformed payload",
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return v, false
	}
	return v, true
}

// --- Inbound payloads ---

// RequestJoinPayload asks for admission to a room. The user id asserted
// here is informational only; admission always uses the authenticated
// identity bound at connect time.
type RequestJoinPayload struct {
	RoomID   RoomIdType      `json:"room_id"`
	UserID   UserIdType      `json:"user_id"`
	UserName DisplayNameType `json:"user_name"`
	IsRejoin bool            `json:"is_rejoin"`
}

// UpdateWaitingPayload rebinds a pending request to the current socket.
type UpdateWaitingPayload struct {
	RoomID RoomIdType `json:"room_id"`
	UserID UserIdType `json:"user_id"`
}

// AdmissionDecisionPayload carries approve and deny actions from the host.
type AdmissionDecisionPayload struct {
	RoomID         RoomIdType `json:"room_id"`
	UserID         UserIdType `json:"user_id"`
	Reason         string     `json:"reason"`
	ApproverUserID UserIdType `json:"approver_user_id"`
}

// AdmitAllPayload admits every queued guest at once.
type AdmitAllPayload struct {
	RoomID         RoomIdType `json:"room_id"`
	ApproverUserID UserIdType `json:"approver_user_id"`
}

// JoinRoomPayload enters the media session after admission.
type JoinRoomPayload struct {
	RoomID     RoomIdType      `json:"room_id"`
	UserID     UserIdType      `json:"user_id"`
	UserName   DisplayNameType `json:"user_name"`
	MediaState *MediaState     `json:"media_state"`
}

// RoomRefPayload names a room and nothing else.
type RoomRefPayload struct {
	RoomID RoomIdType `json:"room_id"`
}

// LeaveRoomPayload exits the media session without disconnecting.
type LeaveRoomPayload struct {
	RoomID RoomIdType `json:"room_id"`
	UserID UserIdType `json:"user_id"`
}

// SignalPayload is an opaque WebRTC negotiation frame relayed between two
// connections. Payload and Candidate are never inspected.
type SignalPayload struct {
	To        ConnIdType      `json:"to"`
	From      ConnIdType      `json:"from"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	UserName  DisplayNameType `json:"user_name,omitempty"`
	UserID    UserIdType      `json:"user_id,omitempty"`
}

// ToggleMediaPayload flips one media track on or off. The track kind
// rides "media_type" because "type" is the frame discriminator.
type ToggleMediaPayload struct {
	RoomID  RoomIdType `json:"room_id"`
	Kind    string     `json:"media_type"`
	Enabled bool       `json:"enabled"`
}

// RecordingStatusPayload announces a recording state change.
type RecordingStatusPayload struct {
	RoomID      RoomIdType      `json:"room_id"`
	IsRecording bool            `json:"is_recording"`
	UserName    DisplayNameType `json:"user_name"`
}

// ChatMessagePayload is an ephemeral chat message to echo roomwide.
type ChatMessagePayload struct {
	RoomID   RoomIdType      `json:"room_id"`
	Message  string          `json:"message"`
	UserName DisplayNameType `json:"user_name"`
}

// TranscriptionEntryPayload is a finalized utterance from a speaker.
type TranscriptionEntryPayload struct {
	RoomID             RoomIdType      `json:"room_id"`
	EntryID            string          `json:"entry_id"`
	UserID             UserIdType      `json:"user_id"`
	UserName           DisplayNameType `json:"user_name"`
	Text               string          `json:"text"`
	Timestamp          int64           `json:"timestamp"`
	SecondsIntoMeeting float64         `json:"seconds_into_meeting"`
	Confidence         float64         `json:"confidence"`
}

// TranscriptionInterimPayload is an in-progress caption. Empty text clears
// the speaker's interim slot.
type TranscriptionInterimPayload struct {
	RoomID    RoomIdType      `json:"room_id"`
	UserID    UserIdType      `json:"user_id"`
	UserName  DisplayNameType `json:"user_name"`
	Text      string          `json:"text"`
	Timestamp int64           `json:"timestamp"`
}

// MeetingStartTimePayload sets or requests the shared meeting clock.
type MeetingStartTimePayload struct {
	RoomID    RoomIdType `json:"room_id"`
	StartTime string     `json:"start_time,omitempty"`
}

// --- Outbound payloads ---

// JoinApprovedPayload tells a user they are admitted.
type JoinApprovedPayload struct {
	RoomID          RoomIdType           `json:"room_id"`
	IsHost          bool                 `json:"is_host"`
	Message         string               `json:"message,omitempty"`
	PendingRequests []PendingRequestInfo `json:"pending_requests,omitempty"`
}

// JoinDeniedPayload tells a user the host turned them away.
type JoinDeniedPayload struct {
	RoomID    RoomIdType `json:"room_id"`
	Reason    string     `json:"reason"`
	Permanent bool       `json:"permanent"`
}

// WaitingPayload acknowledges a queued join request.
type WaitingPayload struct {
	RoomID      RoomIdType `json:"room_id"`
	Position    int        `json:"position"`
	IsDuplicate bool       `json:"is_duplicate,omitempty"`
}

// JoinRequestNotice alerts the host that a guest is waiting.
type JoinRequestNotice struct {
	RoomID      RoomIdType      `json:"room_id"`
	UserID      UserIdType      `json:"user_id"`
	UserName    DisplayNameType `json:"user_name"`
	RequestedAt int64           `json:"requested_at"`
}

// JoinRequestProcessedPayload confirms an admission decision to the host.
type JoinRequestProcessedPayload struct {
	RoomID RoomIdType `json:"room_id"`
	UserID UserIdType `json:"user_id,omitempty"`
	Action string     `json:"action"`
	Count  int        `json:"count,omitempty"`
}

// JoinRequestExpiredPayload tells a guest their request timed out.
type JoinRequestExpiredPayload struct {
	RoomID  RoomIdType `json:"room_id"`
	Message string     `json:"message"`
}

// PendingRequestsPayload delivers the full waiting queue to the host.
type PendingRequestsPayload struct {
	RoomID   RoomIdType           `json:"room_id"`
	Requests []PendingRequestInfo `json:"requests"`
}

// ExistingParticipantsPayload tells a joiner who is already in the room.
type ExistingParticipantsPayload struct {
	RoomID       RoomIdType        `json:"room_id"`
	Participants []ParticipantInfo `json:"participants"`
}

// UserJoinedPayload announces a new participant to the room.
type UserJoinedPayload struct {
	RoomID     RoomIdType      `json:"room_id"`
	ConnID     ConnIdType      `json:"conn_id"`
	UserID     UserIdType      `json:"user_id"`
	UserName   DisplayNameType `json:"user_name"`
	MediaState MediaState      `json:"media_state"`
}

// UserLeftPayload announces a departed participant.
type UserLeftPayload struct {
	RoomID   RoomIdType      `json:"room_id"`
	ConnID   ConnIdType      `json:"conn_id"`
	UserID   UserIdType      `json:"user_id"`
	UserName DisplayNameType `json:"user_name"`
}

// UserDisconnectedPayload is a hint that a stale connection for an
// already-rejoined user was cleared, so peers can drop the old peer
// connection.
type UserDisconnectedPayload struct {
	RoomID RoomIdType `json:"room_id"`
	ConnID ConnIdType `json:"conn_id"`
	UserID UserIdType `json:"user_id"`
}

// MediaTogglePayload announces an audio or video toggle.
type MediaTogglePayload struct {
	RoomID  RoomIdType `json:"room_id"`
	ConnID  ConnIdType `json:"conn_id"`
	UserID  UserIdType `json:"user_id"`
	Kind    string     `json:"media_type"`
	Enabled bool       `json:"enabled"`
}

// ChatEchoPayload is the roomwide echo of one chat message.
type ChatEchoPayload struct {
	RoomID    RoomIdType      `json:"room_id"`
	Message   string          `json:"message"`
	UserName  DisplayNameType `json:"user_name"`
	Timestamp int64           `json:"timestamp"`
}

// TranscriptionHistoryPayload delivers the full transcript log.
type TranscriptionHistoryPayload struct {
	RoomID  RoomIdType        `json:"room_id"`
	Entries []TranscriptEntry `json:"entries"`
	Count   int               `json:"count"`
}

// MeetingEndedPayload tells everyone the meeting is over.
type MeetingEndedPayload struct {
	RoomID RoomIdType `json:"room_id"`
	Reason string     `json:"reason,omitempty"`
}

// HostLeftPayload tells remaining participants the host is gone.
type HostLeftPayload struct {
	RoomID   RoomIdType      `json:"room_id"`
	UserID   UserIdType      `json:"user_id"`
	UserName DisplayNameType `json:"user_name"`
}

// ErrorPayload reports a rejected operation to the offending connection.
type ErrorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}
