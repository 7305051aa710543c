package session

import "time"

// --- Core Domain Types ---

// RoomIdType represents a unique identifier for a meeting room.
type RoomIdType string

// UserIdType represents an authenticated principal. Stable across
// reconnects because it comes from the verified token subject.
type UserIdType string

// ConnIdType represents one live socket connection. Server-assigned and
// never stable across reconnects.
type ConnIdType string

// DisplayNameType represents the human-readable name for a client.
type DisplayNameType string

// RoleType defines the different roles a client can have.
type RoleType string

// Role constants define the hierarchy and permissions.
const (
	RoleTypeWaiting     RoleType = "waiting"     // Connected, not yet admitted
	RoleTypeParticipant RoleType = "participant" // Admitted member of the media session
	RoleTypeHost        RoleType = "host"        // Holds admission authority for the room
)

// Protocol limits. These bound memory per room and per connection.
const (
	// sendQueueDepth is the per-connection egress buffer. A connection
	// that falls this far behind is force-closed.
	sendQueueDepth = 256

	// maxSignalBytes caps a single signaling or transcription frame.
	maxSignalBytes = 64 * 1024

	// maxFrameBytes is the absolute inbound frame size. Anything larger
	// terminates the connection rather than being parsed.
	maxFrameBytes = 256 * 1024

	// maxChatLength caps the text of a single chat message in bytes.
	maxChatLength = 2000

	// dedupWindow suppresses duplicate join requests from the same user.
	dedupWindow = 5 * time.Second

	// pendingRequestTTL is how long an unanswered join request survives.
	pendingRequestTTL = 5 * time.Minute

	// sweepInterval is how often expired join requests are collected.
	sweepInterval = time.Minute

	// cleanupGracePeriod delays room teardown after the room empties so a
	// refreshing client can reclaim its room.
	cleanupGracePeriod = 5 * time.Second
)

// RoomSettings holds per-meeting behavior loaded from the meeting record.
type RoomSettings struct {
	// WaitingRoomEnabled gates whether guests queue for host approval.
	// When false every join request is approved immediately.
	WaitingRoomEnabled bool
}

// defaultRoomSettings applies when no meeting record exists.
func defaultRoomSettings() RoomSettings {
	return RoomSettings{WaitingRoomEnabled: true}
}

// PendingRequest is one guest waiting for a host decision. Keyed by user id
// within a room so refreshes never duplicate queue entries.
type PendingRequest struct {
	UserID      UserIdType
	DisplayName DisplayNameType
	// ConnID is the socket to answer on. Empty when the requester
	// disconnected while waiting; rebound by update-waiting-socket.
	ConnID      ConnIdType
	RequestedAt time.Time
}

// DenyRecord marks a user the host turned away. Scoped to the room and
// discarded when the room is destroyed.
type DenyRecord struct {
	UserID   UserIdType
	Reason   string
	DeniedAt time.Time
}

// TranscriptEntry is one finalized utterance. Entries are immutable once
// appended and deduplicated by EntryID.
type TranscriptEntry struct {
	EntryID            string          `json:"entry_id"`
	UserID             UserIdType      `json:"user_id"`
	DisplayName        DisplayNameType `json:"user_name"`
	Text               string          `json:"text"`
	Timestamp          int64           `json:"timestamp"`
	SecondsIntoMeeting float64         `json:"seconds_into_meeting"`
	Confidence         float64         `json:"confidence"`
	IsFinal            bool            `json:"is_final"`
}

// InterimEntry is the single in-progress caption slot for one speaker.
// Overwritten in place and dropped once a final from the same user lands.
type InterimEntry struct {
	UserID      UserIdType      `json:"user_id"`
	DisplayName DisplayNameType `json:"user_name"`
	Text        string          `json:"text"`
	Timestamp   int64           `json:"timestamp"`
	LastUpdate  time.Time       `json:"-"`
}

// MediaState carries a participant's current device toggles.
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// ParticipantInfo is the wire-facing snapshot of one live participant.
type ParticipantInfo struct {
	ConnID      ConnIdType      `json:"conn_id"`
	UserID      UserIdType      `json:"user_id"`
	DisplayName DisplayNameType `json:"user_name"`
	IsHost      bool            `json:"is_host"`
	MediaState  MediaState      `json:"media_state"`
	JoinedAt    int64           `json:"joined_at"`
}

// PendingRequestInfo is the wire-facing snapshot of one queued join request.
type PendingRequestInfo struct {
	UserID      UserIdType      `json:"user_id"`
	DisplayName DisplayNameType `json:"user_name"`
	RequestedAt int64           `json:"requested_at"`
}

// millis converts a wall-clock instant to the epoch-millisecond form used
// on the wire.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}
