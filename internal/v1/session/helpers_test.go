package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mymeet/signaling/internal/v1/auth"
	"github.com/mymeet/signaling/internal/v1/store"
)

// MockWSConnection implements wsConnection for testing
type MockWSConnection struct {
	mu            sync.Mutex
	readMessages  [][]byte
	writeMessages [][]byte
	readIndex     int
	closed        bool
}

func (m *MockWSConnection) ReadMessage() (messageType int, p []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readIndex >= len(m.readMessages) {
		time.Sleep(100 * time.Millisecond) // Simulate blocking read
		return 0, nil, websocket.ErrCloseSent
	}

	msg := m.readMessages[m.readIndex]
	m.readIndex++
	return websocket.TextMessage, msg, nil
}

func (m *MockWSConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeMessages = append(m.writeMessages, data)
	return nil
}

func (m *MockWSConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MockWSConnection) SetWriteDeadline(t time.Time) error {
	return nil
}

func (m *MockWSConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// frames returns a snapshot of everything written to the socket.
func (m *MockWSConnection) frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writeMessages...)
}

// MockTokenValidator implements TokenValidator for testing
type MockTokenValidator struct {
	shouldFail bool
}

func (m *MockTokenValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	if m.shouldFail {
		return nil, assert.AnError
	}
	return &auth.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "test-user-123",
		},
		Name:  "Test User",
		Email: "test@example.com",
	}, nil
}

// MockMeetingStore implements MeetingStore for testing. Every write is
// reported on the calls channel so tests can wait for the async mirror
// goroutines to land.
type MockMeetingStore struct {
	mu sync.Mutex

	meeting *store.MeetingRecord
	getErr  error

	transcripts [][]store.TranscriptEntry
	recordings  []store.RecordingMeta
	added       []string
	removed     []string

	calls chan string
}

func newMockMeetingStore() *MockMeetingStore {
	return &MockMeetingStore{calls: make(chan string, 64)}
}

func (m *MockMeetingStore) GetMeeting(_ context.Context, _ string) (*store.MeetingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.meeting, nil
}

func (m *MockMeetingStore) SaveTranscript(_ context.Context, _ string, entries []store.TranscriptEntry) error {
	m.mu.Lock()
	m.transcripts = append(m.transcripts, entries)
	m.mu.Unlock()
	m.calls <- "transcript"
	return nil
}

func (m *MockMeetingStore) SaveRecordingStatus(_ context.Context, _ string, meta store.RecordingMeta) error {
	m.mu.Lock()
	m.recordings = append(m.recordings, meta)
	m.mu.Unlock()
	m.calls <- "recording"
	return nil
}

func (m *MockMeetingStore) AddParticipant(_ context.Context, _ string, userID string) error {
	m.mu.Lock()
	m.added = append(m.added, userID)
	m.mu.Unlock()
	m.calls <- "add:" + userID
	return nil
}

func (m *MockMeetingStore) RemoveParticipant(_ context.Context, _ string, userID string) error {
	m.mu.Lock()
	m.removed = append(m.removed, userID)
	m.mu.Unlock()
	m.calls <- "remove:" + userID
	return nil
}

// waitCall blocks until the named store write happens, skipping over
// unrelated writes that raced ahead of it.
func (m *MockMeetingStore) waitCall(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case got := <-m.calls:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("store call %q never happened", want)
		}
	}
}

func (m *MockMeetingStore) lastRecording(t *testing.T) store.RecordingMeta {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.recordings, "no recording status was saved")
	return m.recordings[len(m.recordings)-1]
}

func (m *MockMeetingStore) lastTranscript(t *testing.T) []store.TranscriptEntry {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.transcripts, "no transcript was saved")
	return m.transcripts[len(m.transcripts)-1]
}

// newTestRoom builds a room with default settings and no hub callbacks.
func newTestRoom(id RoomIdType) *Room {
	return NewRoom(id, defaultRoomSettings(), nil, nil, nil)
}

// newTestClient builds a client on a mock socket. It is not attached to
// any room until handleClientConnect runs.
func newTestClient(connID ConnIdType, userID UserIdType) *Client {
	return &Client{
		conn:   &MockWSConnection{},
		send:   make(chan []byte, sendQueueDepth),
		ConnID: connID,
		UserID: userID,
		Role:   RoleTypeWaiting,
	}
}

// newTestClientWithName builds a test client with a display name.
func newTestClientWithName(connID ConnIdType, userID UserIdType, name DisplayNameType) *Client {
	c := newTestClient(connID, userID)
	c.DisplayName = name
	return c
}

// msgFor round-trips a payload through the wire encoding so handlers see
// exactly what a real frame carries.
func msgFor(t *testing.T, event Event, payload any) Message {
	t.Helper()
	data, err := marshalFrame(event, payload)
	require.NoError(t, err)
	msg, err := decodeMessage(data)
	require.NoError(t, err)
	return msg
}

// recvEvent pops the next outbound frame for a client, requires its
// discriminator to match, and decodes the payload.
func recvEvent[T any](t *testing.T, c *Client, want Event) T {
	t.Helper()
	var v T
	select {
	case data := <-c.send:
		var header struct {
			Type Event `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &header))
		require.Equal(t, want, header.Type, "unexpected frame: %s", data)
		require.NoError(t, json.Unmarshal(data, &v))
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected %s frame, got none", want)
	}
	return v
}

// assertNoFrame verifies nothing is queued for the client.
func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
		// Expected - nothing queued
	}
}

// claimHost attaches a client and claims the room through the first join
// request, draining the approval frame.
func claimHost(t *testing.T, r *Room, host *Client) {
	t.Helper()
	ctx := context.Background()
	r.handleClientConnect(ctx, host)
	r.router(ctx, host, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))
	approved := recvEvent[JoinApprovedPayload](t, host, EventJoinApproved)
	require.True(t, approved.IsHost, "first requester should claim the room")
}

// queueGuest attaches a client and queues a join request, draining the
// guest's waiting acknowledgement. The host's join-request notice is left
// for the test to consume.
func queueGuest(t *testing.T, r *Room, guest *Client) WaitingPayload {
	t.Helper()
	ctx := context.Background()
	r.handleClientConnect(ctx, guest)
	r.router(ctx, guest, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID, UserName: guest.DisplayName}))
	return recvEvent[WaitingPayload](t, guest, EventWaitingForApproval)
}

// seedHost claims the room for a client and admits it straight into the
// media session, bypassing the waiting room steps.
func seedHost(r *Room, c *Client) {
	ctx := context.Background()
	r.handleClientConnect(ctx, c)
	r.mu.Lock()
	r.hostUserID = c.UserID
	r.hostConnID = c.ConnID
	r.approvedUsers.Insert(c.UserID)
	r.addParticipantLocked(ctx, c, MediaState{Audio: true, Video: true})
	r.mu.Unlock()
}

// seedParticipant attaches a client and admits it directly.
func seedParticipant(r *Room, c *Client) {
	ctx := context.Background()
	r.handleClientConnect(ctx, c)
	r.mu.Lock()
	r.approvedUsers.Insert(c.UserID)
	r.addParticipantLocked(ctx, c, MediaState{Audio: true, Video: true})
	r.mu.Unlock()
}

// seedPair builds a room with a seeded host and one seeded participant.
// No setup frames are queued on either client.
func seedPair(t *testing.T) (*Room, *Client, *Client) {
	t.Helper()
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	seedHost(r, host)
	seedParticipant(r, guest)
	return r, host, guest
}
