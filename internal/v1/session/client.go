package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
)

// writeWait is the deadline for a single socket write.
const writeWait = 10 * time.Second

// wsConnection abstracts the underlying socket so tests can substitute a
// mock without a real network connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Roomer is the surface a client needs from its room. Kept narrow so
// client tests can use a mock room.
type Roomer interface {
	router(ctx context.Context, client *Client, msg Message)
	handleClientDisconnect(client *Client)
}

// Client represents one live socket connection bound to a room.
//
// ConnID identifies the socket and changes on every reconnect. UserID is
// the authenticated identity and survives reconnects. All admission
// decisions trust UserID, never fields asserted inside frames.
type Client struct {
	conn wsConnection
	room Roomer

	// send is the bounded egress queue. writePump drains it in order,
	// which preserves per-connection message ordering.
	send chan []byte

	ConnID      ConnIdType
	UserID      UserIdType
	DisplayName DisplayNameType

	// Role is guarded by mu. Exported for test setup convenience;
	// runtime code goes through GetRole and SetRole.
	Role RoleType

	joinedAt time.Time
	audio    bool
	video    bool

	mu        sync.RWMutex
	closeOnce sync.Once
	closed    bool

	// unregister detaches this connection from the hub's reverse index.
	// Set by the hub at connect time, may be nil in tests.
	unregister func()
}

// GetRole returns the client's role in a thread-safe manner.
func (c *Client) GetRole() RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Role
}

// SetRole updates the client's role in a thread-safe manner.
func (c *Client) SetRole(role RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Role = role
}

// setMediaState replaces both media toggles at once.
func (c *Client) setMediaState(state MediaState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = state.Audio
	c.video = state.Video
}

// setMediaKind flips a single track. Returns false for an unknown kind.
func (c *Client) setMediaKind(kind string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case "audio":
		c.audio = enabled
	case "video":
		c.video = enabled
	default:
		return false
	}
	return true
}

// mediaState returns a copy of the current media toggles.
func (c *Client) mediaState() MediaState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return MediaState{Audio: c.audio, Video: c.video}
}

// readPump reads frames from the socket and hands them to the room's
// router. It runs as one goroutine per connection; its exit is the single
// place a disconnect is observed, so cleanup happens exactly once.
func (c *Client) readPump() {
	defer func() {
		c.room.handleClientDisconnect(c)
		c.Disconnect()
		if c.unregister != nil {
			c.unregister()
		}
		metrics.DecConnection()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "Unexpected websocket close",
					zap.String("connId", string(c.ConnID)),
					zap.Error(err),
				)
			}
			break
		}

		if len(data) > maxFrameBytes {
			logging.Warn(context.Background(), "Closing connection after oversized frame",
				zap.String("connId", string(c.ConnID)),
				zap.Int("bytes", len(data)),
			)
			break
		}

		msg, err := decodeMessage(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping undecodable frame",
				zap.String("connId", string(c.ConnID)),
				zap.Error(err),
			)
			continue
		}

		ctx := logging.WithUserID(context.Background(), string(c.UserID))
		c.room.router(ctx, c, msg)
	}
}

// writePump drains the send queue onto the socket. One goroutine per
// connection; the queue closing is the signal to send a close frame and
// stop.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		message, ok := <-c.send
		if !ok {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// sendEvent marshals a flat frame and enqueues it for delivery.
func (c *Client) sendEvent(ctx context.Context, event Event, payload any) {
	data, err := marshalFrame(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to marshal outbound frame",
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return
	}
	c.sendRaw(ctx, event, data)
}

// sendError reports a rejected operation to this connection only.
func (c *Client) sendError(ctx context.Context, code, message string) {
	c.sendEvent(ctx, EventError, ErrorPayload{ErrorCode: code, Message: message})
}

// sendRaw enqueues pre-marshaled bytes without blocking. A full queue
// means the client cannot keep up, so the connection is force-closed; the
// client will observe a drop and reconnect.
func (c *Client) sendRaw(ctx context.Context, event Event, data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// Recover if the channel closed between the check above and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(ctx, "Send on closing connection",
				zap.String("connId", string(c.ConnID)),
				zap.String("event", string(event)),
			)
		}
	}()

	select {
	case c.send <- data:
	default:
		metrics.SendQueueOverflows.Inc()
		logging.Warn(ctx, "Send queue overflow, force-closing connection",
			zap.String("connId", string(c.ConnID)),
			zap.String("userId", string(c.UserID)),
			zap.String("event", string(event)),
		)
		c.Disconnect()
	}
}

// Disconnect tears the connection down. Safe to call from any goroutine
// and any number of times; only the first call acts.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.send)
		c.conn.Close()
	})
}
