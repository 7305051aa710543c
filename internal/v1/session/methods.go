package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
)

// State mutators and fanout plumbing. Everything here assumes the caller
// holds r.mu unless noted otherwise. Channel sends are non-blocking, so
// holding the lock across a broadcast is safe.

// broadcastLocked sends one event to every admitted participant except the
// excluded connection. The frame is marshaled once and shared.
func (r *Room) broadcastLocked(ctx context.Context, event Event, payload any, exclude ConnIdType) {
	data, err := marshalFrame(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to marshal broadcast frame",
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return
	}
	for connID, c := range r.participants {
		if connID == exclude {
			continue
		}
		c.sendRaw(ctx, event, data)
	}
}

// broadcastAllLocked sends one event to every socket attached to the room,
// waiting guests included. Used for meeting-ended, which must also reach
// pending requesters.
func (r *Room) broadcastAllLocked(ctx context.Context, event Event, payload any, exclude ConnIdType) {
	data, err := marshalFrame(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to marshal broadcast frame",
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return
	}
	for connID, c := range r.clients {
		if connID == exclude {
			continue
		}
		c.sendRaw(ctx, event, data)
	}
}

// sendToHostLocked delivers an event to the host's current socket, if the
// host is connected. A stale or empty hostConnID is a silent no-op; the
// host will receive the pending queue snapshot on reconnect instead.
func (r *Room) sendToHostLocked(ctx context.Context, event Event, payload any) {
	if r.hostConnID == "" {
		return
	}
	host, ok := r.clients[r.hostConnID]
	if !ok {
		return
	}
	host.sendEvent(ctx, event, payload)
}

// clientByConnLocked resolves an attached socket by connection id.
func (r *Room) clientByConnLocked(connID ConnIdType) *Client {
	if connID == "" {
		return nil
	}
	return r.clients[connID]
}

// clientByUserLocked resolves any attached socket for a user id. Useful
// when an admission decision targets a user whose request lost its socket.
func (r *Room) clientByUserLocked(userID UserIdType) *Client {
	for _, c := range r.clients {
		if c.UserID == userID {
			return c
		}
	}
	return nil
}

// participantByUserLocked resolves an admitted participant by user id.
func (r *Room) participantByUserLocked(userID UserIdType) *Client {
	for _, c := range r.participants {
		if c.UserID == userID {
			return c
		}
	}
	return nil
}

// isParticipantLocked reports whether a connection is admitted.
func (r *Room) isParticipantLocked(client *Client) bool {
	_, ok := r.participants[client.ConnID]
	return ok
}

// addParticipantLocked admits a connection into the media session.
func (r *Room) addParticipantLocked(ctx context.Context, client *Client, media MediaState) {
	client.setMediaState(media)
	client.mu.Lock()
	client.joinedAt = time.Now()
	client.mu.Unlock()

	if client.UserID == r.hostUserID {
		client.SetRole(RoleTypeHost)
		r.hostConnID = client.ConnID
	} else {
		client.SetRole(RoleTypeParticipant)
	}

	r.participants[client.ConnID] = client
	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.participants)))
	r.mirrorPresence(userPresence{userID: client.UserID, joined: true})
}

// removeParticipantLocked handles a participant leaving or dropping.
// Remaining members get user-left, plus host-left when the host goes.
func (r *Room) removeParticipantLocked(ctx context.Context, client *Client) {
	if _, ok := r.participants[client.ConnID]; !ok {
		return
	}
	delete(r.participants, client.ConnID)
	client.SetRole(RoleTypeWaiting)
	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.participants)))

	r.broadcastLocked(ctx, EventUserLeft, UserLeftPayload{
		RoomID:   r.ID,
		ConnID:   client.ConnID,
		UserID:   client.UserID,
		UserName: client.DisplayName,
	}, client.ConnID)

	if client.UserID == r.hostUserID {
		if r.hostConnID == client.ConnID {
			r.hostConnID = ""
		}
		r.broadcastLocked(ctx, EventHostLeft, HostLeftPayload{
			RoomID:   r.ID,
			UserID:   client.UserID,
			UserName: client.DisplayName,
		}, client.ConnID)
	}

	r.mirrorPresence(userPresence{userID: client.UserID, joined: false})
}

// dropStaleParticipantLocked clears a superseded connection when a user
// rejoins on a fresh socket. Peers get a user-disconnected hint so they
// tear down the old peer connection; no user-left is emitted because the
// user is still present.
func (r *Room) dropStaleParticipantLocked(ctx context.Context, stale *Client) {
	delete(r.participants, stale.ConnID)
	delete(r.clients, stale.ConnID)

	r.broadcastLocked(ctx, EventUserDisconnected, UserDisconnectedPayload{
		RoomID: r.ID,
		ConnID: stale.ConnID,
		UserID: stale.UserID,
	}, stale.ConnID)

	logging.Info(ctx, "Cleared stale connection for rejoined user",
		zap.String("staleConnId", string(stale.ConnID)),
		zap.String("userId", string(stale.UserID)),
	)
	stale.Disconnect()
}

// snapshotParticipantsLocked lists admitted participants, excluding one
// connection (typically the requester).
func (r *Room) snapshotParticipantsLocked(exclude ConnIdType) []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(r.participants))
	for connID, c := range r.participants {
		if connID == exclude {
			continue
		}
		c.mu.RLock()
		joined := c.joinedAt
		c.mu.RUnlock()
		out = append(out, ParticipantInfo{
			ConnID:      c.ConnID,
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			IsHost:      c.UserID == r.hostUserID,
			MediaState:  c.mediaState(),
			JoinedAt:    millis(joined),
		})
	}
	return out
}

// --- Admission state transitions ---
//
// A user id lives in at most one of approvedUsers, pendingRequests and
// deniedUsers. These helpers are the only code that moves users between
// the three, which keeps that invariant in one place.

// appendPendingLocked inserts or refreshes a pending request, preserving
// the queue position of an existing entry.
func (r *Room) appendPendingLocked(req *PendingRequest) {
	if _, exists := r.pendingRequests[req.UserID]; !exists {
		r.pendingOrder = append(r.pendingOrder, req.UserID)
	}
	r.pendingRequests[req.UserID] = req
}

// removePendingLocked drops a request from the queue and its order slot.
func (r *Room) removePendingLocked(userID UserIdType) {
	if _, ok := r.pendingRequests[userID]; !ok {
		return
	}
	delete(r.pendingRequests, userID)
	for i, id := range r.pendingOrder {
		if id == userID {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}
}

// approveUserLocked moves a user into the approved set, clearing any
// pending request or deny record. Returns the pending request that was
// answered, if one existed.
func (r *Room) approveUserLocked(userID UserIdType) *PendingRequest {
	pending := r.pendingRequests[userID]
	r.removePendingLocked(userID)
	delete(r.deniedUsers, userID)
	r.approvedUsers.Insert(userID)
	return pending
}

// denyUserLocked moves a pending user into the denied set. Returns the
// pending request that was answered, if one existed.
func (r *Room) denyUserLocked(userID UserIdType, reason string) *PendingRequest {
	pending := r.pendingRequests[userID]
	r.removePendingLocked(userID)
	r.deniedUsers[userID] = DenyRecord{
		UserID:   userID,
		Reason:   reason,
		DeniedAt: time.Now(),
	}
	return pending
}

// pendingPositionLocked returns the 1-based queue position of a user, or 0
// if the user is not queued.
func (r *Room) pendingPositionLocked(userID UserIdType) int {
	for i, id := range r.pendingOrder {
		if id == userID {
			return i + 1
		}
	}
	return 0
}

// snapshotPendingLocked lists the waiting queue in arrival order.
func (r *Room) snapshotPendingLocked() []PendingRequestInfo {
	out := make([]PendingRequestInfo, 0, len(r.pendingOrder))
	for _, userID := range r.pendingOrder {
		req, ok := r.pendingRequests[userID]
		if !ok {
			continue
		}
		out = append(out, PendingRequestInfo{
			UserID:      req.UserID,
			DisplayName: req.DisplayName,
			RequestedAt: millis(req.RequestedAt),
		})
	}
	return out
}

// --- Meeting store mirror ---

type userPresence struct {
	userID UserIdType
	joined bool
}

// mirrorPresence reflects participant membership into the meeting store so
// the REST layer can list who is in a meeting. Runs on its own goroutine;
// the room lock is never held across a store call.
func (r *Room) mirrorPresence(p userPresence) {
	if r.store == nil {
		return
	}
	roomID := string(r.ID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var err error
		if p.joined {
			err = r.store.AddParticipant(ctx, roomID, string(p.userID))
		} else {
			err = r.store.RemoveParticipant(ctx, roomID, string(p.userID))
		}
		if err != nil {
			logging.Warn(ctx, "Presence mirror write failed",
				zap.String("roomId", roomID),
				zap.String("userId", string(p.userID)),
				zap.Error(err),
			)
		}
	}()
}
