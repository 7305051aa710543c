package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/metrics"
)

// Waiting-room admission protocol. For one (room, user) pair the states
// are Unknown -> Pending -> Approved | Denied | Expired. Approved is
// terminal for the life of the room; denials stick until the room is
// destroyed; expired requesters may ask again.

// verifyAdmissionAuthorityLocked enforces the host-only rule with two
// separate checks: the asserted approver must equal the authenticated
// identity bound to this socket, and that identity must equal the room's
// immutable host. The claim travels through the client, so neither check
// alone is sufficient.
func (r *Room) verifyAdmissionAuthorityLocked(ctx context.Context, client *Client, asserted UserIdType) bool {
	if asserted != client.UserID {
		logging.Warn(ctx, "Admission action with mismatched approver identity",
			zap.String("assertedUserId", string(asserted)),
			zap.String("authenticatedUserId", string(client.UserID)),
		)
		client.sendError(ctx, errCodeAuthorization, "approver_user_id does not match authenticated user")
		return false
	}
	if r.hostUserID == "" || client.UserID != r.hostUserID {
		logging.Warn(ctx, "Admission action from non-host",
			zap.String("userId", string(client.UserID)),
		)
		client.sendError(ctx, errCodeAuthorization, "only the host can manage join requests")
		return false
	}
	return true
}

// handleRequestJoin runs the admission state machine for one request. The
// user identity is always the authenticated one; the user_id asserted in
// the payload is ignored beyond a mismatch warning.
func (r *Room) handleRequestJoin(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[RequestJoinPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	userID := client.UserID
	if payload.UserID != "" && payload.UserID != userID {
		logging.Warn(ctx, "Ignoring asserted user id on join request",
			zap.String("assertedUserId", string(payload.UserID)),
			zap.String("authenticatedUserId", string(userID)),
		)
	}
	displayName := client.DisplayName
	if displayName == "" {
		displayName = payload.UserName
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hostUserID == "" {
		// First requester claims the room and becomes host.
		r.hostUserID = userID
		r.hostConnID = client.ConnID
		r.approvedUsers.Insert(userID)
		client.SetRole(RoleTypeHost)
		client.sendEvent(ctx, EventJoinApproved, JoinApprovedPayload{RoomID: r.ID, IsHost: true})
		logging.Info(ctx, "Room claimed by host",
			zap.String("hostUserId", string(userID)),
		)
		return
	}

	if userID == r.hostUserID {
		// Host refresh. Rebind the host socket and hand back the waiting
		// queue exactly as it stood, both inline and as its own event so
		// the host UI can re-render the queue without parsing the approval.
		r.hostConnID = client.ConnID
		r.approvedUsers.Insert(userID)
		client.SetRole(RoleTypeHost)
		queue := r.snapshotPendingLocked()
		client.sendEvent(ctx, EventJoinApproved, JoinApprovedPayload{
			RoomID:          r.ID,
			IsHost:          true,
			PendingRequests: queue,
		})
		client.sendEvent(ctx, EventPendingJoinRequests, PendingRequestsPayload{
			RoomID:   r.ID,
			Requests: queue,
		})
		return
	}

	if record, denied := r.deniedUsers[userID]; denied {
		client.sendEvent(ctx, EventJoinDenied, JoinDeniedPayload{
			RoomID:    r.ID,
			Reason:    record.Reason,
			Permanent: false,
		})
		return
	}

	if r.approvedUsers.Has(userID) {
		message := "admitted"
		if payload.IsRejoin {
			message = "reconnected"
		}
		client.sendEvent(ctx, EventJoinApproved, JoinApprovedPayload{
			RoomID:  r.ID,
			IsHost:  false,
			Message: message,
		})
		return
	}

	if !r.settings.WaitingRoomEnabled {
		r.approvedUsers.Insert(userID)
		client.sendEvent(ctx, EventJoinApproved, JoinApprovedPayload{
			RoomID:  r.ID,
			IsHost:  false,
			Message: "admitted",
		})
		return
	}

	if pending, queued := r.pendingRequests[userID]; queued && now.Sub(pending.RequestedAt) < dedupWindow {
		// Duplicate within the dedup window. Rebind the socket so the
		// latest one gets the decision, but do not ping the host again.
		pending.ConnID = client.ConnID
		client.sendEvent(ctx, EventWaitingForApproval, WaitingPayload{
			RoomID:      r.ID,
			Position:    r.pendingPositionLocked(userID),
			IsDuplicate: true,
		})
		return
	}

	// New request, or a retry beyond the dedup window. Either way the
	// request is refreshed and the host notified.
	r.appendPendingLocked(&PendingRequest{
		UserID:      userID,
		DisplayName: displayName,
		ConnID:      client.ConnID,
		RequestedAt: now,
	})
	client.sendEvent(ctx, EventWaitingForApproval, WaitingPayload{
		RoomID:   r.ID,
		Position: r.pendingPositionLocked(userID),
	})
	r.sendToHostLocked(ctx, EventJoinRequest, JoinRequestNotice{
		RoomID:      r.ID,
		UserID:      userID,
		UserName:    displayName,
		RequestedAt: millis(now),
	})
	logging.Info(ctx, "Join request queued",
		zap.String("userId", string(userID)),
		zap.Int("queueLength", len(r.pendingOrder)),
	)
}

// handleUpdateWaitingSocket rebinds a pending request to the current
// socket after the requester reconnected mid-wait. RequestedAt is kept and
// the host is not notified again. Without a matching request this is a
// silent no-op; the guest may already be approved and should re-request.
func (r *Room) handleUpdateWaitingSocket(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[UpdateWaitingPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending, queued := r.pendingRequests[client.UserID]
	if !queued {
		logging.Info(ctx, "No pending request to rebind",
			zap.String("userId", string(client.UserID)),
		)
		return
	}
	pending.ConnID = client.ConnID
	logging.Info(ctx, "Rebound waiting socket",
		zap.String("userId", string(client.UserID)),
		zap.String("connId", string(client.ConnID)),
	)
}

// handleApprove admits one pending user. Approving twice is a no-op, and
// approving a previously denied user clears the deny record.
func (r *Room) handleApprove(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[AdmissionDecisionPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.verifyAdmissionAuthorityLocked(ctx, client, payload.ApproverUserID) {
		return
	}

	// Admission map keys are authenticated subjects; the host-typed target
	// is trimmed so a padded id still lands on the same key.
	target := UserIdType(strings.TrimSpace(string(payload.UserID)))
	if target == "" {
		client.sendError(ctx, errCodeInvalidState, "approve-join-request requires user_id")
		return
	}
	if r.approvedUsers.Has(target) {
		// Already approved; repeated approvals change nothing.
		return
	}

	_, wasDenied := r.deniedUsers[target]
	_, wasPending := r.pendingRequests[target]
	if !wasPending && !wasDenied {
		client.sendError(ctx, errCodeInvalidState, "no pending join request for user")
		return
	}

	pending := r.approveUserLocked(target)
	metrics.AdmissionDecisions.WithLabelValues("approved").Inc()

	// Answer on the request's stored socket. A cleared conn id means the
	// requester disconnected mid-wait; the approval stands and they will
	// see it on their next request-join-room.
	var requester *Client
	if pending != nil {
		requester = r.clientByConnLocked(pending.ConnID)
	} else {
		requester = r.clientByUserLocked(target)
	}
	if requester != nil {
		requester.sendEvent(ctx, EventJoinApproved, JoinApprovedPayload{
			RoomID: r.ID,
			IsHost: false,
		})
	}

	r.sendToHostLocked(ctx, EventJoinRequestProcessed, JoinRequestProcessedPayload{
		RoomID: r.ID,
		UserID: target,
		Action: "approved",
	})
	logging.Info(ctx, "Join request approved",
		zap.String("targetUserId", string(target)),
		zap.Bool("requesterNotified", requester != nil),
	)
}

// handleDeny turns one pending user away. The denial sticks until the
// room is destroyed; denying an approved user is a no-op.
func (r *Room) handleDeny(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[AdmissionDecisionPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.verifyAdmissionAuthorityLocked(ctx, client, payload.ApproverUserID) {
		return
	}

	target := UserIdType(strings.TrimSpace(string(payload.UserID)))
	if target == "" {
		client.sendError(ctx, errCodeInvalidState, "deny-join-request requires user_id")
		return
	}
	if r.approvedUsers.Has(target) {
		// Approved stays approved; only pending users can be denied.
		return
	}
	if _, queued := r.pendingRequests[target]; !queued {
		client.sendError(ctx, errCodeInvalidState, "no pending join request for user")
		return
	}

	pending := r.denyUserLocked(target, payload.Reason)
	metrics.AdmissionDecisions.WithLabelValues("denied").Inc()

	if requester := r.clientByConnLocked(pending.ConnID); requester != nil {
		requester.sendEvent(ctx, EventJoinDenied, JoinDeniedPayload{
			RoomID:    r.ID,
			Reason:    payload.Reason,
			Permanent: false,
		})
	}

	r.sendToHostLocked(ctx, EventJoinRequestProcessed, JoinRequestProcessedPayload{
		RoomID: r.ID,
		UserID: target,
		Action: "denied",
	})
	logging.Info(ctx, "Join request denied",
		zap.String("targetUserId", string(target)),
		zap.String("reason", payload.Reason),
	)
}

// handleAdmitAll approves the entire waiting queue in arrival order.
func (r *Room) handleAdmitAll(ctx context.Context, client *Client, msg Message) {
	payload, ok := assertPayload[AdmitAllPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}
	if !r.checkRoomRef(ctx, client, payload.RoomID) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.verifyAdmissionAuthorityLocked(ctx, client, payload.ApproverUserID) {
		return
	}

	queue := append([]UserIdType(nil), r.pendingOrder...)
	for _, userID := range queue {
		pending := r.approveUserLocked(userID)
		if pending == nil {
			continue
		}
		if requester := r.clientByConnLocked(pending.ConnID); requester != nil {
			requester.sendEvent(ctx, EventJoinApproved, JoinApprovedPayload{
				RoomID: r.ID,
				IsHost: false,
			})
		}
	}

	count := len(queue)
	if count > 0 {
		metrics.AdmissionDecisions.WithLabelValues("admitted_all").Add(float64(count))
	}
	r.sendToHostLocked(ctx, EventJoinRequestProcessed, JoinRequestProcessedPayload{
		RoomID: r.ID,
		Action: "admitted-all",
		Count:  count,
	})
	logging.Info(ctx, "Admitted all waiting users", zap.Int("count", count))
}

// sweepExpiredRequests removes pending requests older than the TTL and
// notifies requesters that are still connected. Called by the hub's
// sweeper; returns how many requests expired.
func (r *Room) sweepExpiredRequests(now time.Time) int {
	ctx := logging.WithRoomID(context.Background(), string(r.ID))

	r.mu.Lock()
	var expired []*PendingRequest
	for _, userID := range append([]UserIdType(nil), r.pendingOrder...) {
		req, ok := r.pendingRequests[userID]
		if !ok {
			continue
		}
		if now.Sub(req.RequestedAt) >= pendingRequestTTL {
			r.removePendingLocked(userID)
			expired = append(expired, req)
		}
	}
	for _, req := range expired {
		if requester := r.clientByConnLocked(req.ConnID); requester != nil {
			requester.sendEvent(ctx, EventJoinRequestExpired, JoinRequestExpiredPayload{
				RoomID:  r.ID,
				Message: "join request expired, please request again",
			})
		}
	}
	empty := r.removableLocked()
	r.mu.Unlock()

	if len(expired) > 0 {
		metrics.AdmissionDecisions.WithLabelValues("expired").Add(float64(len(expired)))
		logging.Info(ctx, "Expired pending join requests", zap.Int("count", len(expired)))
	}
	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
	return len(expired)
}
