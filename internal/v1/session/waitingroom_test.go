package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestJoin_FirstRequesterClaimsRoom(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	ctx := context.Background()

	r.handleClientConnect(ctx, host)
	r.router(ctx, host, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))

	approved := recvEvent[JoinApprovedPayload](t, host, EventJoinApproved)
	assert.True(t, approved.IsHost)
	assert.Equal(t, r.ID, approved.RoomID)
	assert.Equal(t, UserIdType("user-host"), r.HostUserID())
	assert.Equal(t, RoleTypeHost, host.GetRole())
	assert.Equal(t, 0, r.PendingCount())
}

func TestRequestJoin_GuestQueuesBehindHost(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)

	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	waiting := queueGuest(t, r, guest)
	assert.Equal(t, 1, waiting.Position)
	assert.False(t, waiting.IsDuplicate)

	notice := recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
	assert.Equal(t, guest.UserID, notice.UserID)
	assert.Equal(t, DisplayNameType("Guest"), notice.UserName)
	assert.Positive(t, notice.RequestedAt)

	second := newTestClientWithName("conn-second", "user-second", "Second")
	waiting2 := queueGuest(t, r, second)
	assert.Equal(t, 2, waiting2.Position)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	assert.Equal(t, 2, r.PendingCount())
	assert.Equal(t, RoleTypeWaiting, guest.GetRole())
}

func TestRequestJoin_DuplicateWithinWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("should keep position and not renotify the host", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		// Double click on the join button.
		r.router(ctx, guest, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))

		dup := recvEvent[WaitingPayload](t, guest, EventWaitingForApproval)
		assert.True(t, dup.IsDuplicate)
		assert.Equal(t, 1, dup.Position)
		assertNoFrame(t, host)
		assert.Equal(t, 1, r.PendingCount())
	})

	t.Run("should rebind the request to the newest socket", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		refreshed := newTestClientWithName("conn-guest-2", "user-guest", "Guest")
		r.handleClientConnect(ctx, refreshed)
		r.router(ctx, refreshed, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))
		dup := recvEvent[WaitingPayload](t, refreshed, EventWaitingForApproval)
		assert.True(t, dup.IsDuplicate)

		// The decision must land on the socket that asked last.
		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
		}))
		recvEvent[JoinApprovedPayload](t, refreshed, EventJoinApproved)
		assertNoFrame(t, guest)
	})
}

func TestRequestJoin_RetryAfterWindowRenotifiesHost(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	first := newTestClientWithName("conn-a", "user-a", "Alice")
	second := newTestClientWithName("conn-b", "user-b", "Bob")
	queueGuest(t, r, first)
	queueGuest(t, r, second)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	// Age the first request past the dedup window.
	r.mu.Lock()
	r.pendingRequests[first.UserID].RequestedAt = time.Now().Add(-2 * dedupWindow)
	r.mu.Unlock()

	ctx := context.Background()
	r.router(ctx, first, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))

	waiting := recvEvent[WaitingPayload](t, first, EventWaitingForApproval)
	assert.False(t, waiting.IsDuplicate)
	assert.Equal(t, 1, waiting.Position, "a refresh keeps the original queue slot")

	notice := recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
	assert.Equal(t, first.UserID, notice.UserID)
	assert.Equal(t, 2, r.PendingCount())
}

func TestRequestJoin_DeniedUserStaysDenied(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	queueGuest(t, r, guest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	ctx := context.Background()
	r.router(ctx, host, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, Reason: "meeting is full", ApproverUserID: host.UserID,
	}))
	denied := recvEvent[JoinDeniedPayload](t, guest, EventJoinDenied)
	assert.Equal(t, "meeting is full", denied.Reason)
	recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)

	// Asking again answers with the stored denial and never requeues.
	r.router(ctx, guest, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))
	again := recvEvent[JoinDeniedPayload](t, guest, EventJoinDenied)
	assert.Equal(t, "meeting is full", again.Reason)
	assert.False(t, again.Permanent)
	assertNoFrame(t, host)
	assert.Equal(t, 0, r.PendingCount())
}

func TestRequestJoin_ApprovedUserReconnects(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Room, *Client) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
		}))
		recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
		recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
		return r, guest
	}

	t.Run("should approve a rejoin without host involvement", func(t *testing.T) {
		r, guest := setup(t)
		fresh := newTestClientWithName("conn-guest-2", guest.UserID, "Guest")
		r.handleClientConnect(ctx, fresh)
		r.router(ctx, fresh, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID, IsRejoin: true}))

		approved := recvEvent[JoinApprovedPayload](t, fresh, EventJoinApproved)
		assert.False(t, approved.IsHost)
		assert.Equal(t, "reconnected", approved.Message)
	})

	t.Run("should approve a plain re-request as well", func(t *testing.T) {
		r, guest := setup(t)
		fresh := newTestClientWithName("conn-guest-2", guest.UserID, "Guest")
		r.handleClientConnect(ctx, fresh)
		r.router(ctx, fresh, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))

		approved := recvEvent[JoinApprovedPayload](t, fresh, EventJoinApproved)
		assert.Equal(t, "admitted", approved.Message)
	})
}

func TestRequestJoin_WaitingRoomDisabled(t *testing.T) {
	r := NewRoom("room-1", RoomSettings{WaitingRoomEnabled: false}, nil, nil, nil)
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)

	ctx := context.Background()
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	r.handleClientConnect(ctx, guest)
	r.router(ctx, guest, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))

	approved := recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
	assert.False(t, approved.IsHost)
	assert.Equal(t, "admitted", approved.Message)
	assertNoFrame(t, host)
	assert.Equal(t, 0, r.PendingCount())
}

func TestRequestJoin_HostRefreshReceivesQueue(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	alice := newTestClientWithName("conn-a", "user-a", "Alice")
	bob := newTestClientWithName("conn-b", "user-b", "Bob")
	queueGuest(t, r, alice)
	queueGuest(t, r, bob)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	// Host refreshes the browser and comes back on a new socket.
	ctx := context.Background()
	refreshed := newTestClientWithName("conn-host-2", host.UserID, "Host")
	r.handleClientConnect(ctx, refreshed)
	r.router(ctx, refreshed, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))

	approved := recvEvent[JoinApprovedPayload](t, refreshed, EventJoinApproved)
	assert.True(t, approved.IsHost)
	require.Len(t, approved.PendingRequests, 2)
	assert.Equal(t, UserIdType("user-a"), approved.PendingRequests[0].UserID)
	assert.Equal(t, UserIdType("user-b"), approved.PendingRequests[1].UserID)

	queue := recvEvent[PendingRequestsPayload](t, refreshed, EventPendingJoinRequests)
	require.Len(t, queue.Requests, 2)
	assert.Equal(t, DisplayNameType("Alice"), queue.Requests[0].DisplayName)

	// New join requests now land on the refreshed socket.
	carol := newTestClientWithName("conn-c", "user-c", "Carol")
	queueGuest(t, r, carol)
	notice := recvEvent[JoinRequestNotice](t, refreshed, EventJoinRequest)
	assert.Equal(t, carol.UserID, notice.UserID)
	assertNoFrame(t, host)
}

func TestApprove_AdmitsPendingGuest(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	queueGuest(t, r, guest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	ctx := context.Background()
	r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
	}))

	approved := recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
	assert.False(t, approved.IsHost)

	processed := recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
	assert.Equal(t, "approved", processed.Action)
	assert.Equal(t, guest.UserID, processed.UserID)
	assert.Equal(t, 0, r.PendingCount())

	// Approval unlocks the media session.
	r.router(ctx, guest, msgFor(t, EventJoinRoom, JoinRoomPayload{RoomID: r.ID}))
	recvEvent[ExistingParticipantsPayload](t, guest, EventExistingParticipants)
	assert.Equal(t, 1, r.ParticipantCount())
}

func TestApprove_SecondApproveIsNoOp(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	queueGuest(t, r, guest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	ctx := context.Background()
	approve := msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
	})
	r.router(ctx, host, approve)
	recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
	recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)

	r.router(ctx, host, approve)
	assertNoFrame(t, guest)
	assertNoFrame(t, host)
}

func TestApprove_ClearsDenyRecord(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	queueGuest(t, r, guest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	ctx := context.Background()
	r.router(ctx, host, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, Reason: "hold on", ApproverUserID: host.UserID,
	}))
	recvEvent[JoinDeniedPayload](t, guest, EventJoinDenied)
	recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)

	// The host changes their mind; the denial is lifted.
	r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
	}))
	recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
	recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)

	r.router(ctx, guest, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID}))
	approved := recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
	assert.Equal(t, "admitted", approved.Message)
}

func TestApprove_AuthorizationChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject a mismatched approver identity", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, ApproverUserID: "someone-else",
		}))

		errFrame := recvEvent[ErrorPayload](t, host, EventError)
		assert.Equal(t, errCodeAuthorization, errFrame.ErrorCode)
		assert.Equal(t, 1, r.PendingCount(), "the request must stay queued")
		assertNoFrame(t, guest)
	})

	t.Run("should reject a non-host approver", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		imposter := newTestClientWithName("conn-imp", "user-imp", "Imposter")
		queueGuest(t, r, imposter)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		// The imposter passes the identity check but is not the host.
		r.router(ctx, imposter, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: imposter.UserID, ApproverUserID: imposter.UserID,
		}))

		errFrame := recvEvent[ErrorPayload](t, imposter, EventError)
		assert.Equal(t, errCodeAuthorization, errFrame.ErrorCode)
		assert.Equal(t, 1, r.PendingCount())
	})
}

func TestApprove_InvalidTargets(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	ctx := context.Background()

	t.Run("should reject an empty user id", func(t *testing.T) {
		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, ApproverUserID: host.UserID,
		}))
		errFrame := recvEvent[ErrorPayload](t, host, EventError)
		assert.Equal(t, errCodeInvalidState, errFrame.ErrorCode)
	})

	t.Run("should reject a user that never asked", func(t *testing.T) {
		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: "user-unknown", ApproverUserID: host.UserID,
		}))
		errFrame := recvEvent[ErrorPayload](t, host, EventError)
		assert.Equal(t, errCodeInvalidState, errFrame.ErrorCode)
	})
}

func TestApprove_OfflineRequesterSeesApprovalOnReturn(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	queueGuest(t, r, guest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	// Guest drops mid-wait. The queue slot survives without a socket.
	r.handleClientDisconnect(guest)
	assert.Equal(t, 1, r.PendingCount())
	r.mu.RLock()
	boundConn := r.pendingRequests[guest.UserID].ConnID
	r.mu.RUnlock()
	assert.Empty(t, boundConn)

	ctx := context.Background()
	r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
	}))
	processed := recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
	assert.Equal(t, "approved", processed.Action)
	assert.Equal(t, 0, r.PendingCount())

	// The decision waits for them; the next request answers immediately.
	back := newTestClientWithName("conn-guest-2", guest.UserID, "Guest")
	r.handleClientConnect(ctx, back)
	r.router(ctx, back, msgFor(t, EventRequestJoinRoom, RequestJoinPayload{RoomID: r.ID, IsRejoin: true}))
	approved := recvEvent[JoinApprovedPayload](t, back, EventJoinApproved)
	assert.Equal(t, "reconnected", approved.Message)
	assertNoFrame(t, host)
}

func TestDeny_RemovesPendingAndNotifies(t *testing.T) {
	r := newTestRoom("room-1")
	host := newTestClientWithName("conn-host", "user-host", "Host")
	claimHost(t, r, host)
	guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
	queueGuest(t, r, guest)
	recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

	ctx := context.Background()
	r.router(ctx, host, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
		RoomID: r.ID, UserID: guest.UserID, Reason: "wrong meeting", ApproverUserID: host.UserID,
	}))

	denied := recvEvent[JoinDeniedPayload](t, guest, EventJoinDenied)
	assert.Equal(t, "wrong meeting", denied.Reason)
	processed := recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
	assert.Equal(t, "denied", processed.Action)
	assert.Equal(t, 0, r.PendingCount())
}

func TestDeny_EdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("should not deny an approved user", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
		}))
		recvEvent[JoinApprovedPayload](t, guest, EventJoinApproved)
		recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)

		r.router(ctx, host, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, Reason: "too late", ApproverUserID: host.UserID,
		}))
		assertNoFrame(t, guest)
		assertNoFrame(t, host)

		// Still admitted.
		r.router(ctx, guest, msgFor(t, EventJoinRoom, JoinRoomPayload{RoomID: r.ID}))
		recvEvent[ExistingParticipantsPayload](t, guest, EventExistingParticipants)
	})

	t.Run("should report a non-pending target", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)

		r.router(ctx, host, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: "user-nobody", Reason: "x", ApproverUserID: host.UserID,
		}))
		errFrame := recvEvent[ErrorPayload](t, host, EventError)
		assert.Equal(t, errCodeInvalidState, errFrame.ErrorCode)
	})

	t.Run("should require admission authority", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.router(ctx, guest, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, ApproverUserID: guest.UserID,
		}))
		errFrame := recvEvent[ErrorPayload](t, guest, EventError)
		assert.Equal(t, errCodeAuthorization, errFrame.ErrorCode)
		assert.Equal(t, 1, r.PendingCount())
	})

	t.Run("should trim a padded target id", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.router(ctx, host, msgFor(t, EventDenyJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: "  user-guest  ", Reason: "nope", ApproverUserID: host.UserID,
		}))
		denied := recvEvent[JoinDeniedPayload](t, guest, EventJoinDenied)
		assert.Equal(t, "nope", denied.Reason)
		processed := recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
		assert.Equal(t, UserIdType("user-guest"), processed.UserID)
		assert.Equal(t, 0, r.PendingCount())
	})
}

func TestAdmitAll(t *testing.T) {
	ctx := context.Background()

	t.Run("should approve the whole queue in order", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)

		guests := []*Client{
			newTestClientWithName("conn-a", "user-a", "Alice"),
			newTestClientWithName("conn-b", "user-b", "Bob"),
			newTestClientWithName("conn-c", "user-c", "Carol"),
		}
		for _, g := range guests {
			queueGuest(t, r, g)
			recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
		}

		r.router(ctx, host, msgFor(t, EventAdmitAllWaiting, AdmitAllPayload{
			RoomID: r.ID, ApproverUserID: host.UserID,
		}))

		for _, g := range guests {
			approved := recvEvent[JoinApprovedPayload](t, g, EventJoinApproved)
			assert.False(t, approved.IsHost)
		}
		processed := recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
		assert.Equal(t, "admitted-all", processed.Action)
		assert.Equal(t, 3, processed.Count)
		assert.Equal(t, 0, r.PendingCount())
	})

	t.Run("should report an empty queue as zero admitted", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)

		r.router(ctx, host, msgFor(t, EventAdmitAllWaiting, AdmitAllPayload{
			RoomID: r.ID, ApproverUserID: host.UserID,
		}))
		processed := recvEvent[JoinRequestProcessedPayload](t, host, EventJoinRequestProcessed)
		assert.Equal(t, "admitted-all", processed.Action)
		assert.Zero(t, processed.Count)
	})

	t.Run("should require admission authority", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.router(ctx, guest, msgFor(t, EventAdmitAllWaiting, AdmitAllPayload{
			RoomID: r.ID, ApproverUserID: guest.UserID,
		}))
		errFrame := recvEvent[ErrorPayload](t, guest, EventError)
		assert.Equal(t, errCodeAuthorization, errFrame.ErrorCode)
		assert.Equal(t, 1, r.PendingCount())
	})
}

func TestUpdateWaitingSocket(t *testing.T) {
	ctx := context.Background()

	t.Run("should rebind the pending request", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.mu.RLock()
		requestedAt := r.pendingRequests[guest.UserID].RequestedAt
		r.mu.RUnlock()

		fresh := newTestClientWithName("conn-guest-2", guest.UserID, "Guest")
		r.handleClientConnect(ctx, fresh)
		r.router(ctx, fresh, msgFor(t, EventUpdateWaitingSocket, UpdateWaitingPayload{RoomID: r.ID}))

		r.mu.RLock()
		pending := r.pendingRequests[guest.UserID]
		r.mu.RUnlock()
		assert.Equal(t, fresh.ConnID, pending.ConnID)
		assert.Equal(t, requestedAt, pending.RequestedAt, "rebinding must not reset the expiry clock")
		assertNoFrame(t, host)

		// The decision reaches the rebound socket.
		r.router(ctx, host, msgFor(t, EventApproveJoinRequest, AdmissionDecisionPayload{
			RoomID: r.ID, UserID: guest.UserID, ApproverUserID: host.UserID,
		}))
		recvEvent[JoinApprovedPayload](t, fresh, EventJoinApproved)
		assertNoFrame(t, guest)
	})

	t.Run("should be silent without a pending request", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)

		r.router(ctx, host, msgFor(t, EventUpdateWaitingSocket, UpdateWaitingPayload{RoomID: r.ID}))
		assertNoFrame(t, host)
	})
}

func TestSweepExpiredRequests(t *testing.T) {
	t.Run("should expire exactly at the TTL boundary", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		alice := newTestClientWithName("conn-a", "user-a", "Alice")
		bob := newTestClientWithName("conn-b", "user-b", "Bob")
		queueGuest(t, r, alice)
		queueGuest(t, r, bob)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.mu.RLock()
		requestedAt := r.pendingRequests[alice.UserID].RequestedAt
		r.mu.RUnlock()

		// One second shy of the TTL nothing happens.
		assert.Zero(t, r.sweepExpiredRequests(requestedAt.Add(pendingRequestTTL-time.Second)))
		assert.Equal(t, 2, r.PendingCount())

		// At the boundary Alice expires; Bob was queued later and survives.
		expired := r.sweepExpiredRequests(requestedAt.Add(pendingRequestTTL))
		assert.Equal(t, 1, expired)
		notice := recvEvent[JoinRequestExpiredPayload](t, alice, EventJoinRequestExpired)
		assert.NotEmpty(t, notice.Message)
		assertNoFrame(t, bob)
		assert.Equal(t, 1, r.PendingCount())

		r.mu.RLock()
		position := r.pendingPositionLocked(bob.UserID)
		r.mu.RUnlock()
		assert.Equal(t, 1, position, "the survivor moves up")
	})

	t.Run("should let an expired requester ask again", func(t *testing.T) {
		r := newTestRoom("room-1")
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		r.sweepExpiredRequests(time.Now().Add(pendingRequestTTL))
		recvEvent[JoinRequestExpiredPayload](t, guest, EventJoinRequestExpired)

		waiting := queueGuest(t, r, guest)
		assert.Equal(t, 1, waiting.Position)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)
	})

	t.Run("should release a room whose last tie was an expired request", func(t *testing.T) {
		emptied := make(chan RoomIdType, 1)
		r := NewRoom("room-1", defaultRoomSettings(), nil, func(id RoomIdType) { emptied <- id }, nil)
		host := newTestClientWithName("conn-host", "user-host", "Host")
		claimHost(t, r, host)
		guest := newTestClientWithName("conn-guest", "user-guest", "Guest")
		queueGuest(t, r, guest)
		recvEvent[JoinRequestNotice](t, host, EventJoinRequest)

		// Everyone drops; only the queue slot keeps the room alive.
		r.handleClientDisconnect(host)
		r.handleClientDisconnect(guest)
		assert.False(t, r.IsRemovable())

		r.sweepExpiredRequests(time.Now().Add(pendingRequestTTL))
		assert.True(t, r.IsRemovable())
		select {
		case id := <-emptied:
			assert.Equal(t, r.ID, id)
		default:
			t.Fatal("expected the room to ask for cleanup")
		}
	})
}
