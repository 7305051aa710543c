package session

import (
	"context"

	"github.com/mymeet/signaling/internal/v1/metrics"
)

// handleSignal relays WebRTC negotiation frames between two admitted
// connections. The relay is stateless: SDP and ICE payloads are opaque,
// glare resolution is the clients' problem, and ordering is preserved per
// (sender, receiver) pair because each sender's frames are processed on
// its own read pump and land on the target's queue in order.
func (r *Room) handleSignal(ctx context.Context, client *Client, msg Message) {
	if !r.frameWithinLimit(ctx, client, msg) {
		return
	}
	payload, ok := assertPayload[SignalPayload](ctx, msg.Event, msg.Payload)
	if !ok {
		return
	}

	r.mu.RLock()
	_, senderAdmitted := r.participants[client.ConnID]
	target := r.participants[payload.To]
	r.mu.RUnlock()

	if !senderAdmitted {
		client.sendError(ctx, errCodeInvalidState, "sender is not a participant in this room")
		return
	}
	if target == nil {
		client.sendError(ctx, errCodeInvalidState, "target connection is not in this room")
		return
	}

	outEvent := msg.Event
	if msg.Event == EventRequestRenegotiation {
		outEvent = EventRenegotiationNeeded
	}

	// The from field is stamped server-side; an asserted value is never
	// forwarded.
	target.sendEvent(ctx, outEvent, SignalPayload{
		To:        payload.To,
		From:      client.ConnID,
		Payload:   payload.Payload,
		Candidate: payload.Candidate,
		UserName:  client.DisplayName,
		UserID:    client.UserID,
	})
	metrics.SignalsRelayed.WithLabelValues(string(outEvent)).Inc()
}
