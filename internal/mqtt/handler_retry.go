package mqtt

import "context"

// replayInflight resends every entry carried over in Session.InflightOut/InflightIn from a
// previous connection, in original order, registering fresh waiters for this connection.
// Packet ids are never reallocated here; retry must not touch the packet-id allocator.
func (h *ProtocolHandler) replayInflight(ctx context.Context) {
	h.session.EachOutgoing(func(msg *OutgoingApplicationMessage) {
		if msg.QoS == 2 && msg.PubrecReceived {
			future := h.registerWaiter(h.pubcompWaiters, msg.PacketID)
			h.logger().Debugf("retry: resending PUBREL(%d)", msg.PacketID)
			if err := h.enqueueWrite(ctx, NewPubrelPacket(msg.PacketID), false); err != nil {
				h.logger().Warnf("retry: failed to resend PUBREL(%d): %s", msg.PacketID, err)
				_ = future.SetError(err)
				return
			}
			capturedID := msg.PacketID
			h.group.Go(func() error {
				return h.awaitReplayedPubrel(ctx, capturedID, future)
			})
			return
		}

		var table map[int]*Future
		if msg.QoS == 1 {
			table = h.pubackWaiters
		} else {
			table = h.pubrecWaiters
		}
		future := h.registerWaiter(table, msg.PacketID)
		packet := NewPublishPacket(Topic(msg.Topic), Message(msg.Payload), QoS(msg.QoS), Retain(msg.Retain), PacketID(msg.PacketID))
		h.logger().Debugf("retry: resending PUBLISH(%d) dup=true", msg.PacketID)
		if err := h.enqueueWrite(ctx, packet, true); err != nil {
			h.logger().Warnf("retry: failed to resend PUBLISH(%d): %s", msg.PacketID, err)
			_ = future.SetError(err)
			return
		}
		capturedMsg := msg
		h.group.Go(func() error {
			return h.awaitReplayedPublish(ctx, capturedMsg, future)
		})
	})

	h.session.EachIncoming(func(msg *IncomingApplicationMessage) {
		future := h.registerWaiter(h.pubrelWaiters, msg.PacketID)
		h.logger().Debugf("retry: resending PUBREC(%d)", msg.PacketID)
		if err := h.enqueueWrite(ctx, NewPubrecPacket(msg.PacketID), false); err != nil {
			h.logger().Warnf("retry: failed to resend PUBREC(%d): %s", msg.PacketID, err)
			_ = future.SetError(err)
			return
		}
		capturedMsg := msg
		h.group.Go(func() error {
			return h.awaitPubrel(ctx, capturedMsg, future)
		})
	})
}

// awaitReplayedPubrel completes a QoS 2 retry that was already past PUBREC when the previous
// connection dropped: it waits for the resent PUBREL's PUBCOMP and removes the message from
// InflightOut, mirroring the foreground Publish path's own PUBCOMP handling.
func (h *ProtocolHandler) awaitReplayedPubrel(ctx context.Context, packetID int, future *Future) error {
	if _, err := future.Get(ctx); err != nil {
		return nil // ErrCancelled on Stop, or ctx expiry: the message stays inflight for the next reconnect
	}
	h.session.RemoveOutgoing(packetID)
	return nil
}

// awaitReplayedPublish completes a replayed QoS 1/2 PUBLISH. For QoS 1 it removes the message
// from InflightOut once PUBACK arrives. For QoS 2 it drives the rest of the handshake - PUBREL,
// then PUBCOMP - exactly as the foreground Publish path does, so a second drop between PUBREC
// and PUBCOMP leaves PubrecReceived set for the following reconnect.
func (h *ProtocolHandler) awaitReplayedPublish(ctx context.Context, msg *OutgoingApplicationMessage, future *Future) error {
	if _, err := future.Get(ctx); err != nil {
		return nil // ErrCancelled on Stop, or ctx expiry: the message stays inflight for the next reconnect
	}
	if msg.QoS == 1 {
		h.session.RemoveOutgoing(msg.PacketID)
		return nil
	}

	compFuture := h.registerWaiter(h.pubcompWaiters, msg.PacketID)
	if err := h.enqueueWrite(ctx, NewPubrelPacket(msg.PacketID), false); err != nil {
		h.logger().Warnf("retry: failed to send PUBREL(%d): %s", msg.PacketID, err)
		return nil
	}
	if _, err := compFuture.Get(ctx); err != nil {
		return nil
	}
	h.session.RemoveOutgoing(msg.PacketID)
	return nil
}
