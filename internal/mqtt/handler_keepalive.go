package mqtt

import (
	"context"
	"fmt"
	"time"
)

// pollTicker wraps time.Ticker so keepaliveLoop can poll activity at a fraction of the
// keepalive interval rather than firing PINGREQ eagerly the instant the full interval elapses.
type pollTicker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(interval time.Duration) *pollTicker {
	poll := interval / 4
	if poll <= 0 {
		poll = time.Second
	}
	t := time.NewTicker(poll)
	return &pollTicker{t: t, c: t.C}
}

func (p *pollTicker) stop() { p.t.Stop() }

// keepaliveLoop arms a timer for h.keepAlive; if no packet has been written for that long, it
// emits PINGREQ and requires PINGRESP within h.pingTimeout, failing the connection with
// ErrKeepaliveTimeout otherwise.
func (h *ProtocolHandler) keepaliveLoop(ctx context.Context) error {
	ticker := newTicker(h.keepAlive)
	defer ticker.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.c:
			idle := h.timeSinceActivity()
			if idle < h.keepAlive {
				continue
			}
			if err := h.sendPing(ctx); err != nil {
				return err
			}
		}
	}
}

func (h *ProtocolHandler) sendPing(ctx context.Context) error {
	h.waiterMu.Lock()
	future := NewFuture()
	h.pingWaiter = future
	h.waiterMu.Unlock()

	h.logger().Debugf("PINGREQ")
	if err := h.enqueueWrite(ctx, &PingReqPacket{}, false); err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()
	if _, err := future.Get(pingCtx); err != nil {
		if pingCtx.Err() != nil {
			return fmt.Errorf("%w: no PINGRESP within %s", ErrKeepaliveTimeout, h.pingTimeout)
		}
		return err
	}
	h.logger().Debugf("PINGRESP")
	return nil
}
