package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type handlerState int

const (
	handlerNew handlerState = iota
	handlerAttached
	handlerRunning
	handlerStopped
)

// defaultHandshakeTimeout bounds how long Start() waits for CONNACK.
const defaultHandshakeTimeout = 10 * time.Second

// defaultPingTimeout bounds how long the handler waits for PINGRESP after PINGREQ.
const defaultPingTimeout = 5 * time.Second

// writeRequest is one entry on the writer goroutine's queue.
type writeRequest struct {
	msg MessageWriter
	dup bool
}

// ProtocolHandler is the per-connection state machine: it borrows a Session and a
// StreamAdapter, drives the CONNECT/CONNACK handshake, and runs the reader/writer loops that
// implement the QoS 1/2 acknowledgement handshakes. It holds a non-owning reference to the
// Session: packet ids name entries in the Session's own maps, never raw pointers held only by
// the handler, so a Session can be reattached to a fresh handler after a reconnect.
type ProtocolHandler struct {
	mu    sync.Mutex
	state handlerState

	session *Session
	stream  StreamAdapter
	connID  string

	keepAlive        time.Duration
	handshakeTimeout time.Duration
	pingTimeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	writeCh chan writeRequest

	waiterMu        sync.Mutex
	pubackWaiters   map[int]*Future
	pubrecWaiters   map[int]*Future
	pubrelWaiters   map[int]*Future
	pubcompWaiters  map[int]*Future
	subackWaiters   map[int]*Future
	unsubackWaiters map[int]*Future
	pingWaiter      *Future

	lastActivityMu sync.Mutex
	lastActivity   time.Time

	stopped chan struct{}
}

// Attach binds the handler to session and stream without starting any I/O. Attach may be
// called again after Stop to reuse the handler for a new connection to the same session.
func (h *ProtocolHandler) Attach(session *Session, stream StreamAdapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = session
	h.stream = stream
	h.connID = uuid.NewString()
	h.handshakeTimeout = defaultHandshakeTimeout
	h.pingTimeout = defaultPingTimeout
	h.state = handlerAttached
	h.stopped = make(chan struct{})
}

// Done returns a channel that closes once the handler has stopped running, whether from an
// explicit Stop/Disconnect or a fatal reader/writer error. Callers that want to react to a
// dropped connection without blocking forever in DeliverNext should select on this alongside
// their own context.
func (h *ProtocolHandler) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *ProtocolHandler) logger() *log.Entry {
	return log.WithField("conn", h.connID)
}

// Start performs the CONNECT/CONNACK handshake, spawns the reader and writer goroutines, and
// replays any inflight entries carried over from a previous connection before returning.
func (h *ProtocolHandler) Start(ctx context.Context, options ...ConnectOption) error {
	h.mu.Lock()
	if h.state != handlerAttached {
		h.mu.Unlock()
		return wrapInvalidState("Start requires a handler in the Attached state")
	}
	h.mu.Unlock()

	opts := append([]ConnectOption{ClientName(h.session.ClientID)}, options...)
	connectPacket := NewConnectPacket(opts...)
	h.keepAlive = time.Duration(connectPacket.options.KeepAliveSeconds) * time.Second

	h.pubackWaiters = make(map[int]*Future)
	h.pubrecWaiters = make(map[int]*Future)
	h.pubrelWaiters = make(map[int]*Future)
	h.pubcompWaiters = make(map[int]*Future)
	h.subackWaiters = make(map[int]*Future)
	h.unsubackWaiters = make(map[int]*Future)

	if connectPacket.options.CleanSession {
		h.session.Reset()
	}

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, h.handshakeTimeout)
	defer cancelHandshake()

	h.logger().Debugf("CONNECT clientID=%s cleanSession=%v", h.session.ClientID, connectPacket.options.CleanSession)
	if err := h.writePacketNow(handshakeCtx, connectPacket); err != nil {
		return err
	}

	ack, err := h.readHandshakeAck(handshakeCtx)
	if err != nil {
		if handshakeCtx.Err() != nil {
			return fmt.Errorf("%w: waiting for CONNACK", ErrHandshakeTimeout)
		}
		return err
	}
	if ack.ReturnCode != ConnectionAccepted {
		return fmt.Errorf("%w: broker returned code %d", ErrConnectionRefused, ack.ReturnCode)
	}
	h.logger().Debugf("CONNACK sessionPresent=%v", ack.SessionPresent)

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	h.group = group
	h.ctx = groupCtx

	h.writeCh = make(chan writeRequest, 64)
	h.touchActivity()

	group.Go(func() error { return h.writerLoop(groupCtx) })
	group.Go(func() error { return h.readerLoop(groupCtx) })
	if h.keepAlive > 0 {
		group.Go(func() error { return h.keepaliveLoop(groupCtx) })
	}

	h.mu.Lock()
	h.state = handlerRunning
	h.mu.Unlock()

	h.replayInflight(groupCtx)

	go h.superviseFatalError(cancel)

	return nil
}

// superviseFatalError waits for the task group to finish. A non-nil result means a goroutine
// hit a fatal error (ErrTransport, ErrMalformedPacket, ErrProtocolError, ErrKeepaliveTimeout);
// since no application caller is guaranteed to be blocked in Publish/DeliverNext to observe it
// directly, this transitions the handler to Stopped itself so later calls fail fast with
// ErrNotConnected instead of hanging.
func (h *ProtocolHandler) superviseFatalError(cancel context.CancelFunc) {
	err := h.group.Wait()
	h.mu.Lock()
	alreadyStopped := h.state == handlerStopped
	h.state = handlerStopped
	if !alreadyStopped {
		close(h.stopped)
	}
	h.mu.Unlock()
	if alreadyStopped {
		return
	}
	if err != nil {
		h.logger().Errorf("connection terminated: %s", err)
		h.cancelAllWaiters(err)
	}
	cancel()
	_ = h.stream.Close()
}

// readHandshakeAck reads exactly one packet from the stream and requires it to be a CONNACK;
// the handshake never shares the reader loop's dispatcher since no waiter map exists yet.
func (h *ProtocolHandler) readHandshakeAck(ctx context.Context) (*ConnAckPacket, error) {
	reader := newStreamReader(ctx, h.stream)
	packet, err := ReadPacket(reader)
	if err != nil {
		return nil, err
	}
	ack, ok := packet.(*ConnAckPacket)
	if !ok {
		return nil, fmt.Errorf("%w: expected CONNACK, got packet type %d", ErrProtocolError, packet.Type())
	}
	return ack, nil
}

// writePacketNow serializes and sends msg directly, bypassing the writer queue. Used only
// during the handshake, before the writer goroutine exists.
func (h *ProtocolHandler) writePacketNow(ctx context.Context, msg MessageWriter) error {
	data, err := marshalMessage(msg, false)
	if err != nil {
		return err
	}
	return h.stream.Send(ctx, data)
}

func marshalMessage(msg MessageWriter, dup bool) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if dup {
		_, err = msg.WriteDupTo(&buf)
	} else {
		_, err = msg.WriteTo(&buf)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *ProtocolHandler) touchActivity() {
	h.lastActivityMu.Lock()
	h.lastActivity = timeNow()
	h.lastActivityMu.Unlock()
}

func (h *ProtocolHandler) timeSinceActivity() time.Duration {
	h.lastActivityMu.Lock()
	defer h.lastActivityMu.Unlock()
	return timeNow().Sub(h.lastActivity)
}

// timeNow is a thin indirection over time.Now kept in one place for readability of the
// keepalive arithmetic elsewhere in this file.
func timeNow() time.Time { return time.Now() }

// enqueueWrite submits msg to the writer goroutine's queue and blocks only on queue capacity
// or ctx cancellation, never on the network itself.
func (h *ProtocolHandler) enqueueWrite(ctx context.Context, msg MessageWriter, dup bool) error {
	select {
	case h.writeCh <- writeRequest{msg: msg, dup: dup}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ProtocolHandler) writerLoop(ctx context.Context) error {
	for {
		select {
		case req := <-h.writeCh:
			data, err := marshalMessage(req.msg, req.dup)
			if err != nil {
				h.logger().Errorf("failed to marshal outgoing packet: %s", err)
				continue
			}
			if err := h.stream.Send(ctx, data); err != nil {
				return err
			}
			h.touchActivity()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *ProtocolHandler) readerLoop(ctx context.Context) error {
	reader := newStreamReader(ctx, h.stream)
	for {
		packet, err := ReadPacket(reader)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.cancelAllWaiters(err)
			return err
		}
		if err := h.dispatch(ctx, packet); err != nil {
			h.cancelAllWaiters(err)
			return err
		}
	}
}

// dispatch routes one decoded packet to its handler, per the reader-loop table.
func (h *ProtocolHandler) dispatch(ctx context.Context, packet Packet) error {
	switch p := packet.(type) {
	case *PublishPacket:
		return h.handleIncomingPublish(ctx, p)
	case *AckPacket:
		return h.handleAck(ctx, p)
	case *SubAckPacket:
		h.resolveWaiter(h.subackWaiters, p.PacketID(), p, nil)
		return nil
	case *PingRespPacket:
		h.resolvePing()
		return nil
	case *DisconnectPacket:
		return fmt.Errorf("%w: broker sent DISCONNECT", ErrProtocolError)
	default:
		return fmt.Errorf("%w: unexpected packet type %d in reader loop", ErrProtocolError, packet.Type())
	}
}

func (h *ProtocolHandler) handleAck(ctx context.Context, p *AckPacket) error {
	switch p.Type() {
	case PubackType:
		h.resolveWaiter(h.pubackWaiters, p.PacketID(), p, nil)
	case PubrecType:
		if outgoing, ok := h.session.GetOutgoing(p.PacketID()); ok {
			outgoing.PubrecReceived = true
			h.session.PutOutgoing(outgoing)
		}
		h.resolveWaiter(h.pubrecWaiters, p.PacketID(), p, nil)
	case PubrelType:
		h.resolveWaiter(h.pubrelWaiters, p.PacketID(), p, nil)
	case PubcompType:
		h.resolveWaiter(h.pubcompWaiters, p.PacketID(), p, nil)
	case UnsubackType:
		h.resolveWaiter(h.unsubackWaiters, p.PacketID(), p, nil)
	default:
		return fmt.Errorf("%w: unexpected ack packet type %d", ErrProtocolError, p.Type())
	}
	return nil
}

// handleIncomingPublish implements the three QoS-specific reader-loop actions for PUBLISH.
func (h *ProtocolHandler) handleIncomingPublish(ctx context.Context, p *PublishPacket) error {
	msg := &IncomingApplicationMessage{
		PacketID: p.PacketID(),
		Topic:    p.Topic(),
		Payload:  p.Payload(),
		QoS:      p.QoS(),
		Retain:   p.Retain(),
	}
	switch p.QoS() {
	case 0:
		return h.deliver(ctx, msg)
	case 1:
		if err := h.deliver(ctx, msg); err != nil {
			return err
		}
		return h.enqueueWrite(ctx, NewPubackPacket(p.PacketID()), false)
	case 2:
		return h.handleQoS2Publish(ctx, msg)
	default:
		return fmt.Errorf("%w: PUBLISH with QoS %d", ErrProtocolError, p.QoS())
	}
}

func (h *ProtocolHandler) deliver(ctx context.Context, msg *IncomingApplicationMessage) error {
	select {
	case h.session.DeliveredQueue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleQoS2Publish registers the message in InflightIn, sends PUBREC, and spawns a goroutine
// that waits for the matching PUBREL before sending PUBCOMP and delivering the message - kept
// off the reader loop's own goroutine so a slow application or a slow PUBREL from the peer
// never blocks decoding of subsequent packets.
func (h *ProtocolHandler) handleQoS2Publish(ctx context.Context, msg *IncomingApplicationMessage) error {
	h.session.PutIncoming(msg)
	future := h.registerWaiter(h.pubrelWaiters, msg.PacketID)
	if err := h.enqueueWrite(ctx, NewPubrecPacket(msg.PacketID), false); err != nil {
		return err
	}
	h.group.Go(func() error {
		return h.awaitPubrel(ctx, msg, future)
	})
	return nil
}

func (h *ProtocolHandler) awaitPubrel(ctx context.Context, msg *IncomingApplicationMessage, future *Future) error {
	if _, err := future.Get(ctx); err != nil {
		return nil // ErrCancelled on Stop, or ctx expiry: the PUBREL never arrived this connection
	}
	if err := h.enqueueWrite(ctx, NewPubcompPacket(msg.PacketID), false); err != nil {
		return err
	}
	h.session.RemoveIncoming(msg.PacketID)
	return h.deliver(ctx, msg)
}

func (h *ProtocolHandler) resolvePing() {
	h.waiterMu.Lock()
	waiter := h.pingWaiter
	h.pingWaiter = nil
	h.waiterMu.Unlock()
	if waiter != nil {
		_ = waiter.Set(struct{}{})
	}
}

// registerWaiter creates and stores a fresh Future under packetID in table.
func (h *ProtocolHandler) registerWaiter(table map[int]*Future, packetID int) *Future {
	h.waiterMu.Lock()
	defer h.waiterMu.Unlock()
	future := NewFuture()
	table[packetID] = future
	return future
}

// resolveWaiter settles the Future registered under packetID in table with value or err, then
// removes it. A packet id with no registered waiter is a duplicate/unexpected ack: logged and
// dropped rather than treated as fatal, tolerating spurious retransmission from the peer.
func (h *ProtocolHandler) resolveWaiter(table map[int]*Future, packetID int, value any, err error) {
	h.waiterMu.Lock()
	future, ok := table[packetID]
	if ok {
		delete(table, packetID)
	}
	h.waiterMu.Unlock()
	if !ok {
		h.logger().Warnf("ack for unknown packet id %d: dropped", packetID)
		return
	}
	if err != nil {
		_ = future.SetError(err)
	} else {
		_ = future.Set(value)
	}
}

// cancelAllWaiters resolves every currently outstanding waiter with cause, used both on a
// clean Stop (cause == ErrCancelled) and on a fatal reader/writer error.
func (h *ProtocolHandler) cancelAllWaiters(cause error) {
	h.waiterMu.Lock()
	defer h.waiterMu.Unlock()
	for _, table := range []map[int]*Future{
		h.pubackWaiters, h.pubrecWaiters, h.pubrelWaiters, h.pubcompWaiters,
		h.subackWaiters, h.unsubackWaiters,
	} {
		for id, future := range table {
			_ = future.SetError(cause)
			delete(table, id)
		}
	}
	if h.pingWaiter != nil {
		_ = h.pingWaiter.SetError(cause)
		h.pingWaiter = nil
	}
}

// Stop cancels the handler's goroutines, waits for them to unwind, and resolves every
// outstanding waiter with ErrCancelled. After Stop returns, all waiter maps are empty;
// inflight state in the Session is preserved for a future Start to replay.
func (h *ProtocolHandler) Stop() error {
	h.mu.Lock()
	if h.state != handlerRunning {
		h.mu.Unlock()
		return nil
	}
	h.state = handlerStopped
	close(h.stopped)
	cancel := h.cancel
	group := h.group
	h.mu.Unlock()

	h.cancelAllWaiters(ErrCancelled)
	cancel()
	closeErr := h.stream.Close()
	err := group.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return closeErr
}

// Disconnect sends a graceful DISCONNECT control packet - which tells the broker to discard
// this connection's Will message - then stops the handler exactly like Stop. Callers that want
// the Will message delivered on close should call Stop directly instead.
func (h *ProtocolHandler) Disconnect(ctx context.Context) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	if err := h.writePacketNow(ctx, NewDisconnectPacket()); err != nil {
		h.logger().Warnf("failed to send DISCONNECT: %s", err)
	}
	return h.Stop()
}

// requireRunning returns ErrNotConnected unless the handler is currently running.
func (h *ProtocolHandler) requireRunning() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handlerRunning {
		return ErrNotConnected
	}
	return nil
}

// Publish sends a PUBLISH at the given QoS and, for QoS 1/2, blocks until the full
// acknowledgement handshake completes.
func (h *ProtocolHandler) Publish(ctx context.Context, topic string, payload []byte, qos int, retain bool) (*OutgoingApplicationMessage, error) {
	if err := h.requireRunning(); err != nil {
		return nil, err
	}
	if err := validateTopicForPublish(topic); err != nil {
		return nil, err
	}

	packetID := 0
	var err error
	if qos > 0 {
		packetID, err = h.session.AllocatePacketID()
		if err != nil {
			return nil, err
		}
	}

	outgoing := &OutgoingApplicationMessage{PacketID: packetID, Topic: topic, Payload: payload, QoS: qos, Retain: retain}
	publishPacket := NewPublishPacket(Topic(topic), Message(payload), QoS(qos), Retain(retain), PacketID(packetID))

	if qos == 0 {
		if err := h.enqueueWrite(ctx, publishPacket, false); err != nil {
			return nil, err
		}
		return outgoing, nil
	}

	h.session.PutOutgoing(outgoing)

	var ackFuture *Future
	if qos == 1 {
		ackFuture = h.registerWaiter(h.pubackWaiters, packetID)
	} else {
		ackFuture = h.registerWaiter(h.pubrecWaiters, packetID)
	}

	if err := h.enqueueWrite(ctx, publishPacket, false); err != nil {
		return nil, err
	}

	if _, err := ackFuture.Get(ctx); err != nil {
		return nil, err
	}

	if qos == 1 {
		h.session.RemoveOutgoing(packetID)
		return outgoing, nil
	}

	// QoS 2: PUBREC received, proceed with PUBREL / PUBCOMP.
	compFuture := h.registerWaiter(h.pubcompWaiters, packetID)
	if err := h.enqueueWrite(ctx, NewPubrelPacket(packetID), false); err != nil {
		return nil, err
	}
	if _, err := compFuture.Get(ctx); err != nil {
		return nil, err
	}
	h.session.RemoveOutgoing(packetID)
	return outgoing, nil
}

// Subscribe requests the given filters at the given requested QoS and blocks for SUBACK,
// recording the granted QoS for each filter in the Session's subscription set.
func (h *ProtocolHandler) Subscribe(ctx context.Context, filters []string, qos int) ([]byte, error) {
	if err := h.requireRunning(); err != nil {
		return nil, err
	}
	packetID, err := h.session.AllocatePacketID()
	if err != nil {
		return nil, err
	}
	requests := make([]SubscriptionRequest, len(filters))
	for i, f := range filters {
		requests[i] = SubscriptionRequest{Filter: f, QoS: qos}
	}
	future := h.registerWaiter(h.subackWaiters, packetID)
	if err := h.enqueueWrite(ctx, NewSubscribePacket(packetID, requests), false); err != nil {
		return nil, err
	}
	value, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}
	suback := value.(*SubAckPacket)
	for i, code := range suback.ReturnCodes() {
		if i >= len(filters) {
			break
		}
		if code != SubscribeFailure {
			h.session.SetSubscription(filters[i], int(code))
		}
	}
	return suback.ReturnCodes(), nil
}

// Unsubscribe requests removal of the given filters and blocks for UNSUBACK.
func (h *ProtocolHandler) Unsubscribe(ctx context.Context, filters []string) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	packetID, err := h.session.AllocatePacketID()
	if err != nil {
		return err
	}
	future := h.registerWaiter(h.unsubackWaiters, packetID)
	if err := h.enqueueWrite(ctx, NewUnsubscribePacket(packetID, filters), false); err != nil {
		return err
	}
	if _, err := future.Get(ctx); err != nil {
		return err
	}
	for _, f := range filters {
		h.session.RemoveSubscription(f)
	}
	return nil
}

// DeliverNext returns the next application message delivered from the broker, blocking if none
// is yet available.
func (h *ProtocolHandler) DeliverNext(ctx context.Context) (*IncomingApplicationMessage, error) {
	select {
	case msg := <-h.session.DeliveredQueue:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
