package mqtt

import "sync"

// OutgoingApplicationMessage is an application message on its way from the application to the
// broker. It lives in Session.InflightOut for the duration of its QoS 1/2 handshake.
type OutgoingApplicationMessage struct {
	PacketID int
	Topic    string
	Payload  []byte
	QoS      int
	Retain   bool

	// PubrecReceived marks a QoS 2 message that has already had its PUBREC acknowledged, so a
	// retry on reconnect resends PUBREL rather than re-sending PUBLISH with DUP=1.
	PubrecReceived bool
}

// IncomingApplicationMessage is an application message on its way from the broker to the
// application. QoS 2 messages live in Session.InflightIn between the PUBREC send and the
// matching PUBREL; once complete (or immediately, for QoS 0/1) they are pushed to
// DeliveredQueue.
type IncomingApplicationMessage struct {
	PacketID int
	Topic    string
	Payload  []byte
	QoS      int
	Retain   bool
}

// deliveredQueueCapacity bounds Session.DeliveredQueue; a slow application backpressures the
// reader loop through this channel's fullness rather than the reader invoking callbacks
// synchronously.
const deliveredQueueCapacity = 64

// Session is the persistent per-client state that survives a reconnect when the handler is
// restarted with CleanSession(false): inflight handshake bookkeeping, the packet id allocator,
// the queue of messages ready for application consumption, and the set of granted
// subscriptions. The subscription set is only recorded; nothing re-subscribes from it on
// reconnect.
//
// Session holds data only; it has no network I/O and no goroutines of its own. A
// ProtocolHandler borrows a Session for the lifetime of one connection and mutates it through
// these methods, which take the Session's own lock.
type Session struct {
	ClientID string

	mu            sync.Mutex
	inflightOut   map[int]*OutgoingApplicationMessage
	outgoingOrder []int // insertion order of inflightOut keys, for in-order retry replay
	inflightIn    map[int]*IncomingApplicationMessage
	incomingOrder []int // insertion order of inflightIn keys, for in-order retry replay
	subscriptions map[string]int

	packetIDs *packetIDAllocator

	DeliveredQueue chan *IncomingApplicationMessage

	// OnMutate, if set, is invoked (outside the Session's own lock) after every mutation that
	// changes InflightOut, InflightIn, or Subscriptions, so an application can snapshot session
	// state for its own persistence. Sessions themselves are kept in memory only; OnMutate is
	// the seam a persistent implementation would use.
	OnMutate func(*Session)
}

// NewSession creates a fresh Session for clientID with empty inflight state.
func NewSession(clientID string) *Session {
	return &Session{
		ClientID:       clientID,
		inflightOut:    make(map[int]*OutgoingApplicationMessage),
		inflightIn:     make(map[int]*IncomingApplicationMessage),
		subscriptions:  make(map[string]int),
		packetIDs:      newPacketIDAllocator(),
		DeliveredQueue: make(chan *IncomingApplicationMessage, deliveredQueueCapacity),
	}
}

// Reset clears inflight and subscription state, as happens on a CleanSession(true) (re)connect.
// The DeliveredQueue and its already-queued messages are left untouched.
func (s *Session) Reset() {
	s.mu.Lock()
	s.inflightOut = make(map[int]*OutgoingApplicationMessage)
	s.outgoingOrder = nil
	s.inflightIn = make(map[int]*IncomingApplicationMessage)
	s.incomingOrder = nil
	s.subscriptions = make(map[string]int)
	s.packetIDs = newPacketIDAllocator()
	s.mu.Unlock()
	s.notifyMutate()
}

func (s *Session) notifyMutate() {
	if s.OnMutate != nil {
		s.OnMutate(s)
	}
}

// AllocatePacketID reserves and returns the next free packet id for a new outgoing QoS 1/2
// message.
func (s *Session) AllocatePacketID() (int, error) {
	return s.packetIDs.next()
}

// PutOutgoing records msg as inflight under msg.PacketID, appending it to replay order if not
// already present (a retry-replace of an existing entry keeps its original position), and marks
// the id reserved in the packet-id allocator so AllocatePacketID never hands it back out while it
// remains inflight - including when msg is restored directly rather than via AllocatePacketID.
func (s *Session) PutOutgoing(msg *OutgoingApplicationMessage) {
	s.mu.Lock()
	if _, exists := s.inflightOut[msg.PacketID]; !exists {
		s.outgoingOrder = append(s.outgoingOrder, msg.PacketID)
	}
	s.inflightOut[msg.PacketID] = msg
	s.mu.Unlock()
	s.packetIDs.reserve(msg.PacketID)
	s.notifyMutate()
}

// GetOutgoing returns the outgoing message registered under packetID, if any.
func (s *Session) GetOutgoing(packetID int) (*OutgoingApplicationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inflightOut[packetID]
	return msg, ok
}

// RemoveOutgoing releases packetID from InflightOut and frees it for reuse by the allocator.
func (s *Session) RemoveOutgoing(packetID int) {
	s.mu.Lock()
	delete(s.inflightOut, packetID)
	s.outgoingOrder = removeID(s.outgoingOrder, packetID)
	s.mu.Unlock()
	s.packetIDs.release(packetID)
	s.notifyMutate()
}

// EachOutgoing calls fn for every currently inflight outgoing message, in original submission
// order, so retry-on-reconnect resends in the order the application originally published.
func (s *Session) EachOutgoing(fn func(*OutgoingApplicationMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.outgoingOrder {
		fn(s.inflightOut[id])
	}
}

// PutIncoming records msg as inflight (QoS 2, awaiting PUBREL) under msg.PacketID, appending it
// to replay order if not already present, and reserves the id in the packet-id allocator. The
// broker owns incoming packet ids, not the client, but reserving them too keeps AllocatePacketID
// from ever handing out an id that collides with one currently in use in either direction.
func (s *Session) PutIncoming(msg *IncomingApplicationMessage) {
	s.mu.Lock()
	if _, exists := s.inflightIn[msg.PacketID]; !exists {
		s.incomingOrder = append(s.incomingOrder, msg.PacketID)
	}
	s.inflightIn[msg.PacketID] = msg
	s.mu.Unlock()
	s.packetIDs.reserve(msg.PacketID)
	s.notifyMutate()
}

// GetIncoming returns the incoming message registered under packetID, if any.
func (s *Session) GetIncoming(packetID int) (*IncomingApplicationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inflightIn[packetID]
	return msg, ok
}

// RemoveIncoming releases packetID from InflightIn, once its PUBCOMP has been sent, and frees it
// in the packet-id allocator.
func (s *Session) RemoveIncoming(packetID int) {
	s.mu.Lock()
	delete(s.inflightIn, packetID)
	s.incomingOrder = removeID(s.incomingOrder, packetID)
	s.mu.Unlock()
	s.packetIDs.release(packetID)
	s.notifyMutate()
}

// EachIncoming calls fn for every currently inflight incoming (QoS 2) message, in original
// arrival order, so retry-on-reconnect resends PUBREC in the order PUBLISH was received.
func (s *Session) EachIncoming(fn func(*IncomingApplicationMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.incomingOrder {
		fn(s.inflightIn[id])
	}
}

func removeID(ids []int, target int) []int {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// SetSubscription records the granted QoS for filter, overwriting any prior grant.
func (s *Session) SetSubscription(filter string, qos int) {
	s.mu.Lock()
	s.subscriptions[filter] = qos
	s.mu.Unlock()
	s.notifyMutate()
}

// RemoveSubscription drops filter from the subscription set.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	delete(s.subscriptions, filter)
	s.mu.Unlock()
	s.notifyMutate()
}

// Subscriptions returns a snapshot copy of the current topic filter -> granted QoS set.
func (s *Session) Subscriptions() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// InflightOutLen reports how many outgoing messages are currently awaiting acknowledgement.
func (s *Session) InflightOutLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflightOut)
}

// InflightInLen reports how many incoming QoS 2 messages are currently awaiting PUBREL.
func (s *Session) InflightInLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflightIn)
}
