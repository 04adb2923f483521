package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeHandler wires a ProtocolHandler to one end of an in-memory net.Pipe and hands the
// caller the other end to act as a fake broker. No real network or toolchain is exercised.
func newPipeHandler(t *testing.T, clientID string) (*ProtocolHandler, net.Conn) {
	t.Helper()
	clientConn, brokerConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = brokerConn.Close() })

	session := NewSession(clientID)
	handler := &ProtocolHandler{}
	handler.Attach(session, NewTCPStreamAdapter(clientConn))
	return handler, brokerConn
}

func expectConnect(t *testing.T, brokerConn net.Conn) *ConnectPacket {
	t.Helper()
	packet, err := ReadPacket(brokerConn)
	require.NoError(t, err)
	connect, ok := packet.(*ConnectPacket)
	require.True(t, ok, "expected CONNECT, got %T", packet)
	return connect
}

func sendConnAck(t *testing.T, brokerConn net.Conn, returnCode byte) {
	t.Helper()
	ack := &ConnAckPacket{ReturnCode: returnCode}
	_, err := ack.WriteTo(brokerConn)
	require.NoError(t, err)
}

func TestHandler_ConnectHandshakeAccepted(t *testing.T) {
	handler, brokerConn := newPipeHandler(t, "client-1")

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		readRawConnect(t, brokerConn)
		sendConnAck(t, brokerConn, ConnectionAccepted)
	}()

	err := handler.Start(context.Background(), CleanSession(true), KeepAliveSeconds(0))
	require.NoError(t, err)
	<-serverDone

	require.NoError(t, handler.Stop())
}

func TestHandler_ConnectHandshakeRefused(t *testing.T) {
	handler, brokerConn := newPipeHandler(t, "client-2")

	go func() {
		readRawConnect(t, brokerConn)
		sendConnAck(t, brokerConn, ConnectionRefusedNotAuthorized)
	}()

	err := handler.Start(context.Background(), CleanSession(true))
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

// readRawConnect drains exactly one CONNECT packet's worth of bytes off the wire without
// decoding its payload, since parseConnectPacket is intentionally unsupported by this codec.
func readRawConnect(t *testing.T, conn net.Conn) {
	t.Helper()
	fixedHeader := make([]byte, 1)
	_, err := conn.Read(fixedHeader)
	require.NoError(t, err)
	remaining, err := DecodeVariableInt(conn)
	require.NoError(t, err)
	body := make([]byte, remaining)
	if remaining > 0 {
		_, err = readFull(conn, body)
		require.NoError(t, err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func startConnected(t *testing.T, clientID string) (*ProtocolHandler, net.Conn) {
	t.Helper()
	handler, brokerConn := newPipeHandler(t, clientID)
	serverReady := make(chan struct{})
	go func() {
		readRawConnect(t, brokerConn)
		sendConnAck(t, brokerConn, ConnectionAccepted)
		close(serverReady)
	}()
	require.NoError(t, handler.Start(context.Background(), CleanSession(true), KeepAliveSeconds(0)))
	<-serverReady
	return handler, brokerConn
}

func TestHandler_PublishQoS0_NoAckExpected(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-qos0")

	received := make(chan *PublishPacket, 1)
	go func() {
		packet, err := ReadPacket(brokerConn)
		if err == nil {
			if p, ok := packet.(*PublishPacket); ok {
				received <- p
			}
		}
	}()

	_, err := handler.Publish(context.Background(), "a/b", []byte("payload"), 0, false)
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, "a/b", p.Topic())
		assert.Equal(t, []byte("payload"), p.Payload())
	case <-time.After(time.Second):
		t.Fatal("broker never observed PUBLISH")
	}

	require.NoError(t, handler.Stop())
}

func TestHandler_PublishQoS1_CompletesOnPuback(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-qos1")

	go func() {
		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		publish, ok := packet.(*PublishPacket)
		require.True(t, ok)
		_, err = NewPubackPacket(publish.PacketID()).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	outgoing, err := handler.Publish(context.Background(), "topic", []byte("x"), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, outgoing.PacketID)
	assert.Equal(t, 0, handler.session.InflightOutLen())

	require.NoError(t, handler.Stop())
}

func TestHandler_PublishQoS2_CompletesFullHandshake(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-qos2")

	go func() {
		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		publish, ok := packet.(*PublishPacket)
		require.True(t, ok)

		_, err = NewPubrecPacket(publish.PacketID()).WriteTo(brokerConn)
		require.NoError(t, err)

		packet, err = ReadPacket(brokerConn)
		require.NoError(t, err)
		pubrel, ok := packet.(*AckPacket)
		require.True(t, ok)
		assert.Equal(t, PubrelType, pubrel.Type())

		_, err = NewPubcompPacket(publish.PacketID()).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	outgoing, err := handler.Publish(context.Background(), "topic", []byte("y"), 2, false)
	require.NoError(t, err)
	assert.Equal(t, 1, outgoing.PacketID)
	assert.Equal(t, 0, handler.session.InflightOutLen())

	require.NoError(t, handler.Stop())
}

func TestHandler_SubscribeGrantsRecordedInSession(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-sub")

	go func() {
		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		sub, ok := packet.(*SubscribePacket)
		require.True(t, ok)
		codes := make([]byte, len(sub.Filters()))
		for i, f := range sub.Filters() {
			codes[i] = byte(f.QoS)
		}
		_, err = NewSubAckPacket(sub.PacketID(), codes).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	codes, err := handler.Subscribe(context.Background(), []string{"a/b", "c/d"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1}, codes)
	assert.Equal(t, map[string]int{"a/b": 1, "c/d": 1}, handler.session.Subscriptions())

	require.NoError(t, handler.Stop())
}

func TestHandler_SubscribeFailureNotRecorded(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-subfail")

	go func() {
		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		sub := packet.(*SubscribePacket)
		_, err = NewSubAckPacket(sub.PacketID(), []byte{SubscribeFailure}).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	_, err := handler.Subscribe(context.Background(), []string{"denied/topic"}, 1)
	require.NoError(t, err)
	assert.Empty(t, handler.session.Subscriptions())

	require.NoError(t, handler.Stop())
}

func TestHandler_UnsubscribeRemovesFromSession(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-unsub")
	handler.session.SetSubscription("a/b", 1)

	go func() {
		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		unsub, ok := packet.(*UnsubscribePacket)
		require.True(t, ok)
		_, err = NewUnsubackPacket(unsub.PacketID()).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	err := handler.Unsubscribe(context.Background(), []string{"a/b"})
	require.NoError(t, err)
	assert.Empty(t, handler.session.Subscriptions())

	require.NoError(t, handler.Stop())
}

func TestHandler_IncomingPublishQoS1_DeliversAndAcks(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-incoming")

	pubackSeen := make(chan *AckPacket, 1)
	go func() {
		publish := NewPublishPacket(Topic("down/stream"), Message([]byte("hi")), QoS(1), PacketID(1))
		_, err := publish.WriteTo(brokerConn)
		require.NoError(t, err)

		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		if ack, ok := packet.(*AckPacket); ok {
			pubackSeen <- ack
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := handler.DeliverNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "down/stream", msg.Topic)
	assert.Equal(t, []byte("hi"), msg.Payload)

	select {
	case ack := <-pubackSeen:
		assert.Equal(t, PubackType, ack.Type())
		assert.Equal(t, 1, ack.PacketID())
	case <-time.After(time.Second):
		t.Fatal("broker never observed PUBACK")
	}

	require.NoError(t, handler.Stop())
}

func TestHandler_IncomingPublishQoS2_FullHandshakeThenDelivers(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-incoming-qos2")

	go func() {
		publish := NewPublishPacket(Topic("down/stream2"), Message([]byte("hi2")), QoS(2), PacketID(5))
		_, err := publish.WriteTo(brokerConn)
		require.NoError(t, err)

		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		pubrec, ok := packet.(*AckPacket)
		require.True(t, ok)
		assert.Equal(t, PubrecType, pubrec.Type())

		_, err = NewPubrelPacket(5).WriteTo(brokerConn)
		require.NoError(t, err)

		packet, err = ReadPacket(brokerConn)
		require.NoError(t, err)
		pubcomp, ok := packet.(*AckPacket)
		require.True(t, ok)
		assert.Equal(t, PubcompType, pubcomp.Type())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := handler.DeliverNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "down/stream2", msg.Topic)
	assert.Equal(t, 0, handler.session.InflightInLen())

	require.NoError(t, handler.Stop())
}

func TestHandler_StopCancelsOutstandingPublish(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-stop")

	go func() {
		_, _ = ReadPacket(brokerConn) // swallow the PUBLISH, never ack it
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := handler.Publish(context.Background(), "topic", []byte("z"), 1, false)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, handler.Stop())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Publish never unblocked after Stop")
	}
}

func TestHandler_PublishFailsWhenNotRunning(t *testing.T) {
	handler := &ProtocolHandler{}
	_, err := handler.Publish(context.Background(), "topic", []byte("x"), 0, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TestHandler_QoS1RetryOnReconnect_ResendsDupAndClearsInflight covers the QoS 1 retry-on-reconnect
// scenario: a message left in InflightOut by a previous connection is resent with DUP=1 on a
// CleanSession(false) reconnect, and is removed from InflightOut once the new connection's PUBACK
// arrives.
func TestHandler_QoS1RetryOnReconnect_ResendsDupAndClearsInflight(t *testing.T) {
	handler, brokerConn := newPipeHandler(t, "client-retry-qos1")
	handler.session.PutOutgoing(&OutgoingApplicationMessage{PacketID: 1, Topic: "a/b", Payload: []byte("v"), QoS: 1})

	resent := make(chan *PublishPacket, 1)
	go func() {
		readRawConnect(t, brokerConn)
		sendConnAck(t, brokerConn, ConnectionAccepted)

		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		publish, ok := packet.(*PublishPacket)
		require.True(t, ok)
		resent <- publish

		_, err = NewPubackPacket(publish.PacketID()).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	require.NoError(t, handler.Start(context.Background(), CleanSession(false), KeepAliveSeconds(0)))

	select {
	case publish := <-resent:
		assert.Equal(t, 1, publish.PacketID())
		assert.True(t, publish.Dup(), "replayed PUBLISH must carry DUP=1")
	case <-time.After(time.Second):
		t.Fatal("broker never observed the resent PUBLISH")
	}

	require.Eventually(t, func() bool {
		return handler.session.InflightOutLen() == 0
	}, time.Second, 10*time.Millisecond, "replayed PUBLISH never cleared from InflightOut after PUBACK")

	require.NoError(t, handler.Stop())
}

// TestHandler_QoS2RetryPastPubrec_ResendsPubrelNotPublish covers the QoS 2 retry-on-reconnect
// scenario where PUBREC already arrived before the previous connection dropped: PubrecReceived
// disambiguates this from the pre-PUBREC case, so the reconnect must resend PUBREL, never PUBLISH.
func TestHandler_QoS2RetryPastPubrec_ResendsPubrelNotPublish(t *testing.T) {
	handler, brokerConn := newPipeHandler(t, "client-retry-qos2")
	handler.session.PutOutgoing(&OutgoingApplicationMessage{
		PacketID: 7, Topic: "a/b", Payload: []byte("v"), QoS: 2, PubrecReceived: true,
	})

	resent := make(chan *AckPacket, 1)
	go func() {
		readRawConnect(t, brokerConn)
		sendConnAck(t, brokerConn, ConnectionAccepted)

		packet, err := ReadPacket(brokerConn)
		require.NoError(t, err)
		ack, ok := packet.(*AckPacket)
		require.True(t, ok, "expected an ack packet, got %T", packet)
		resent <- ack

		_, err = NewPubcompPacket(ack.PacketID()).WriteTo(brokerConn)
		require.NoError(t, err)
	}()

	require.NoError(t, handler.Start(context.Background(), CleanSession(false), KeepAliveSeconds(0)))

	select {
	case ack := <-resent:
		assert.Equal(t, PubrelType, ack.Type(), "must resend PUBREL, not PUBLISH, once PUBREC was already seen")
		assert.Equal(t, 7, ack.PacketID())
	case <-time.After(time.Second):
		t.Fatal("broker never observed the resent PUBREL")
	}

	require.Eventually(t, func() bool {
		return handler.session.InflightOutLen() == 0
	}, time.Second, 10*time.Millisecond, "replayed PUBREL never cleared from InflightOut after PUBCOMP")

	require.NoError(t, handler.Stop())
}

func TestHandler_PublishRejectsWildcardTopic(t *testing.T) {
	handler, brokerConn := startConnected(t, "client-wildcard")
	defer brokerConn.Close()

	_, err := handler.Publish(context.Background(), "a/+/b", []byte("x"), 0, false)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, handler.Stop())
}
