package mqtt

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the package's error taxonomy.
// Callers distinguish them with errors.Is; none of them wrap or satisfy any
// platform/context cancellation type, so a cooperative Stop() can never be
// mistaken for the peer going away.
var (
	// ErrMalformedPacket is returned when a packet cannot be decoded from the
	// wire. Fatal for the connection.
	ErrMalformedPacket = errors.New("mqtt: malformed packet")

	// ErrProtocolError is returned when a structurally valid packet arrives
	// in a state that does not expect it (e.g. a DISCONNECT from the broker,
	// or a packet type the reader loop does not handle). Fatal for the
	// connection. An ack for an unknown packet id is logged and dropped
	// instead.
	ErrProtocolError = errors.New("mqtt: protocol error")

	// ErrInvalidState is returned on API misuse: publishing before Start,
	// setting a Future twice, starting an already-running handler.
	ErrInvalidState = errors.New("mqtt: invalid state")

	// ErrNoFreePacketID is returned when all 65535 packet ids are
	// simultaneously inflight.
	ErrNoFreePacketID = errors.New("mqtt: no free packet id")

	// ErrKeepaliveTimeout is returned when a PINGRESP does not arrive within
	// the configured deadline. Fatal for the connection.
	ErrKeepaliveTimeout = errors.New("mqtt: keepalive timeout")

	// ErrHandshakeTimeout is returned when a CONNACK does not arrive within
	// the configured deadline. Fatal for the connection.
	ErrHandshakeTimeout = errors.New("mqtt: handshake timeout")

	// ErrCancelled is delivered to every outstanding Future when Stop() is
	// called for a clean, cooperative shutdown.
	ErrCancelled = errors.New("mqtt: cancelled")

	// ErrTransport marks an underlying I/O failure from the StreamAdapter.
	// Fatal for the connection. Test with errors.Is(err, ErrTransport); the
	// underlying cause appears only in the error's message text.
	ErrTransport = errors.New("mqtt: transport error")

	// ErrNotConnected is returned by Publish/Subscribe/Unsubscribe/Disconnect
	// when called before Start or after Stop. It wraps ErrInvalidState.
	// DeliverNext does not return it; it only observes its own ctx.
	ErrNotConnected = fmt.Errorf("%w: handler is not running", ErrInvalidState)

	// ErrConnectionRefused is returned when the broker's CONNACK carries a
	// non-zero return code.
	ErrConnectionRefused = errors.New("mqtt: connection refused by broker")
)

// transportError wraps ErrTransport so callers can test with
// errors.Is(err, mqtt.ErrTransport); cause is included only through %v
// formatting, so errors.Unwrap yields ErrTransport, not cause.
func transportError(cause error) error {
	return fmt.Errorf("%w: %v", ErrTransport, cause)
}

// wrapInvalidState wraps a short message with ErrInvalidState.
func wrapInvalidState(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, msg)
}
